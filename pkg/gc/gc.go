// Package gc implements the §4.9 garbage collector: a timer-driven
// pass that scans terminal items and removes those gone stale past a
// configured threshold, skipping anything marked protected.
package gc

import (
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"

	"github.com/gitrdm/noema/pkg/kb"
)

// Config tunes the collector.
type Config struct {
	Schedule    string        // cronexpr expression driving each pass, §4.9 "runs on a timer"
	GCThreshold time.Duration // how stale last_updated_timestamp must be on a terminal item to collect it
}

// DefaultConfig runs a pass once a minute (at second 0, in cronexpr's
// seven-field seconds-to-year form) and collects terminal items idle
// for ten minutes or more.
var DefaultConfig = Config{Schedule: "0 * * * * * *", GCThreshold: 10 * time.Minute}

// Engine runs the collector on its own schedule.
type Engine struct {
	kb   *kb.KB
	expr *cronexpr.Expression
	cfg  Config
	log  hclog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	// OnPass, when set, is invoked after every completed pass (timer-
	// driven or explicit) with the number of items removed. pkg/engine
	// wires this to its Prometheus pass and removed-item counters.
	OnPass func(removed int)
}

// New parses cfg.Schedule (hashicorp/cronexpr syntax) and constructs an
// Engine. A malformed expression is a configuration error the caller
// should surface at startup, not silently fall back from.
func New(store *kb.KB, cfg Config, log hclog.Logger) (*Engine, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig.Schedule
	}
	if cfg.GCThreshold <= 0 {
		cfg.GCThreshold = DefaultConfig.GCThreshold
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{
		kb:   store,
		expr: expr,
		cfg:  cfg,
		log:  log.Named("gc"),
		stop: make(chan struct{}),
	}, nil
}

// Start launches the timer loop. Call Stop to end it.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop ends the timer loop and waits for any in-flight pass to finish.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		next := e.expr.Next(time.Now())
		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)

		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-timer.C:
			e.RunPass()
		}
	}
}

// RunPass executes one collection pass immediately, independent of the
// schedule; exported so tests and an explicit "gc now" operator action
// don't have to wait on the timer. Returns the number of items removed.
func (e *Engine) RunPass() int {
	candidates := e.kb.GCCandidates(e.cfg.GCThreshold)
	removed := 0
	for _, it := range candidates {
		if _, ok := e.kb.Remove(it.ID); ok {
			removed++
		}
	}
	if removed > 0 {
		e.log.Debug("gc pass complete", "removed", removed, "scanned", len(candidates))
	}
	if e.OnPass != nil {
		e.OnPass(removed)
	}
	return removed
}
