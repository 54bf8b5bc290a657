// Package engine wires every other package into one runnable whole:
// the knowledge base, rule/meta store, forward-chaining and
// scheduler engines, garbage collector, persistence, and the optional
// broadcast surface, behind a single lifecycle object with Start/Stop
// methods. This resolves §9's "cyclic references" design note by
// construction — the executor holds a read-only OracleClient/
// TermParser handle, the chain engine holds a read-only rule store
// reference, and the engine itself is the only thing that owns
// start/stop authority over any of them, rather than components
// reaching back into each other.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitrdm/noema/pkg/action"
	"github.com/gitrdm/noema/pkg/broadcast"
	"github.com/gitrdm/noema/pkg/chain"
	"github.com/gitrdm/noema/pkg/config"
	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/events"
	"github.com/gitrdm/noema/pkg/gc"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/oracle"
	"github.com/gitrdm/noema/pkg/parser"
	"github.com/gitrdm/noema/pkg/persist"
	"github.com/gitrdm/noema/pkg/rules"
	"github.com/gitrdm/noema/pkg/sched"
	"github.com/gitrdm/noema/pkg/term"
)

// Options configures one Engine. Every field is optional; a zero
// Options builds a standalone engine with no oracle, no snapshot
// file, and no broadcast surface.
type Options struct {
	Config *config.Config // nil => config.Default()
	Logger hclog.Logger   // nil => hclog.NewNullLogger()

	// SnapshotPath, when non-empty, enables persistence: Start loads
	// from this bbolt file (falling back to DefaultMetaRules on a
	// missing/corrupt/empty snapshot) and Stop saves back to it.
	SnapshotPath string

	// Oracle is the external collaborator generate_thoughts/call_oracle
	// dispatch to. nil means those two primitives fail at execution
	// time rather than the engine refusing to start, matching §4.5's
	// "the oracle is out of scope to implement fully."
	Oracle oracle.Client

	// EnableBroadcast makes the engine construct the §6 websocket
	// surface as Engine.Broadcast; the caller mounts Broadcast.Handler()
	// on its own HTTP router.
	EnableBroadcast bool
	BroadcastInput  bool
}

// Engine owns every subsystem's lifecycle.
type Engine struct {
	opts Options
	cfg  *config.Config
	log  hclog.Logger

	Bus       *events.Bus
	KB        *kb.KB
	Rules     *rules.Store
	Chain     *chain.Engine
	Executor  *action.Executor
	Scheduler *sched.Engine
	GC        *gc.Engine
	Parser    *parser.Parser
	Broadcast *broadcast.Server

	persist *persist.Engine

	registry *prometheus.Registry
	metrics  *metrics

	mu           sync.Mutex
	running      bool
	metricsUnsub []func()
}

// subscribeKBSizeGauge keeps the kb_size gauge current by resampling
// it on every commit/removal, rather than polling on a timer.
func (e *Engine) subscribeKBSizeGauge() []func() {
	update := func(events.Event) { e.metrics.kbSize.Set(float64(e.KB.Size())) }
	return []func(){
		e.Bus.Subscribe(events.KindAdded, update),
		e.Bus.Subscribe(events.KindRetracted, update),
		e.Bus.Subscribe(events.KindEvicted, update),
	}
}

// New assembles every subsystem without starting any of it. Start
// performs the bootstrap-or-restore decision and launches the
// background loops.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	bus := events.New(log)
	store := kb.New(cfg.KBConfigValue(), log, bus)
	ruleStore := rules.New()
	p := parser.New()
	executor := action.New(store, opts.Oracle, p, log)
	chainEngine := chain.New(store, ruleStore, bus, cfg.ChainConfigValue(), log)
	schedEngine := sched.New(store, executor, bus, cfg.SchedulerConfigValue(), log)
	gcEngine, err := gc.New(store, cfg.GCConfigValue(), log)
	if err != nil {
		return nil, fmt.Errorf("engine: constructing gc: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	gcEngine.OnPass = func(removed int) { m.observeGCPass(removed) }
	schedEngine.OnCycle = func(d time.Duration, err error) { m.observeCycle(d, err) }

	var broadcastSrv *broadcast.Server
	if opts.EnableBroadcast {
		broadcastSrv = broadcast.New(store, bus, p, broadcast.Config{AllowInput: opts.BroadcastInput}, log)
	}

	var persistEngine *persist.Engine
	if opts.SnapshotPath != "" {
		persistEngine = persist.New(persist.Config{Path: opts.SnapshotPath}, log)
	}

	return &Engine{
		opts:      opts,
		cfg:       cfg,
		log:       log.Named("engine"),
		Bus:       bus,
		KB:        store,
		Rules:     ruleStore,
		Chain:     chainEngine,
		Executor:  executor,
		Scheduler: schedEngine,
		GC:        gcEngine,
		Parser:    p,
		Broadcast: broadcastSrv,
		persist:   persistEngine,
		registry:  reg,
		metrics:   m,
	}, nil
}

// Start restores from a snapshot if one is configured and readable,
// falling back to DefaultMetaRules otherwise (§4.10's "an injected
// default set of meta-rules"), then launches every background loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: already running")
	}

	restored := false
	if e.persist != nil {
		r, err := e.persist.Load(e.KB)
		if err != nil {
			e.log.Warn("snapshot load failed, bootstrapping instead", "error", err)
		}
		restored = r
	}
	if !restored {
		Bootstrap(e.KB)
	}

	e.Chain.Start()
	e.Scheduler.Start()
	e.GC.Start()
	if e.Broadcast != nil {
		e.Broadcast.Start()
	}
	e.metricsUnsub = e.subscribeKBSizeGauge()
	e.running = true
	e.log.Info("engine started", "restored_from_snapshot", restored, "kb_size", e.KB.Size())
	return nil
}

// Stop tears down every subsystem in reverse order and, if
// persistence is configured, saves a final snapshot.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	for _, u := range e.metricsUnsub {
		u()
	}
	e.metricsUnsub = nil

	if e.Broadcast != nil {
		e.Broadcast.Stop()
	}
	e.GC.Stop()
	e.Scheduler.Stop()
	e.Chain.Stop()
	e.running = false

	if e.persist != nil {
		if err := e.persist.Save(e.KB); err != nil {
			return fmt.Errorf("engine: saving snapshot on stop: %w", err)
		}
	}
	e.log.Info("engine stopped")
	return nil
}

// Snapshot forces an immediate save without stopping the engine, the
// operation cmd/noema's "snapshot" subcommand drives (§12).
func (e *Engine) Snapshot() error {
	if e.persist == nil {
		return fmt.Errorf("engine: no snapshot path configured")
	}
	return e.persist.Save(e.KB)
}

// MetricsHandler exposes the engine's Prometheus registry for mounting
// on an admin HTTP listener (cmd/noema's run command).
func (e *Engine) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Bootstrap seeds store with DefaultMetaRules, the fallback content
// §4.10 calls for when no snapshot is available to restore from.
func Bootstrap(store *kb.KB) {
	for _, it := range DefaultMetaRules() {
		store.Add(it)
	}
}

// DefaultMetaRules returns the literal bootstrap meta set covering
// scenarios S2-S4: decomposition via the oracle, a generic completion
// checker for STRATEGY children, and a no-op catch-all scoped to NOTE
// items only — narrow enough that a GOAL with genuinely no applicable
// meta (S4) still falls through to the scheduler's retry-and-fail
// path instead of being silently absorbed.
func DefaultMetaRules() []*kb.Item {
	return []*kb.Item{
		{
			Role: kb.RoleMeta,
			Content: term.NewCompound("meta_def",
				term.NewCompound("decompose", term.NewVariable("?topic")),
				term.NewCompound("sequence", term.NewList(
					term.NewCompound("set_status", term.NewSymbol("WAITING_CHILDREN")),
					term.NewCompound("generate_thoughts", term.NewCompound("plan", term.NewVariable("?topic"))),
				)),
			),
			Belief:     confidence.New(1, 0),
			Importance: confidence.DefaultImportance,
			Status:     kb.StatusPending,
			Metadata:   map[string]interface{}{kb.MetaTargetRole: string(kb.RoleGoal)},
		},
		{
			Role: kb.RoleMeta,
			Content: term.NewCompound("meta_def",
				term.NewVariable("?x"),
				term.NewCompound("sequence", term.NewList(
					term.NewCompound("set_status", term.NewSymbol("DONE")),
					term.NewCompound("check_parent_completion",
						term.NewSymbol("ALL_DONE"), term.NewSymbol("DONE"), term.NewSymbol("false")),
				)),
			),
			Belief:     confidence.New(1, 0),
			Importance: confidence.DefaultImportance,
			Status:     kb.StatusPending,
			Metadata:   map[string]interface{}{kb.MetaTargetRole: string(kb.RoleStrategy)},
		},
		{
			Role: kb.RoleMeta,
			Content: term.NewCompound("meta_def",
				term.NewVariable("?x"),
				term.NewCompound("noop"),
			),
			Belief:     confidence.New(1, 0),
			Importance: confidence.DefaultImportance,
			Status:     kb.StatusPending,
			Metadata:   map[string]interface{}{kb.MetaTargetRole: string(kb.RoleNote)},
		},
	}
}
