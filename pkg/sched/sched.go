// Package sched implements the §4.6 scheduler loop: sample a pending
// item by weighted confidence, claim it via CAS, arm a timeout, match
// it against candidate metas, run the chosen action, and apply the
// retry policy on any failure.
//
// Grounded on internal/parallel.WorkerPool/DeadlockDetector, the
// gokando teacher's pre-existing concurrency infrastructure: the pool
// bounds how many action executions (which may block on an oracle
// call, §5 "suspension points") run at once, and a DeadlockDetector
// sized to max_active_duration supplies the per-item arm/disarm
// timeout via ExecuteWithDeadlockProtection rather than a fresh
// time.Timer per cycle. The outer PENDING-retry backoff uses
// github.com/cenkalti/backoff/v4, matching the teacher's retry-with-
// backoff idiom for flaky operations.
package sched

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/gitrdm/noema/internal/parallel"
	"github.com/gitrdm/noema/pkg/action"
	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/events"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/term"
	"github.com/gitrdm/noema/pkg/unify"
)

// metaRetryNotBefore is a non-reserved metadata key (not one of §3's
// reserved names) recording the earliest time a FAILED-then-retried
// item becomes eligible for re-sampling again.
const metaRetryNotBefore = "retry_not_before"

var (
	errNoMatchingMeta         = errors.New("sched: no matching meta")
	errActionDidNotTransition = errors.New("sched: action did not transition item out of ACTIVE")
)

// Config tunes the scheduler loop.
type Config struct {
	Workers               int           // pool size for action execution, §5 "small pool of cooperative worker tasks"
	MaxActiveDuration     time.Duration // per-item timeout, arm/disarm around step 5
	DeadlockCheckInterval time.Duration // how often the detector scans for timed-out items
	MaxRetries            int           // retry_count ceiling before FAILED
	IdlePause             time.Duration // how long a driver sleeps when nothing is eligible
	BackoffInitial        time.Duration // outer retry backoff, first interval
	BackoffMax            time.Duration // outer retry backoff ceiling
}

// DefaultConfig matches spec defaults: a handful of workers, a
// generous per-item timeout, and a short capped backoff between
// retries.
var DefaultConfig = Config{
	Workers:               4,
	MaxActiveDuration:     30 * time.Second,
	DeadlockCheckInterval: 5 * time.Second,
	MaxRetries:            3,
	IdlePause:             20 * time.Millisecond,
	BackoffInitial:        200 * time.Millisecond,
	BackoffMax:            10 * time.Second,
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig
	if cfg.Workers > 0 {
		d.Workers = cfg.Workers
	}
	if cfg.MaxActiveDuration > 0 {
		d.MaxActiveDuration = cfg.MaxActiveDuration
	}
	if cfg.DeadlockCheckInterval > 0 {
		d.DeadlockCheckInterval = cfg.DeadlockCheckInterval
	}
	if cfg.MaxRetries > 0 {
		d.MaxRetries = cfg.MaxRetries
	}
	if cfg.IdlePause > 0 {
		d.IdlePause = cfg.IdlePause
	}
	if cfg.BackoffInitial > 0 {
		d.BackoffInitial = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		d.BackoffMax = cfg.BackoffMax
	}
	return d
}

// Engine runs the scheduler loop against a KB and an action executor.
type Engine struct {
	kb       *kb.KB
	executor *action.Executor
	bus      *events.Bus
	cfg      Config
	log      hclog.Logger

	pool *parallel.WorkerPool
	dd   *parallel.DeadlockDetector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
	unsub  []func()

	// OnCycle, when set, is invoked after every claimed item finishes
	// its cycle (successful or not) with its duration and the error
	// returned, if any. pkg/engine wires this to its Prometheus cycle
	// count/latency metrics.
	OnCycle func(d time.Duration, err error)
}

// New constructs a scheduler Engine. bus may be nil; without it the
// loop still runs, polling at cfg.IdlePause instead of waking eagerly
// on Added/StatusChanged events.
func New(store *kb.KB, executor *action.Executor, bus *events.Bus, cfg Config, log hclog.Logger) *Engine {
	cfg = withDefaults(cfg)
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{
		kb:       store,
		executor: executor,
		bus:      bus,
		cfg:      cfg,
		log:      log.Named("sched"),
		pool:     parallel.NewWorkerPool(cfg.Workers),
		dd:       parallel.NewDeadlockDetector(cfg.MaxActiveDuration, cfg.DeadlockCheckInterval),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches cfg.Workers driver goroutines. Each samples and
// claims items directly (cheap, non-blocking KB operations) and hands
// the potentially-blocking action execution off to the worker pool,
// decoupling sampling throughput from in-flight oracle calls.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	if e.bus != nil {
		e.unsub = append(e.unsub, e.bus.Subscribe(events.KindAdded, func(events.Event) { e.signalWake() }))
		e.unsub = append(e.unsub, e.bus.Subscribe(events.KindStatusChanged, func(events.Event) { e.signalWake() }))
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.driverLoop()
	}
}

// Stop signals shutdown, cancels outstanding timeouts, waits (bounded
// by the pool/detector's own teardown) for in-flight cycles to drain,
// and detaches every event subscription Start registered.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.pool.Shutdown()
	e.dd.Shutdown()
	for _, u := range e.unsub {
		u()
	}
	e.unsub = nil
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) driverLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		it, ok := e.sampleEligible()
		if !ok {
			select {
			case <-e.ctx.Done():
				return
			case <-e.wake:
			case <-time.After(e.cfg.IdlePause):
			}
			continue
		}

		activated, ok := e.activate(it)
		if !ok {
			// Lost the CAS race to another worker; step 2's "return to 1."
			continue
		}

		claimed := activated
		if err := e.pool.Submit(e.ctx, func() { e.runClaimed(claimed) }); err != nil {
			return
		}
	}
}

// sampleEligible wraps kb.SamplePending with the outer backoff
// cooldown: an item still waiting out its retry_not_before window is
// skipped in favor of the next weighted draw, up to a few attempts.
func (e *Engine) sampleEligible() (*kb.Item, bool) {
	const attempts = 8
	for i := 0; i < attempts; i++ {
		it, ok := e.kb.SamplePending()
		if !ok {
			return nil, false
		}
		if cooldownActive(it) {
			continue
		}
		return it, true
	}
	return nil, false
}

// activate performs step 2's PENDING -> ACTIVE CAS.
func (e *Engine) activate(it *kb.Item) (*kb.Item, bool) {
	next := it.Clone()
	next.Status = kb.StatusActive
	if !e.kb.Update(it, next) {
		return nil, false
	}
	return next, true
}

// runClaimed executes steps 3-7 for one already-ACTIVE item.
func (e *Engine) runClaimed(claimed *kb.Item) {
	start := time.Now()
	desc := fmt.Sprintf("scheduler cycle for item %s", claimed.ID)
	err := e.dd.ExecuteWithDeadlockProtection(e.ctx, claimed.ID, desc, func(ctx context.Context) error {
		return e.executeChosenAction(ctx, claimed)
	})
	if e.OnCycle != nil {
		e.OnCycle(time.Since(start), err)
	}
	if err != nil {
		e.applyFailure(claimed, err)
		return
	}
	e.ensureNotStuckActive(claimed)
}

func (e *Engine) executeChosenAction(ctx context.Context, claimed *kb.Item) error {
	candidates := e.candidateMetas(claimed)
	chosen, ok := selectMeta(claimed, candidates)
	if !ok {
		return errNoMatchingMeta
	}
	return e.executor.Execute(ctx, claimed, chosen.action, chosen.meta.ID)
}

// candidateMetas implements step 4's head filter: metas are indexed
// by the predicate head of their target, which only exists for
// compound targets (kb.Add only predicate-indexes a meta_def whose
// target is a Compound), so non-compound content falls back to a full
// scan of active metas.
func (e *Engine) candidateMetas(claimed *kb.Item) []*kb.Item {
	if head, ok := predicateHeadOf(claimed.Content); ok {
		return e.kb.MetasForHead(head)
	}
	return e.kb.ActiveMetas()
}

// metaCandidate is one meta that unified against the active item,
// carrying its substituted action and its sampling weight.
type metaCandidate struct {
	meta   *kb.Item
	action term.Term
	weight float64
}

// selectMeta implements step 4's "unify each; sample among successes
// by score": a standalone, KB-free function so it is directly
// testable the way pkg/chain's rewriteFirst/instantiateUniversal are.
func selectMeta(active *kb.Item, candidates []*kb.Item) (metaCandidate, bool) {
	var successes []metaCandidate
	var total float64
	for _, meta := range candidates {
		target, actionTerm, ok := splitMetaDef(meta.Content)
		if !ok {
			continue
		}
		if roleRaw, ok := meta.Metadata[kb.MetaTargetRole]; ok {
			if roleName, ok := roleRaw.(string); ok && roleName != "" && roleName != string(active.Role) {
				continue
			}
		}
		subst, ok := unify.Unify(target, active.Content, nil)
		if !ok {
			continue
		}
		substituted, err := subst.Apply(actionTerm)
		if err != nil {
			continue
		}
		w := confidence.Weight(meta.Belief, meta.Importance)
		successes = append(successes, metaCandidate{meta: meta, action: substituted, weight: w})
		total += w
	}
	if len(successes) == 0 {
		return metaCandidate{}, false
	}
	if total <= 0 {
		return successes[0], true
	}

	pick := rand.Float64() * total
	var cursor float64
	for _, s := range successes {
		cursor += s.weight
		if pick <= cursor {
			return s, true
		}
	}
	return successes[len(successes)-1], true
}

// splitMetaDef extracts (target, action) from a meta_def(target,
// action) item content.
func splitMetaDef(content term.Term) (target, actionTerm term.Term, ok bool) {
	c, ok := content.(*term.Compound)
	if !ok || c.Head() != "meta_def" || c.Arity() != 2 {
		return nil, nil, false
	}
	return c.Arg(0), c.Arg(1), true
}

func predicateHeadOf(t term.Term) (string, bool) {
	c, ok := t.(*term.Compound)
	if !ok {
		return "", false
	}
	return c.Head(), true
}

// ensureNotStuckActive backstops §5's "an item with status ACTIVE must
// have a live scheduler claim": if the chosen action returned no error
// but left the item ACTIVE, that action failed its §4.6 step-5
// contract to transition the item out of ACTIVE, so the cycle is
// treated as a failure instead of silently abandoning the item.
func (e *Engine) ensureNotStuckActive(claimed *kb.Item) {
	current, ok := e.kb.Get(claimed.ID)
	if !ok || current.Status != kb.StatusActive {
		return
	}
	e.applyFailure(current, errActionDidNotTransition)
}

// applyFailure implements step 7: increment retry_count, reinforce
// belief negatively, and either requeue to PENDING behind a backoff
// cooldown or mark FAILED once retries are exhausted.
func (e *Engine) applyFailure(claimed *kb.Item, cause error) {
	current, ok := e.kb.Get(claimed.ID)
	if !ok {
		return // removed (e.g. cascaded retraction) out from under the cycle
	}

	retryCount := retryCountOf(current) + 1
	next := current.Clone()
	next.Belief = current.Belief.Update(confidence.Negative)
	next.Metadata[kb.MetaErrorInfo] = cause.Error()
	next.Metadata[kb.MetaRetryCount] = float64(retryCount)

	if retryCount < e.cfg.MaxRetries {
		next.Status = kb.StatusPending
		delay := computeBackoff(e.cfg, retryCount)
		next.Metadata[metaRetryNotBefore] = time.Now().Add(delay).Format(time.RFC3339Nano)
	} else {
		next.Status = kb.StatusFailed
		delete(next.Metadata, metaRetryNotBefore)
	}

	if !e.kb.Update(current, next) {
		e.log.Warn("lost CAS applying scheduler failure", "id", claimed.ID, "cause", cause)
	}
}

func retryCountOf(it *kb.Item) int {
	raw, ok := it.Metadata[kb.MetaRetryCount]
	if !ok {
		return 0
	}
	f, ok := raw.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

func cooldownActive(it *kb.Item) bool {
	raw, ok := it.Metadata[metaRetryNotBefore]
	if !ok {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		return false
	}
	until, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return false
	}
	return time.Now().Before(until)
}

// computeBackoff derives the outer retry delay for retryCount from an
// exponential backoff, capped at cfg.BackoffMax.
func computeBackoff(cfg Config, retryCount int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BackoffInitial
	eb.MaxInterval = cfg.BackoffMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := cfg.BackoffInitial
	for i := 0; i < retryCount; i++ {
		next := eb.NextBackOff()
		if next == backoff.Stop {
			return cfg.BackoffMax
		}
		d = next
	}
	return d
}
