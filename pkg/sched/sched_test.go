package sched

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitrdm/noema/pkg/action"
	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/events"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/term"
)

func TestSplitMetaDefExtractsTargetAndAction(t *testing.T) {
	content := term.NewCompound("meta_def", term.NewSymbol("x"), term.NewSymbol("noop"))
	target, actionTerm, ok := splitMetaDef(content)
	require.True(t, ok)
	require.Equal(t, "x", target.String())
	require.Equal(t, "noop", actionTerm.String())
}

func TestSplitMetaDefRejectsNonMetaDef(t *testing.T) {
	_, _, ok := splitMetaDef(term.NewCompound("task", term.NewSymbol("a")))
	require.False(t, ok)
}

func metaItem(target, actionTerm term.Term, belief confidence.Confidence) *kb.Item {
	return &kb.Item{
		Role:       kb.RoleMeta,
		Content:    term.NewCompound("meta_def", target, actionTerm),
		Belief:     belief,
		Importance: confidence.Importance{STI: 1},
	}
}

func TestSelectMetaAppliesSubstitutionToAction(t *testing.T) {
	target := term.NewCompound("task", term.NewVariable("?x"))
	actionTerm := term.NewCompound("set_belief", term.NewVariable("?x"))
	meta := metaItem(target, actionTerm, confidence.New(10, 0))

	active := &kb.Item{Role: kb.RoleGoal, Content: term.NewCompound("task", term.NewSymbol("POSITIVE"))}
	chosen, ok := selectMeta(active, []*kb.Item{meta})
	require.True(t, ok)
	require.Equal(t, "(set_belief POSITIVE)", chosen.action.String())
}

func TestSelectMetaSkipsRoleMismatch(t *testing.T) {
	meta := metaItem(term.NewVariable("?x"), term.NewSymbol("noop"), confidence.New(10, 0))
	meta.Metadata = map[string]interface{}{kb.MetaTargetRole: string(kb.RoleStrategy)}

	active := &kb.Item{Role: kb.RoleGoal, Content: term.NewSymbol("anything")}
	_, ok := selectMeta(active, []*kb.Item{meta})
	require.False(t, ok)
}

func TestSelectMetaReturnsFalseWhenNoneUnify(t *testing.T) {
	meta := metaItem(term.NewSymbol("other"), term.NewSymbol("noop"), confidence.New(10, 0))
	active := &kb.Item{Role: kb.RoleGoal, Content: term.NewSymbol("anything")}
	_, ok := selectMeta(active, []*kb.Item{meta})
	require.False(t, ok)
}

func TestSelectMetaPrefersHigherWeightDeterministically(t *testing.T) {
	// Zero-weight candidates never accumulate sampling mass, so a single
	// non-zero-weight candidate among them is always chosen.
	strong := metaItem(term.NewVariable("?x"), term.NewSymbol("strong_action"), confidence.New(10, 0))
	weak := metaItem(term.NewVariable("?x"), term.NewSymbol("weak_action"), confidence.Zero)
	weak.Importance = confidence.Importance{}

	active := &kb.Item{Role: kb.RoleGoal, Content: term.NewSymbol("x")}
	chosen, ok := selectMeta(active, []*kb.Item{weak, strong})
	require.True(t, ok)
	require.Equal(t, "strong_action", chosen.action.String())
}

func TestCooldownActiveRespectsFutureTimestamp(t *testing.T) {
	it := &kb.Item{Metadata: map[string]interface{}{
		metaRetryNotBefore: time.Now().Add(time.Hour).Format(time.RFC3339Nano),
	}}
	require.True(t, cooldownActive(it))

	past := &kb.Item{Metadata: map[string]interface{}{
		metaRetryNotBefore: time.Now().Add(-time.Hour).Format(time.RFC3339Nano),
	}}
	require.False(t, cooldownActive(past))

	require.False(t, cooldownActive(&kb.Item{}))
}

func TestComputeBackoffStaysWithinBounds(t *testing.T) {
	cfg := Config{BackoffInitial: 10 * time.Millisecond, BackoffMax: 100 * time.Millisecond}
	for retry := 1; retry <= 5; retry++ {
		d := computeBackoff(cfg, retry)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, cfg.BackoffMax)
	}
}

func TestPredicateHeadOfCompoundOnly(t *testing.T) {
	head, ok := predicateHeadOf(term.NewCompound("task", term.NewSymbol("a")))
	require.True(t, ok)
	require.Equal(t, "task", head)

	_, ok = predicateHeadOf(term.NewSymbol("bare"))
	require.False(t, ok)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *kb.KB) {
	t.Helper()
	bus := events.New(hclog.NewNullLogger())
	store := kb.New(kb.Config{MaxSize: 1000}, hclog.NewNullLogger(), bus)
	exec := action.New(store, nil, nil, hclog.NewNullLogger())
	eng := New(store, exec, bus, cfg, hclog.NewNullLogger())
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng, store
}

func waitForStatus(t *testing.T, store *kb.KB, id string, status kb.Status, timeout time.Duration) *kb.Item {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		it, ok := store.Get(id)
		if ok && it.Status == status {
			return it
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("item %s did not reach status %s in time", id, status)
	return nil
}

func TestSchedulerExecutesMatchingMetaEndToEnd(t *testing.T) {
	cfg := Config{Workers: 2, MaxActiveDuration: 200 * time.Millisecond, DeadlockCheckInterval: 20 * time.Millisecond, MaxRetries: 3, IdlePause: 5 * time.Millisecond, BackoffInitial: 5 * time.Millisecond, BackoffMax: 50 * time.Millisecond}
	_, store := newTestEngine(t, cfg)

	store.Add(&kb.Item{
		Role:    kb.RoleMeta,
		Content: term.NewCompound("meta_def", term.NewCompound("task", term.NewVariable("?x")), term.NewCompound("set_status", term.NewSymbol("DONE"))),
		Belief:  confidence.New(10, 0), Importance: confidence.Importance{STI: 1},
	})
	goal, ok := store.Add(&kb.Item{
		Role: kb.RoleGoal, Content: term.NewCompound("task", term.NewSymbol("a")),
		Belief: confidence.New(5, 0), Importance: confidence.Importance{STI: 0.5},
	})
	require.True(t, ok)

	waitForStatus(t, store, goal.ID, kb.StatusDone, 2*time.Second)
}

func TestSchedulerMarksFailedAfterExhaustingRetries(t *testing.T) {
	cfg := Config{Workers: 2, MaxActiveDuration: 50 * time.Millisecond, DeadlockCheckInterval: 10 * time.Millisecond, MaxRetries: 2, IdlePause: 5 * time.Millisecond, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
	_, store := newTestEngine(t, cfg)

	// No meta exists to match this goal, so every cycle reports
	// "no matching meta" until retries are exhausted.
	goal, ok := store.Add(&kb.Item{
		Role: kb.RoleGoal, Content: term.NewSymbol("orphan"),
		Belief: confidence.New(5, 0), Importance: confidence.Importance{STI: 0.5},
	})
	require.True(t, ok)

	final := waitForStatus(t, store, goal.ID, kb.StatusFailed, 3*time.Second)
	require.Equal(t, float64(2), final.Metadata[kb.MetaRetryCount])
	require.Contains(t, final.Metadata[kb.MetaErrorInfo].(string), "no matching meta")
}
