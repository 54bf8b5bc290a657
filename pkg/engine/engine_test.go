package engine

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/config"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/oracle"
	"github.com/gitrdm/noema/pkg/term"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.Workers = 4
	cfg.Scheduler.IdlePauseMillis = 5
	cfg.Scheduler.BackoffInitialMillis = 5
	cfg.Scheduler.BackoffMaxSeconds = 1
	cfg.Scheduler.MaxActiveDurationSeconds = 2
	cfg.Scheduler.DeadlockCheckSeconds = 1
	cfg.Scheduler.MaxRetries = 3
	cfg.GC.Schedule = "0 0 0 1 1 * *" // once a year, tests don't exercise GC
	return cfg
}

// TestScenarioDecompositionViaMeta covers S2: a decompose(...) GOAL
// drives GOAL-DECOMPOSE into WAITING_CHILDREN and commits the
// oracle's add_thought lines as STRATEGY children of the goal.
func TestScenarioDecompositionViaMeta(t *testing.T) {
	mock := &oracle.MockClient{
		Default: "(add_thought STRATEGY (milestone book_flights) POSITIVE)\n" +
			"(add_thought STRATEGY (milestone book_hotel) POSITIVE)",
	}
	e, err := New(Options{Config: fastConfig(), Oracle: mock, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	goal, added := e.KB.Add(&kb.Item{
		Role:       kb.RoleGoal,
		Content:    term.NewCompound("decompose", term.NewSymbol("plan_weekend_trip")),
		Belief:     confidence.New(1, 0),
		Importance: confidence.DefaultImportance,
	})
	require.True(t, added)

	waitUntil(t, 3*time.Second, func() bool {
		current, ok := e.KB.Get(goal.ID)
		return ok && current.Status == kb.StatusWaitingChildren
	})

	waitUntil(t, 3*time.Second, func() bool {
		return len(e.KB.ChildrenOf(goal.ID)) == 2
	})
	for _, child := range e.KB.ChildrenOf(goal.ID) {
		require.Equal(t, kb.RoleStrategy, child.Role)
	}
	require.Len(t, mock.Prompts(), 1)
}

// TestScenarioParentCompletion covers S3: a GOAL already in
// WAITING_CHILDREN with two STRATEGY children transitions to DONE
// exactly once, once both children reach DONE via the generic
// completion-checker meta.
func TestScenarioParentCompletion(t *testing.T) {
	e, err := New(Options{Config: fastConfig(), Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	goal, _ := e.KB.Add(&kb.Item{
		Role:       kb.RoleGoal,
		Content:    term.NewSymbol("plan_weekend_trip"),
		Belief:     confidence.New(1, 0),
		Importance: confidence.DefaultImportance,
		Status:     kb.StatusWaitingChildren,
	})

	for _, name := range []string{"book_flights", "book_hotel"} {
		e.KB.Add(&kb.Item{
			Role:       kb.RoleStrategy,
			Content:    term.NewCompound("milestone", term.NewSymbol(name)),
			Belief:     confidence.New(1, 0),
			Importance: confidence.DefaultImportance,
			Metadata:   map[string]interface{}{kb.MetaParentID: goal.ID},
		})
	}

	waitUntil(t, 3*time.Second, func() bool {
		current, ok := e.KB.Get(goal.ID)
		return ok && current.Status == kb.StatusDone
	})
	for _, child := range e.KB.ChildrenOf(goal.ID) {
		require.Equal(t, kb.StatusDone, child.Status)
	}
}

// TestScenarioNoMatchingMeta covers S4: an item with no applicable
// meta cycles PENDING -> ACTIVE -> PENDING, retry_count grows, and it
// finally reaches FAILED with error_info reporting no matching meta.
func TestScenarioNoMatchingMeta(t *testing.T) {
	e, err := New(Options{Config: fastConfig(), Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	goal, _ := e.KB.Add(&kb.Item{
		Role:       kb.RoleGoal,
		Content:    term.NewCompound("goal_with_no_meta", term.NewSymbol("do_nothing")),
		Belief:     confidence.New(1, 0),
		Importance: confidence.DefaultImportance,
	})

	waitUntil(t, 5*time.Second, func() bool {
		current, ok := e.KB.Get(goal.ID)
		return ok && current.Status == kb.StatusFailed
	})
	final, _ := e.KB.Get(goal.ID)
	require.Contains(t, final.Metadata[kb.MetaErrorInfo].(string), "no matching meta")
}

func TestStartBootstrapsDefaultMetaRulesWhenNoSnapshotConfigured(t *testing.T) {
	e, err := New(Options{Config: fastConfig(), Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Equal(t, len(DefaultMetaRules()), e.KB.Size())
}

func TestSnapshotAndRestoreAcrossEngines(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/snapshot.db"

	e1, err := New(Options{Config: fastConfig(), SnapshotPath: path, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, e1.Start(context.Background()))
	e1.KB.Add(&kb.Item{Role: kb.RoleNote, Content: term.NewSymbol("remembered"),
		Belief: confidence.New(1, 0), Importance: confidence.DefaultImportance})
	require.NoError(t, e1.Stop())

	e2, err := New(Options{Config: fastConfig(), SnapshotPath: path, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, e2.Start(context.Background()))
	defer e2.Stop()

	found := false
	for _, it := range e2.KB.All() {
		if sym, ok := it.Content.(*term.Symbol); ok && sym.Name() == "remembered" {
			found = true
		}
	}
	require.True(t, found)
}
