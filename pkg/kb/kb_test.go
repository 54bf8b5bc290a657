package kb

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/term"
)

func newTestKB(maxSize int) *KB {
	return New(Config{MaxSize: maxSize, EvictionMinScore: 0.05, RevisionDelta: 0.2}, hclog.NewNullLogger(), nil)
}

func TestAddAssignsIDAndDefaults(t *testing.T) {
	k := newTestKB(100)
	it, ok := k.Add(&Item{Role: RoleNote, Content: term.NewCompound("p", term.NewSymbol("a"))})
	require.True(t, ok)
	require.NotEmpty(t, it.ID)
	require.Equal(t, StatusPending, it.Status)
	require.Contains(t, it.Metadata, MetaCreatedAt)
}

func TestAddRejectsTrivialContent(t *testing.T) {
	k := newTestKB(100)
	x := term.NewSymbol("x")
	_, ok := k.Add(&Item{Role: RoleNote, Content: term.NewCompound("p", x, x)})
	require.False(t, ok)
	require.Equal(t, 0, k.Size())
}

// TestAddDuplicateIsIdempotent covers §8 invariant 3.
func TestAddDuplicateIsIdempotent(t *testing.T) {
	k := newTestKB(100)
	content := term.NewCompound("p", term.NewSymbol("a"), term.NewSymbol("b"))
	first, ok := k.Add(&Item{Role: RoleNote, Content: content})
	require.True(t, ok)

	second, ok := k.Add(&Item{Role: RoleNote, Content: content})
	require.False(t, ok)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, k.Size())
}

func TestUpdateCAS(t *testing.T) {
	k := newTestKB(100)
	it, _ := k.Add(&Item{Role: RoleGoal, Content: term.NewSymbol("goal1")})

	updated := it.clone()
	updated.Status = StatusActive
	require.True(t, k.Update(it, updated))

	stale := it.clone()
	stale.Status = StatusDone
	require.False(t, k.Update(it, stale), "CAS against stale expected value must fail")

	current, _ := k.Get(it.ID)
	require.Equal(t, StatusActive, current.Status)
}

// TestRemoveCascadesActiveDependents covers §8 invariant 4.
func TestRemoveCascadesActiveDependents(t *testing.T) {
	k := newTestKB(100)
	support, _ := k.Add(&Item{Role: RoleNote, Content: term.NewSymbol("support")})

	dep, _ := k.Add(&Item{
		Role:    RoleNote,
		Content: term.NewSymbol("dependent"),
		Status:  StatusActive,
		Metadata: map[string]interface{}{
			MetaSupport: []string{support.ID},
		},
	})

	_, ok := k.Remove(support.ID)
	require.True(t, ok)

	_, stillThere := k.Get(dep.ID)
	require.False(t, stillThere, "active dependent must be cascaded away, not left ACTIVE")
}

func TestSamplePendingEmptyWhenNoEligible(t *testing.T) {
	k := newTestKB(100)
	_, ok := k.SamplePending()
	require.False(t, ok)
}

func TestSamplePendingExcludesMetaAndWaitingChildren(t *testing.T) {
	k := newTestKB(100)
	k.Add(&Item{Role: RoleMeta, Content: term.NewCompound("meta_def", term.NewSymbol("x"), term.NewSymbol("noop")),
		Belief: confidence.New(10, 0), Importance: confidence.Importance{STI: 1}})
	k.Add(&Item{Role: RoleGoal, Content: term.NewSymbol("waiting"), Status: StatusWaitingChildren,
		Belief: confidence.New(10, 0), Importance: confidence.Importance{STI: 1}})

	_, ok := k.SamplePending()
	require.False(t, ok)
}

func TestSamplePendingReturnsEligible(t *testing.T) {
	k := newTestKB(100)
	want, _ := k.Add(&Item{Role: RoleGoal, Content: term.NewSymbol("eligible"),
		Belief: confidence.New(10, 0), Importance: confidence.Importance{STI: 1}})

	got, ok := k.SamplePending()
	require.True(t, ok)
	require.Equal(t, want.ID, got.ID)
}

func TestQueryUnifiesAndRanks(t *testing.T) {
	k := newTestKB(100)
	k.Add(&Item{Role: RoleNote, Content: term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob")),
		Belief: confidence.New(1, 0), Importance: confidence.Importance{STI: 0.1}})
	k.Add(&Item{Role: RoleNote, Content: term.NewCompound("likes", term.NewSymbol("carol"), term.NewSymbol("bob")),
		Belief: confidence.New(10, 0), Importance: confidence.Importance{STI: 1}})

	query := term.NewCompound("likes", term.NewVariable("?x"), term.NewSymbol("bob"))
	matches := k.Query(query, 10)
	require.Len(t, matches, 2)
	require.Greater(t,
		confidence.Weight(matches[0].Item.Belief, matches[0].Item.Importance),
		confidence.Weight(matches[1].Item.Belief, matches[1].Item.Importance))
}

func TestMetasForHead(t *testing.T) {
	k := newTestKB(100)
	meta, _ := k.Add(&Item{Role: RoleMeta, Content: term.NewCompound("meta_def",
		term.NewCompound("goal", term.NewVariable("?x")), term.NewSymbol("noop"))})

	found := k.MetasForHead("goal")
	require.Len(t, found, 1)
	require.Equal(t, meta.ID, found[0].ID)
}

func TestChildrenOf(t *testing.T) {
	k := newTestKB(100)
	parent, _ := k.Add(&Item{Role: RoleGoal, Content: term.NewSymbol("parent")})
	child, _ := k.Add(&Item{Role: RoleStrategy, Content: term.NewSymbol("child"),
		Metadata: map[string]interface{}{MetaParentID: parent.ID}})

	children := k.ChildrenOf(parent.ID)
	require.Len(t, children, 1)
	require.Equal(t, child.ID, children[0].ID)
}

// TestEvictionPassRestoresCapacity covers §8 invariant 6 / scenario S6.
func TestEvictionPassRestoresCapacity(t *testing.T) {
	k := newTestKB(10)
	var protectedID string
	for i := 0; i < 15; i++ {
		it, ok := k.Add(&Item{
			Role:       RoleNote,
			Content:    term.NewCompound("fact", term.NewNumber(float64(i))),
			Belief:     confidence.New(1, 0),
			Importance: confidence.Importance{STI: 0.01},
		})
		require.True(t, ok)
		if i == 0 {
			protectedID = it.ID
			k.Protect(protectedID)
		}
	}
	require.Equal(t, 15, k.Size())

	k.EvictionPass(confidence.DefaultDecayParams)

	require.LessOrEqual(t, k.Size(), 10)
	_, stillThere := k.Get(protectedID)
	require.True(t, stillThere, "protected item must survive eviction")
}
