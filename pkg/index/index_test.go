package index

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitrdm/noema/pkg/term"
)

func ids(ss []string) []string {
	sort.Strings(ss)
	return ss
}

func TestInsertAndUnifiableExact(t *testing.T) {
	idx := New(16)
	fact := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	idx.Insert(fact, "f1")

	got := idx.Query(fact, Unifiable)
	require.Equal(t, []string{"f1"}, ids(got))
}

func TestUnifiableMatchesQueryVariable(t *testing.T) {
	idx := New(16)
	fact := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	idx.Insert(fact, "f1")

	query := term.NewCompound("likes", term.NewVariable("?x"), term.NewSymbol("bob"))
	got := idx.Query(query, Unifiable)
	require.Equal(t, []string{"f1"}, ids(got))
}

func TestUnifiableMatchesStoredVariable(t *testing.T) {
	idx := New(16)
	pattern := term.NewCompound("likes", term.NewVariable("?x"), term.NewSymbol("bob"))
	idx.Insert(pattern, "r1")

	query := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	got := idx.Query(query, Unifiable)
	require.Equal(t, []string{"r1"}, ids(got))
}

func TestInstancesRequireGroundCandidate(t *testing.T) {
	idx := New(16)
	ground := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	pattern := term.NewCompound("likes", term.NewVariable("?x"), term.NewSymbol("bob"))
	idx.Insert(ground, "ground")
	idx.Insert(pattern, "pattern")

	query := term.NewCompound("likes", term.NewVariable("?q"), term.NewSymbol("bob"))
	got := idx.Query(query, Instances)
	require.Equal(t, []string{"ground"}, ids(got))
}

func TestGeneralizationsRequireGroundQuery(t *testing.T) {
	idx := New(16)
	ground := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	pattern := term.NewCompound("likes", term.NewVariable("?x"), term.NewSymbol("bob"))
	idx.Insert(ground, "ground")
	idx.Insert(pattern, "pattern")

	query := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	got := idx.Query(query, Generalizations)
	require.Equal(t, []string{"ground", "pattern"}, ids(got))
}

func TestRemoveDropsFromSubsequentQueries(t *testing.T) {
	idx := New(16)
	fact := term.NewCompound("likes", term.NewSymbol("alice"), term.NewSymbol("bob"))
	idx.Insert(fact, "f1")
	idx.Remove(fact, "f1")

	got := idx.Query(fact, Unifiable)
	require.Empty(t, got)
}

func TestDistinctArityDoesNotMatch(t *testing.T) {
	idx := New(16)
	idx.Insert(term.NewCompound("p", term.NewSymbol("a")), "a1")
	got := idx.Query(term.NewCompound("p", term.NewSymbol("a"), term.NewSymbol("b")), Unifiable)
	require.Empty(t, got)
}

func TestNestedCompoundWildcard(t *testing.T) {
	idx := New(16)
	fact := term.NewCompound("holds", term.NewCompound("pair", term.NewSymbol("x"), term.NewSymbol("y")), term.NewNumber(1))
	idx.Insert(fact, "nested")

	query := term.NewCompound("holds", term.NewVariable("?anything"), term.NewNumber(1))
	got := idx.Query(query, Unifiable)
	require.Equal(t, []string{"nested"}, ids(got))
}
