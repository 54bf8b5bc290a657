package term

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymbolInterning(t *testing.T) {
	t.Run("same name yields same pointer", func(t *testing.T) {
		a := NewSymbol("foo")
		b := NewSymbol("foo")
		require.Same(t, a, b)
		require.True(t, a.Equal(b))
	})

	t.Run("different names are not equal", func(t *testing.T) {
		a := NewSymbol("foo")
		b := NewSymbol("bar")
		require.False(t, a.Equal(b))
	})
}

func TestVariableEquality(t *testing.T) {
	t.Run("same name is structurally equal", func(t *testing.T) {
		a := NewVariable("?x")
		b := NewVariable("?x")
		require.True(t, a.Equal(b))
		require.Equal(t, a.Hash(), b.Hash())
	})

	t.Run("fresh variables never collide", func(t *testing.T) {
		a := FreshVariable("x")
		b := FreshVariable("x")
		require.False(t, a.Equal(b))
	})

	t.Run("is not ground", func(t *testing.T) {
		require.False(t, NewVariable("?x").IsGround())
	})
}

func TestNumberEquality(t *testing.T) {
	require.True(t, NewNumber(1.5).Equal(NewNumber(1.5)))
	require.False(t, NewNumber(1.5).Equal(NewNumber(2.5)))
	require.True(t, NewNumber(1).IsGround())
}

func TestCompoundIdentity(t *testing.T) {
	t.Run("equal heads and args are equal", func(t *testing.T) {
		a := NewCompound("add", NewSymbol("Z"), NewVariable("?n"))
		b := NewCompound("add", NewSymbol("Z"), NewVariable("?n"))
		require.True(t, a.Equal(b))
		require.Equal(t, a.Hash(), b.Hash())
	})

	t.Run("different arity is not equal", func(t *testing.T) {
		a := NewCompound("f", NewSymbol("a"))
		b := NewCompound("f", NewSymbol("a"), NewSymbol("b"))
		require.False(t, a.Equal(b))
	})

	t.Run("ground propagates from args", func(t *testing.T) {
		ground := NewCompound("f", NewSymbol("a"), NewNumber(1))
		require.True(t, ground.IsGround())

		withVar := NewCompound("f", NewSymbol("a"), NewVariable("?x"))
		require.False(t, withVar.IsGround())
	})

	t.Run("args defensively copied", func(t *testing.T) {
		args := []Term{NewSymbol("a")}
		c := NewCompound("f", args...)
		args[0] = NewSymbol("b")
		require.Equal(t, "a", c.Arg(0).String())
	})
}

func TestListIdentity(t *testing.T) {
	a := NewList(NewNumber(1), NewNumber(2), NewNumber(3))
	b := NewList(NewNumber(1), NewNumber(2), NewNumber(3))
	require.True(t, a.Equal(b))

	c := NewList(NewNumber(1), NewNumber(2))
	require.False(t, a.Equal(c))
	require.Equal(t, 3, a.Len())
}

func TestVariablesOf(t *testing.T) {
	tm := NewCompound("add", NewVariable("?m"), NewCompound("S", NewVariable("?n")), NewVariable("?m"))
	vars := Variables(tm)
	require.Equal(t, []string{"?m", "?n"}, vars)
}
