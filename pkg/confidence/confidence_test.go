package confidence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroScoreIsHalf(t *testing.T) {
	require.InDelta(t, 0.5, Zero.Score(), 1e-9)
}

func TestUpdateMonotonic(t *testing.T) {
	c := Zero
	before := c.Score()
	c = c.Update(Positive)
	require.Greater(t, c.Score(), before)

	before = c.Score()
	c = c.Update(Negative)
	require.Less(t, c.Score(), before)
}

func TestRaisedAbove(t *testing.T) {
	prior := New(0, 0)
	updated := New(10, 0)
	require.True(t, RaisedAbove(prior, updated, 0.1))
	require.False(t, RaisedAbove(prior, prior, 0.1))
}

func TestImportanceDecay(t *testing.T) {
	imp := Importance{STI: 1.0, LTI: 0.0}
	next := imp.Decay(DefaultDecayParams)
	require.Less(t, next.STI, imp.STI)
	require.Greater(t, next.LTI, imp.LTI)
}

func TestImportanceBoost(t *testing.T) {
	imp := Importance{STI: 0.1, LTI: 0.1}
	boosted := imp.Boost(0.5)
	require.Greater(t, boosted.STI, imp.STI)
	require.LessOrEqual(t, boosted.STI, 1.0)
}

func TestWeightZeroAttention(t *testing.T) {
	require.Equal(t, 0.0, Weight(New(10, 0), Importance{}))
}
