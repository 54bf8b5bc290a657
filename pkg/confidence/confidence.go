// Package confidence implements the engine's two numeric belief
// signals: Confidence (Laplace-smoothed positive/negative evidence,
// §3) and Importance (decaying short-/long-term attention, §3
// alternate flavor) used respectively as the engine's notion of truth
// and as the KB's sampling/eviction weight.
package confidence

import "math"

// laplaceK is the Laplace smoothing constant k in
// score = (pos + k) / (pos + neg + 2k).
const laplaceK = 1.0

// maxCount bounds pos/neg so repeated reinforcement saturates instead
// of overflowing, per §3 "counters saturate at the representable
// maximum."
const maxCount = math.MaxFloat32

// Confidence is an immutable positive/negative evidence count. Like
// pkg/term's values, "updating" a Confidence returns a new value.
type Confidence struct {
	pos, neg float64
}

// Zero is the confidence of an item with no evidence either way:
// score 0.5.
var Zero = Confidence{}

// New constructs a Confidence from explicit counts, clamped to
// [0, maxCount].
func New(pos, neg float64) Confidence {
	return Confidence{pos: clamp(pos), neg: clamp(neg)}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > maxCount {
		return maxCount
	}
	return v
}

// Score returns the Laplace-smoothed belief score in (0, 1).
func (c Confidence) Score() float64 {
	return (c.pos + laplaceK) / (c.pos + c.neg + 2*laplaceK)
}

// Positive returns the positive evidence count.
func (c Confidence) Positive() float64 { return c.pos }

// Negative returns the negative evidence count.
func (c Confidence) Negative() float64 { return c.neg }

// Evidence is the polarity passed to Update.
type Evidence bool

const (
	Positive Evidence = true
	Negative Evidence = false
)

// Update returns a new Confidence with one counter incremented
// according to ev.
func (c Confidence) Update(ev Evidence) Confidence {
	if ev == Positive {
		return New(c.pos+1, c.neg)
	}
	return New(c.pos, c.neg+1)
}

// RaisedAbove reports whether updated's score exceeds prior's score by
// more than delta — the KB's "revision boost" trigger (§4.3).
func RaisedAbove(prior, updated Confidence, delta float64) bool {
	return updated.Score()-prior.Score() > delta
}

// --- Importance ---------------------------------------------------------

// Importance is the two-tier short-term/long-term attention value used
// as the KB's sampling weight and eviction key (§3). Both tiers live in
// [0, 1].
type Importance struct {
	STI float64
	LTI float64
}

// DefaultImportance is the importance assigned to a freshly committed
// item: moderate short-term attention, no accumulated long-term
// attention yet.
var DefaultImportance = Importance{STI: 0.2, LTI: 0.0}

// DecayParams controls Decay's per-tick rates. STI decays faster than
// LTI; LTI learns a configurable fraction of STI's decayed-away mass,
// matching §3's "LTI learns a fraction of STI's decay."
type DecayParams struct {
	STIRate      float64 // fraction of STI lost per tick, in [0,1]
	LTILearnRate float64 // fraction of STI's lost mass credited to LTI
	LTIRate      float64 // fraction of LTI lost per tick, in [0,1]
}

// DefaultDecayParams matches a conservative, slowly-forgetting profile.
var DefaultDecayParams = DecayParams{
	STIRate:      0.05,
	LTILearnRate: 0.10,
	LTIRate:      0.01,
}

// Decay applies one decay tick, per DecayParams.
func (imp Importance) Decay(p DecayParams) Importance {
	lost := imp.STI * p.STIRate
	sti := clamp01(imp.STI - lost)
	lti := clamp01(imp.LTI + lost*p.LTILearnRate - imp.LTI*p.LTIRate)
	return Importance{STI: sti, LTI: lti}
}

// Boost raises STI (and proportionally LTI) on access or revision, per
// §4.3's "revision boost." amount is added to STI directly; a small
// fraction carries into LTI so durable reinforcement compounds.
func (imp Importance) Boost(amount float64) Importance {
	return Importance{
		STI: clamp01(imp.STI + amount),
		LTI: clamp01(imp.LTI + amount*0.1),
	}
}

// Weight is the scalar used for confidence/importance-weighted
// sampling and eviction: the product of belief score and total
// attention, so an item must be both believed and attended-to to rank
// highly, and zero on either axis drops it out of contention.
func Weight(c Confidence, imp Importance) float64 {
	attention := imp.STI + imp.LTI
	if attention <= 0 {
		return 0
	}
	return c.Score() * attention
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
