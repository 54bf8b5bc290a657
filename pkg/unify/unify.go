// Package unify implements substitution, unification, and one-way
// matching over pkg/term's term algebra, following the teacher's
// Substitution design (core.go) generalized from int64 variable ids to
// by-name Variable terms, and extended with the occurs-check and
// iterative worklist unifier §4.1 requires.
package unify

import (
	"errors"
	"fmt"

	"github.com/gitrdm/noema/pkg/term"
)

// MaxDepth bounds recursive substitution application, satisfying
// §4.1's "depth limit (≥ 50)" requirement against pathological,
// self-referential-looking inputs.
const MaxDepth = 64

// ErrDepthExceeded is returned by Apply when a term's structure is
// deeper than MaxDepth.
var ErrDepthExceeded = errors.New("unify: substitution depth exceeded")

// Substitution is an immutable mapping from variable name to Term.
// Following the teacher's core.go Substitution, "updating" a
// Substitution clones the map and returns a new value; callers never
// observe a mutated substitution out from under them.
type Substitution struct {
	bindings map[string]term.Term
}

// Empty returns a substitution with no bindings.
func Empty() *Substitution {
	return &Substitution{bindings: map[string]term.Term{}}
}

// Lookup returns the term bound to v, or nil if v is unbound.
func (s *Substitution) Lookup(name string) term.Term {
	if s == nil {
		return nil
	}
	return s.bindings[name]
}

// Bind returns a new Substitution with v bound to t, leaving s
// unmodified. Binding a variable to itself is a no-op.
func (s *Substitution) Bind(v *term.Variable, t term.Term) *Substitution {
	if other, ok := t.(*term.Variable); ok && other.Name() == v.Name() {
		return s
	}

	next := make(map[string]term.Term, len(s.bindings)+1)
	for k, val := range s.bindings {
		next[k] = val
	}
	next[v.Name()] = t
	return &Substitution{bindings: next}
}

// Size returns the number of bindings.
func (s *Substitution) Size() int {
	if s == nil {
		return 0
	}
	return len(s.bindings)
}

// Walk follows t through the substitution's binding chain until it
// reaches an unbound variable or a non-variable term.
func (s *Substitution) Walk(t term.Term) term.Term {
	for {
		v, ok := t.(*term.Variable)
		if !ok {
			return t
		}
		bound := s.Lookup(v.Name())
		if bound == nil {
			return t
		}
		t = bound
	}
}

// Apply recursively substitutes bound variables in t, preserving
// structural sharing: if none of a Compound's or List's children
// change, the original value is returned rather than a reallocated
// copy, matching §4.1's "avoids reallocation when no child changes."
func (s *Substitution) Apply(t term.Term) (term.Term, error) {
	return s.applyDepth(t, 0)
}

func (s *Substitution) applyDepth(t term.Term, depth int) (term.Term, error) {
	if depth > MaxDepth {
		return nil, ErrDepthExceeded
	}

	switch v := t.(type) {
	case *term.Variable:
		bound := s.Lookup(v.Name())
		if bound == nil {
			return t, nil
		}
		return s.applyDepth(bound, depth+1)

	case *term.Compound:
		args := v.Args()
		changed := false
		newArgs := make([]term.Term, len(args))
		for i, a := range args {
			na, err := s.applyDepth(a, depth+1)
			if err != nil {
				return nil, err
			}
			newArgs[i] = na
			if na != a && !na.Equal(a) {
				changed = true
			}
		}
		if !changed {
			return t, nil
		}
		return term.NewCompound(v.Head(), newArgs...), nil

	case *term.List:
		elems := v.Elements()
		changed := false
		newElems := make([]term.Term, len(elems))
		for i, e := range elems {
			ne, err := s.applyDepth(e, depth+1)
			if err != nil {
				return nil, err
			}
			newElems[i] = ne
			if ne != e && !ne.Equal(e) {
				changed = true
			}
		}
		if !changed {
			return t, nil
		}
		return term.NewList(newElems...), nil

	default:
		return t, nil
	}
}

// occurs reports whether v occurs in t after walking t through s —
// §4.1's occurs-check: binding x ↦ t where x occurs in σ(t) must fail.
func occurs(v *term.Variable, t term.Term, s *Substitution) bool {
	walked := s.Walk(t)
	switch w := walked.(type) {
	case *term.Variable:
		return w.Name() == v.Name()
	case *term.Compound:
		for _, a := range w.Args() {
			if occurs(v, a, s) {
				return true
			}
		}
		return false
	case *term.List:
		for _, e := range w.Elements() {
			if occurs(v, e, s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

type pair struct{ left, right term.Term }

// Unify attempts to make a and b structurally identical under some
// substitution, extending base (or Empty() if base is nil). It
// implements the iterative, stack-based worklist algorithm §4.1
// describes: apply the running substitution to both sides first,
// succeed on structural equality, bind free variables (subject to
// occurs-check), and otherwise push matching compound/list children.
func Unify(a, b term.Term, base *Substitution) (*Substitution, bool) {
	if base == nil {
		base = Empty()
	}
	s := base
	stack := []pair{{a, b}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		left := s.Walk(p.left)
		right := s.Walk(p.right)

		if left.Equal(right) {
			continue
		}

		if lv, ok := left.(*term.Variable); ok {
			if occurs(lv, right, s) {
				return nil, false
			}
			s = s.Bind(lv, right)
			continue
		}
		if rv, ok := right.(*term.Variable); ok {
			if occurs(rv, left, s) {
				return nil, false
			}
			s = s.Bind(rv, left)
			continue
		}

		switch lc := left.(type) {
		case *term.Compound:
			rc, ok := right.(*term.Compound)
			if !ok || lc.Head() != rc.Head() || lc.Arity() != rc.Arity() {
				return nil, false
			}
			for i := 0; i < lc.Arity(); i++ {
				stack = append(stack, pair{lc.Arg(i), rc.Arg(i)})
			}
		case *term.List:
			rl, ok := right.(*term.List)
			if !ok || lc.Len() != rl.Len() {
				return nil, false
			}
			le, re := lc.Elements(), rl.Elements()
			for i := range le {
				stack = append(stack, pair{le[i], re[i]})
			}
		default:
			return nil, false
		}
	}

	return s, true
}

// Match performs one-way matching: it finds a substitution σ binding
// only variables occurring in pattern such that σ(pattern) ≡ instance.
// Variables in instance are treated as opaque ground values, never
// bound — this is what distinguishes it from Unify, where either side
// may contribute bindings.
func Match(pattern, instance term.Term, base *Substitution) (*Substitution, bool) {
	if base == nil {
		base = Empty()
	}
	s := base
	stack := []pair{{pattern, instance}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pat := s.Walk(p.left)
		inst := p.right // instance side is never walked through pattern bindings

		if pat.Equal(inst) {
			continue
		}

		if pv, ok := pat.(*term.Variable); ok {
			if occurs(pv, inst, s) {
				return nil, false
			}
			s = s.Bind(pv, inst)
			continue
		}

		switch pc := pat.(type) {
		case *term.Compound:
			ic, ok := inst.(*term.Compound)
			if !ok || pc.Head() != ic.Head() || pc.Arity() != ic.Arity() {
				return nil, false
			}
			for i := 0; i < pc.Arity(); i++ {
				stack = append(stack, pair{pc.Arg(i), ic.Arg(i)})
			}
		case *term.List:
			il, ok := inst.(*term.List)
			if !ok || pc.Len() != il.Len() {
				return nil, false
			}
			pe, ie := pc.Elements(), il.Elements()
			for i := range pe {
				stack = append(stack, pair{pe[i], ie[i]})
			}
		default:
			return nil, false
		}
	}

	return s, true
}

// String renders a substitution for debugging, in the teacher's
// brace-delimited style (core.go's Substitution.String).
func (s *Substitution) String() string {
	if s.Size() == 0 {
		return "{}"
	}
	out := "{"
	first := true
	for k, v := range s.bindings {
		if !first {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s", k, v.String())
		first = false
	}
	return out + "}"
}
