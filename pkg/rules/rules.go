// Package rules implements the rule & meta store (§4.4): rewrite rules
// keyed by predicate for O(1) amortized retrieval during forward
// chaining, with eager equivalence expansion at commit time (Open
// Question decision #4, DESIGN.md).
//
// Grounded on _examples/gitrdm-gokando/pkg/minikanren/pldb.go's
// Relation/Database (a named, predicate-keyed fact store with
// persistent, copy-on-write semantics), adapted from facts to rules:
// where pldb indexes ground tuples by relation name, Store indexes
// rule antecedents by the predicate head of their first clause.
package rules

import (
	"fmt"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/gitrdm/noema/pkg/term"
)

// Form is a rule's surface form, §3.
type Form string

const (
	FormImplies    Form = "implies"
	FormEquivalent Form = "equivalent"
)

// Rule is a rewrite rule, §3: `(rule_id, form, antecedent, consequent,
// base_priority, antecedent_clauses)`.
type Rule struct {
	ID                string
	Form              Form
	Antecedent        term.Term // the original antecedent term: a clause, (and c1 c2 ...), or the symbol "true"
	Consequent        term.Term
	BasePriority      float64
	AntecedentClauses []term.Term // Antecedent flattened into its conjuncts
}

var trueSymbol = term.NewSymbol("true")

// flattenAntecedent decomposes an antecedent into its conjuncts: "true"
// yields no clauses (trivially satisfied), (and c1 c2 ...) yields its
// arguments, and anything else is a single clause.
func flattenAntecedent(t term.Term) []term.Term {
	if t.Equal(trueSymbol) {
		return nil
	}
	if c, ok := t.(*term.Compound); ok && c.Head() == "and" {
		return c.Args()
	}
	return []term.Term{t}
}

// firstPredicate returns the predicate head of clauses[0], used as the
// store's primary index key; rules with no clauses (antecedent "true")
// are indexed under a reserved always-true bucket.
const alwaysTrueBucket = "\x00true"

func firstPredicate(clauses []term.Term) string {
	if len(clauses) == 0 {
		return alwaysTrueBucket
	}
	if c, ok := clauses[0].(*term.Compound); ok {
		return c.Head()
	}
	return clauses[0].String()
}

// formKey builds the canonical (form antecedent consequent) compound
// used for identity comparison — "a rule's identity is its form", §4.4.
func formKey(form Form, antecedent, consequent term.Term) term.Term {
	return term.NewCompound(string(form), antecedent, consequent)
}

// Store is a thread-unsafe-by-convention rule store; callers serialize
// access the way the KB does its own writes (through a single owner,
// typically pkg/chain or pkg/engine, behind the event bus's dispatch).
// Unlike pkg/kb, rule commits are infrequent (load time, explicit
// authoring) so there is no need for per-rule CAS slots.
type Store struct {
	byID        map[string]*Rule
	byPredicate map[string]map[string]struct{}
	byForm      map[uint64][]*Rule // form hash -> candidates, for exact-duplicate detection
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		byID:        map[string]*Rule{},
		byPredicate: map[string]map[string]struct{}{},
		byForm:      map[uint64][]*Rule{},
	}
}

// Add registers a rule. If form is FormEquivalent, it is expanded
// eagerly into both implication directions and both are returned; a
// duplicate (matched by exact syntactic equality of its form) returns
// the existing rule(s) unchanged rather than re-registering.
func (s *Store) Add(form Form, antecedent, consequent term.Term, basePriority float64) []*Rule {
	if form == FormEquivalent {
		forward := s.addOne(FormImplies, antecedent, consequent, basePriority)
		backward := s.addOne(FormImplies, consequent, antecedent, basePriority)
		return []*Rule{forward, backward}
	}
	return []*Rule{s.addOne(form, antecedent, consequent, basePriority)}
}

func (s *Store) addOne(form Form, antecedent, consequent term.Term, basePriority float64) *Rule {
	key := formKey(form, antecedent, consequent)
	if existing := s.findByForm(key); existing != nil {
		return existing
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fmt.Sprintf("rule-%d", len(s.byID))
	}
	clauses := flattenAntecedent(antecedent)
	r := &Rule{
		ID:                id,
		Form:              form,
		Antecedent:        antecedent,
		Consequent:        consequent,
		BasePriority:      basePriority,
		AntecedentClauses: clauses,
	}

	s.byID[id] = r
	s.byForm[key.Hash()] = append(s.byForm[key.Hash()], r)

	pred := firstPredicate(clauses)
	set, ok := s.byPredicate[pred]
	if !ok {
		set = map[string]struct{}{}
		s.byPredicate[pred] = set
	}
	set[id] = struct{}{}

	return r
}

func (s *Store) findByForm(key term.Term) *Rule {
	for _, candidate := range s.byForm[key.Hash()] {
		candidateKey := formKey(candidate.Form, candidate.Antecedent, candidate.Consequent)
		if candidateKey.Equal(key) {
			return candidate
		}
	}
	return nil
}

// Get returns the rule with id, if any.
func (s *Store) Get(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Remove deletes the rule with id.
func (s *Store) Remove(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)

	key := formKey(r.Form, r.Antecedent, r.Consequent)
	h := key.Hash()
	candidates := s.byForm[h]
	for i, c := range candidates {
		if c.ID == id {
			s.byForm[h] = append(candidates[:i], candidates[i+1:]...)
			break
		}
	}
	if len(s.byForm[h]) == 0 {
		delete(s.byForm, h)
	}

	pred := firstPredicate(r.AntecedentClauses)
	if set, ok := s.byPredicate[pred]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byPredicate, pred)
		}
	}
	return r, true
}

// ForPredicate returns every rule whose first antecedent clause has
// head, plus every always-true rule (antecedent "true" unifies with
// anything trivially and so is always a candidate).
func (s *Store) ForPredicate(head string) []*Rule {
	out := make([]*Rule, 0)
	for id := range s.byPredicate[head] {
		out = append(out, s.byID[id])
	}
	if head != alwaysTrueBucket {
		for id := range s.byPredicate[alwaysTrueBucket] {
			out = append(out, s.byID[id])
		}
	}
	return out
}

// All returns every stored rule.
func (s *Store) All() []*Rule {
	out := make([]*Rule, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	return out
}

// Len returns the number of stored rules.
func (s *Store) Len() int { return len(s.byID) }
