// Package chain implements the three specialized Added-event listeners
// of §4.8: the forward chainer, the oriented-equality rewriter, and
// universal instantiation. Each commits derived items through the KB
// so idempotence, subsumption, and capacity apply to derived knowledge
// the same as to asserted knowledge.
//
// Grounded on _examples/gitrdm-gokando/pkg/minikanren/pldb.go's
// Database.Query/unifyFactGoal, which resolves a query against a
// relation by unifying each stored fact's columns against a pattern
// and conjoining per-clause goals depth-first — the same backtracking
// shape matchRemaining below uses to resolve a rule's antecedent
// clauses one at a time against the live KB, carrying an accumulating
// substitution across clauses the way Conj carries bindings across
// goals.
package chain

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/events"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/rules"
	"github.com/gitrdm/noema/pkg/term"
	"github.com/gitrdm/noema/pkg/unify"
)

// metaDerivationDepth records, on a derived item, how many forward-
// chain/rewrite/instantiation hops separate it from an originally
// asserted item (depth 0).
const metaDerivationDepth = "derivation_depth"

// Config bounds the chain's reactive work, §4.8/§5 "bounded work".
type Config struct {
	MaxDerivationDepth int // default 4
	MaxDerivedWeight   int // default 150, in term node count
	MaxQueryResults    int // candidates considered per antecedent clause
}

// DefaultConfig matches §4.8's stated defaults.
var DefaultConfig = Config{MaxDerivationDepth: 4, MaxDerivedWeight: 150, MaxQueryResults: 50}

// universalEntry caches one committed (forall (Vars...) Body) item for
// fast instantiation lookup, rebuilt reactively from Added events
// rather than persisted separately — on reload, persistence replays
// every item through the same bus, so the cache rebuilds itself.
type universalEntry struct {
	id   string
	vars []string
	body term.Term
}

// Engine owns the three listeners and the small amount of state
// (quantifier cache, bounds) they share.
type Engine struct {
	kb    *kb.KB
	rules *rules.Store
	bus   *events.Bus
	cfg   Config
	log   hclog.Logger

	umu        sync.Mutex
	universals []universalEntry

	unsub []func()
}

// New constructs a chain Engine. cfg's zero value is replaced with
// DefaultConfig field by field.
func New(store *kb.KB, ruleStore *rules.Store, bus *events.Bus, cfg Config, log hclog.Logger) *Engine {
	if cfg.MaxDerivationDepth == 0 {
		cfg.MaxDerivationDepth = DefaultConfig.MaxDerivationDepth
	}
	if cfg.MaxDerivedWeight == 0 {
		cfg.MaxDerivedWeight = DefaultConfig.MaxDerivedWeight
	}
	if cfg.MaxQueryResults == 0 {
		cfg.MaxQueryResults = DefaultConfig.MaxQueryResults
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{kb: store, rules: ruleStore, bus: bus, cfg: cfg, log: log.Named("chain")}
}

// Start subscribes the engine to the event bus. Call Stop to detach.
func (e *Engine) Start() {
	e.unsub = append(e.unsub, e.bus.Subscribe(events.KindAdded, e.onAdded))
	e.unsub = append(e.unsub, e.bus.Subscribe(events.KindRuleAdded, e.onRuleAddedEvent))
}

// Stop detaches every listener Start registered.
func (e *Engine) Stop() {
	for _, u := range e.unsub {
		u()
	}
	e.unsub = nil
}

func (e *Engine) onAdded(ev events.Event) {
	it := ev.Item
	if it == nil {
		return
	}
	e.cacheIfUniversal(it)
	e.forwardChain(it)
	e.rewrite(it)
	e.instantiateFromUniversals(it)
}

func (e *Engine) onRuleAddedEvent(ev events.Event) {
	if ev.Rule != nil {
		e.onRuleAdded(ev.Rule)
	}
}

// onRuleAdded fires a rule whose antecedent is the literal "true" the
// moment it is registered, since such a rule has no clause to react to
// on a later Added event — it is satisfied unconditionally, exactly
// once, at commit time. Conditional rules are instead picked up
// reactively by forwardChain.
func (e *Engine) onRuleAdded(r *rules.Rule) {
	if len(r.AntecedentClauses) != 0 {
		return
	}
	e.commitConsequent(r, unify.Empty(), nil)
}

// --- Forward chain -------------------------------------------------

func (e *Engine) forwardChain(it *kb.Item) {
	head := predicateHeadOf(it.Content)
	if head == "" {
		return
	}
	for _, r := range e.rules.ForPredicate(head) {
		if len(r.AntecedentClauses) == 0 {
			continue // handled once at registration, onRuleAdded
		}
		for idx, clause := range r.AntecedentClauses {
			s, ok := unify.Unify(clause, it.Content, nil)
			if !ok {
				continue
			}
			remaining := make([]term.Term, 0, len(r.AntecedentClauses)-1)
			for j, c := range r.AntecedentClauses {
				if j != idx {
					remaining = append(remaining, c)
				}
			}
			e.matchRemaining(r, remaining, s, []*kb.Item{it})
		}
	}
}

// matchRemaining resolves a rule's remaining antecedent clauses
// depth-first against the live KB, extending subst one clause at a
// time, the way pldb.go's Conj chains per-column unification goals.
func (e *Engine) matchRemaining(r *rules.Rule, remaining []term.Term, subst *unify.Substitution, supports []*kb.Item) {
	if len(remaining) == 0 {
		e.commitConsequent(r, subst, supports)
		return
	}
	clause, rest := remaining[0], remaining[1:]

	pattern, err := subst.Apply(clause)
	if err != nil {
		e.log.Debug("antecedent substitution exceeded depth", "rule", r.ID)
		return
	}

	for _, m := range e.kb.Query(pattern, e.cfg.MaxQueryResults) {
		extended, ok := unify.Unify(pattern, m.Item.Content, subst)
		if !ok {
			continue
		}
		nextSupports := make([]*kb.Item, len(supports), len(supports)+1)
		copy(nextSupports, supports)
		nextSupports = append(nextSupports, m.Item)
		e.matchRemaining(r, rest, extended, nextSupports)
	}
}

func (e *Engine) commitConsequent(r *rules.Rule, subst *unify.Substitution, supports []*kb.Item) {
	depth := 1
	for _, it := range supports {
		if d := itemDepth(it) + 1; d > depth {
			depth = d
		}
	}
	if depth > e.cfg.MaxDerivationDepth {
		e.log.Debug("derivation depth cap reached", "rule", r.ID, "depth", depth)
		return
	}

	cterm, err := subst.Apply(r.Consequent)
	if err != nil {
		e.log.Debug("consequent substitution exceeded depth", "rule", r.ID)
		return
	}
	e.commitDerived(r, cterm, idsOf(supports), depth, subst)
}

// commitDerived dispatches a substituted consequent: conjunctions
// expand into one commit per conjunct, existentials are skolemized
// into a ground witness before committing, and anything else commits
// as-is. A bare `(forall (Vars...) Body)` consequent is committed
// unchanged — it is cacheIfUniversal, reacting to the resulting Added
// event like any other listener, that turns it into something
// universal instantiation can use; no special case is needed here.
func (e *Engine) commitDerived(r *rules.Rule, t term.Term, supportIDs []string, depth int, subst *unify.Substitution) {
	if c, ok := t.(*term.Compound); ok {
		switch c.Head() {
		case "and":
			for _, conj := range c.Args() {
				e.commitDerived(r, conj, supportIDs, depth, subst)
			}
			return
		case "exists":
			if c.Arity() == 2 {
				e.commitSkolemized(r, c, supportIDs, depth, subst)
				return
			}
		}
	}
	e.commitPlain(t, supportIDs, depth)
}

// commitSkolemized replaces an existential's quantified variables with
// fresh functor applications over the rule's currently-bound
// antecedent variables (the "free variables of the surrounding
// context"), then commits the resulting body. Quantified variable
// names are assumed disjoint from antecedent variable names — a rule
// author convention, not an enforced invariant.
func (e *Engine) commitSkolemized(r *rules.Rule, c *term.Compound, supportIDs []string, depth int, subst *unify.Substitution) {
	varsList, ok := c.Arg(0).(*term.List)
	if !ok {
		e.log.Warn("malformed exists consequent, vars is not a list", "rule", r.ID)
		return
	}

	var contextArgs []term.Term
	for _, name := range term.Variables(r.Antecedent) {
		if bound := subst.Lookup(name); bound != nil {
			contextArgs = append(contextArgs, bound)
		}
	}

	skolem := unify.Empty()
	for _, v := range varsList.Elements() {
		qv, ok := v.(*term.Variable)
		if !ok {
			continue
		}
		functor := fmt.Sprintf("sk_%s_%s", qv.Name(), shortID(r.ID))
		skolem = skolem.Bind(qv, term.NewCompound(functor, contextArgs...))
	}

	ground, err := skolem.Apply(c.Arg(1))
	if err != nil {
		e.log.Debug("skolemized body substitution exceeded depth", "rule", r.ID)
		return
	}
	e.commitDerived(r, ground, supportIDs, depth, subst)
}

func (e *Engine) commitPlain(t term.Term, supportIDs []string, depth int) {
	if n := termSize(t); n > e.cfg.MaxDerivedWeight {
		e.log.Debug("derived term exceeds weight cap", "weight", n, "cap", e.cfg.MaxDerivedWeight)
		return
	}
	it := &kb.Item{
		Role:       kb.RoleNote,
		Content:    t,
		Belief:     confidence.New(1, 0),
		Importance: confidence.DefaultImportance,
		Metadata: map[string]interface{}{
			kb.MetaSupport:      append([]string(nil), supportIDs...),
			metaDerivationDepth: float64(depth),
		},
	}
	e.kb.Add(it)
}

// --- Rewrite ---------------------------------------------------------

// rewrite implements §4.8's oriented-equality rule: an added `(= L R)`
// with weight(L) > weight(R) rewrites the first matching subterm of
// every other item's content and commits the result. Only the first
// qualifying subterm per item is rewritten per equality addition — a
// full congruence closure is out of scope.
func (e *Engine) rewrite(it *kb.Item) {
	c, ok := it.Content.(*term.Compound)
	if !ok || c.Head() != "=" || c.Arity() != 2 {
		return
	}
	l, r := c.Arg(0), c.Arg(1)
	if termSize(l) <= termSize(r) {
		return
	}

	for _, m := range e.kb.Query(term.FreshVariable("_rewrite_scan"), 0) {
		if m.Item.ID == it.ID {
			continue
		}
		rewritten, ok := rewriteFirst(m.Item.Content, l, r)
		if !ok {
			continue
		}
		depth := itemDepth(it) + 1
		if d := itemDepth(m.Item) + 1; d > depth {
			depth = d
		}
		e.commitPlain(rewritten, []string{it.ID, m.Item.ID}, depth)
	}
}

// rewriteFirst returns t with the first subterm matching l replaced by
// σ(r), where σ is the one-way match that made l equal that subterm.
func rewriteFirst(t, l, r term.Term) (term.Term, bool) {
	if s, ok := unify.Match(l, t, nil); ok {
		if replaced, err := s.Apply(r); err == nil {
			return replaced, true
		}
	}

	switch v := t.(type) {
	case *term.Compound:
		args := v.Args()
		for i, a := range args {
			if rewritten, ok := rewriteFirst(a, l, r); ok {
				newArgs := append([]term.Term(nil), args...)
				newArgs[i] = rewritten
				return term.NewCompound(v.Head(), newArgs...), true
			}
		}
	case *term.List:
		els := v.Elements()
		for i, el := range els {
			if rewritten, ok := rewriteFirst(el, l, r); ok {
				newEls := append([]term.Term(nil), els...)
				newEls[i] = rewritten
				return term.NewList(newEls...), true
			}
		}
	}
	return nil, false
}

// --- Universal instantiation ------------------------------------------

func (e *Engine) cacheIfUniversal(it *kb.Item) {
	c, ok := it.Content.(*term.Compound)
	if !ok || c.Head() != "forall" || c.Arity() != 2 {
		return
	}
	varsList, ok := c.Arg(0).(*term.List)
	if !ok {
		return
	}
	names := make([]string, 0, varsList.Len())
	for _, el := range varsList.Elements() {
		if v, ok := el.(*term.Variable); ok {
			names = append(names, v.Name())
		}
	}

	e.umu.Lock()
	e.universals = append(e.universals, universalEntry{id: it.ID, vars: names, body: c.Arg(1)})
	e.umu.Unlock()
}

// instantiateFromUniversals attempts to ground a known universal's
// body from a sub-expression of it, §4.8's "instantiate the
// universal's quantified variables from sub-expressions of the ground
// item." Only fully-ground instantiations are committed.
func (e *Engine) instantiateFromUniversals(it *kb.Item) {
	if !it.Content.IsGround() {
		return
	}

	e.umu.Lock()
	snapshot := append([]universalEntry(nil), e.universals...)
	e.umu.Unlock()

	for _, u := range snapshot {
		if u.id == it.ID {
			continue
		}
		inst, ok := instantiateUniversal(u, it.Content)
		if !ok {
			continue
		}
		depth := itemDepth(it) + 1
		e.commitPlain(inst, []string{u.id, it.ID}, depth)
	}
}

// instantiateUniversal searches body for a subterm that one-way
// matches candidate, then applies the resulting bindings to the whole
// body. Returns ok=false if no subterm matches or the instantiation is
// not fully ground.
func instantiateUniversal(u universalEntry, candidate term.Term) (term.Term, bool) {
	var found *unify.Substitution
	var walk func(term.Term) bool
	walk = func(t term.Term) bool {
		if s, ok := unify.Match(t, candidate, nil); ok {
			found = s
			return true
		}
		switch v := t.(type) {
		case *term.Compound:
			for _, a := range v.Args() {
				if walk(a) {
					return true
				}
			}
		case *term.List:
			for _, el := range v.Elements() {
				if walk(el) {
					return true
				}
			}
		}
		return false
	}
	if !walk(u.body) || found == nil {
		return nil, false
	}

	applied, err := found.Apply(u.body)
	if err != nil || !applied.IsGround() {
		return nil, false
	}
	return applied, true
}

// --- shared helpers ----------------------------------------------------

func predicateHeadOf(t term.Term) string {
	switch v := t.(type) {
	case *term.Compound:
		return v.Head()
	case *term.Symbol:
		return v.Name()
	default:
		return ""
	}
}

func itemDepth(it *kb.Item) int {
	raw, ok := it.Metadata[metaDerivationDepth]
	if !ok {
		return 0
	}
	d, ok := raw.(float64)
	if !ok {
		return 0
	}
	return int(d)
}

func idsOf(items []*kb.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// termSize counts t's nodes, used as the structural "weight" both the
// rewrite ordering and the derived-term weight cap (§4.8) are defined
// over.
func termSize(t term.Term) int {
	switch v := t.(type) {
	case *term.Compound:
		n := 1
		for _, a := range v.Args() {
			n += termSize(a)
		}
		return n
	case *term.List:
		n := 1
		for _, el := range v.Elements() {
			n += termSize(el)
		}
		return n
	default:
		return 1
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
