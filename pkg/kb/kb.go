// Package kb implements the knowledge base (§4.3): item storage,
// confidence/importance-weighted sampling, compare-and-set updates,
// path-index maintenance, and capacity-driven eviction.
//
// Grounded on _examples/gitrdm-gokando/pkg/minikanren/fact_store.go's
// FactStore (Assert/Retract/Get/Query/Count, an index maintained
// alongside the fact map), generalized from FactStore's single global
// mutex to per-item atomic CAS slots so concurrent cycles touching
// different items never contend, the way §5 requires ("the KB's
// internal maps are concurrent; indices are updated under the same
// CAS as the item itself").
package kb

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/index"
	"github.com/gitrdm/noema/pkg/term"
	"github.com/gitrdm/noema/pkg/unify"
)

// Role is an item's kind, §3.
type Role string

const (
	RoleNote     Role = "NOTE"
	RoleGoal     Role = "GOAL"
	RoleStrategy Role = "STRATEGY"
	RoleOutcome  Role = "OUTCOME"
	RoleMeta     Role = "META"
)

// Status is an item's lifecycle stage, §3.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusActive          Status = "ACTIVE"
	StatusWaitingChildren Status = "WAITING_CHILDREN"
	StatusDone            Status = "DONE"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether s is a terminal status (§3).
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// Reserved metadata keys, §3.
const (
	MetaParentID     = "parent_id"
	MetaProvenance   = "provenance"
	MetaRetryCount   = "retry_count"
	MetaCreatedAt    = "creation_timestamp"
	MetaUpdatedAt    = "last_updated_timestamp"
	MetaErrorInfo    = "error_info"
	MetaTargetRole   = "target_role"
	MetaSupport      = "support" // ids of items this one's derivation depends on
)

// Item is the unit of knowledge, §3. Items are never mutated in place;
// Update replaces the stored pointer wholesale via CAS, so any *Item a
// caller holds remains a stable snapshot.
type Item struct {
	ID         string
	Role       Role
	Content    term.Term
	Belief     confidence.Confidence
	Importance confidence.Importance
	Status     Status
	Metadata   map[string]interface{}
}

// Clone returns a shallow copy of it with its own metadata map, so
// callers can build a modified Item (e.g. before an Update CAS)
// without aliasing the original's map.
func (it *Item) Clone() *Item {
	return it.clone()
}

// clone returns a shallow copy of it with its own metadata map, so
// callers can build a modified Item without aliasing the original's
// map.
func (it *Item) clone() *Item {
	meta := make(map[string]interface{}, len(it.Metadata))
	for k, v := range it.Metadata {
		meta[k] = v
	}
	return &Item{
		ID:         it.ID,
		Role:       it.Role,
		Content:    it.Content,
		Belief:     it.Belief,
		Importance: it.Importance,
		Status:     it.Status,
		Metadata:   meta,
	}
}

// Support returns the item's recorded support ids (§8 invariant 4).
func (it *Item) Support() []string {
	raw, ok := it.Metadata[MetaSupport]
	if !ok {
		return nil
	}
	ss, _ := raw.([]string)
	return ss
}

// Match is one query result: the matched item and the bindings that
// made σ(pattern) ≡ item.Content (or a subsumption of it).
type Match struct {
	Item  *Item
	Subst *unify.Substitution
}

// Notifier receives KB commit/removal/eviction events. pkg/events
// implements this so pkg/kb never imports pkg/events directly —
// inverting the dependency keeps the reasoning core's storage layer
// free of the event-bus's fan-out machinery.
type Notifier interface {
	Added(it *Item)
	Retracted(it *Item)
	Evicted(it *Item)
	StatusChanged(old, new *Item)
}

// noopNotifier is used when KB is constructed without one.
type noopNotifier struct{}

func (noopNotifier) Added(*Item)              {}
func (noopNotifier) Retracted(*Item)          {}
func (noopNotifier) Evicted(*Item)            {}
func (noopNotifier) StatusChanged(*Item, *Item) {}

// slot holds the current value for one item id behind an atomic
// pointer, giving CAS without a per-id mutex.
type slot struct {
	ptr atomic.Pointer[Item]
}

// Config tunes KB behavior.
type Config struct {
	MaxSize          int     // capacity ceiling, §4.3
	EvictionMinScore float64 // weighted-importance floor; EvictionPass only counts candidates below it, for its log
	RevisionDelta    float64 // confidence jump threshold that triggers a boost, §4.3 "revision boost"
}

// DefaultConfig matches the scenario S6 default (max_kb_size = 1000).
var DefaultConfig = Config{MaxSize: 1000, EvictionMinScore: 0.05, RevisionDelta: 0.2}

// KB is the thread-safe knowledge base.
type KB struct {
	mu    sync.RWMutex // guards the items/predIndex/support maps' shape (add/remove), not slot contents
	items map[string]*slot

	idx       *index.Index
	predIndex map[string]map[string]struct{} // predicate head -> item ids (role META items)
	supportRev map[string]map[string]struct{} // supporting id -> dependent ids

	protected map[string]struct{} // ids/symbols never evicted

	cfg    Config
	log    hclog.Logger
	notify Notifier
}

// New constructs an empty KB.
func New(cfg Config, log hclog.Logger, notify Notifier) *KB {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if notify == nil {
		notify = noopNotifier{}
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	return &KB{
		items:      map[string]*slot{},
		idx:        index.New(cfg.MaxSize / 4),
		predIndex:  map[string]map[string]struct{}{},
		supportRev: map[string]map[string]struct{}{},
		protected:  map[string]struct{}{},
		cfg:        cfg,
		log:        log.Named("kb"),
		notify:     notify,
	}
}

// Protect marks id as never eligible for eviction or GC.
func (kb *KB) Protect(id string) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.protected[id] = struct{}{}
}

func isProtectedLocked(kb *KB, id string) bool {
	_, ok := kb.protected[id]
	return ok
}

// isTrivial reports whether t is a reflexive predicate over identical
// arguments, e.g. (p x x) — rejected per §4.3's "trivial content" rule.
func isTrivial(t term.Term) bool {
	c, ok := t.(*term.Compound)
	if !ok || c.Arity() < 2 {
		return false
	}
	first := c.Arg(0)
	for i := 1; i < c.Arity(); i++ {
		if !c.Arg(i).Equal(first) {
			return false
		}
	}
	return true
}

func predicateHead(t term.Term) (string, bool) {
	c, ok := t.(*term.Compound)
	if !ok {
		return "", false
	}
	return c.Head(), true
}

// wildcardHead indexes a meta whose target has no predicate head (a
// bare Variable, unifying with anything) under a reserved bucket so
// MetasForHead still surfaces it alongside head-specific metas,
// instead of only ActiveMetas' full scan finding it.
const wildcardHead = ""

// findDuplicate returns the id of an existing item with identical role
// and content, if any.
func (kb *KB) findDuplicate(role Role, content term.Term) (string, bool) {
	candidates := kb.idx.Query(content, index.Unifiable)
	for _, id := range candidates {
		sl, ok := kb.items[id]
		if !ok {
			continue
		}
		existing := sl.ptr.Load()
		if existing == nil {
			continue
		}
		if existing.Role == role && existing.Content.Equal(content) {
			return id, true
		}
	}
	return "", false
}

// Add commits candidate, assigning an id and default metadata/belief
// if unset. Duplicates (by exact structural equality, within the same
// role) and trivial content return (existing-or-nil, false) per §4.3 —
// a duplicate returns the already-committed item (§8 invariant 3,
// "committing twice is idempotent").
func (kb *KB) Add(candidate *Item) (*Item, bool) {
	kb.mu.Lock()

	if isTrivial(candidate.Content) {
		kb.mu.Unlock()
		kb.log.Debug("rejected trivial content", "content", candidate.Content.String())
		return nil, false
	}

	if id, dup := kb.findDuplicate(candidate.Role, candidate.Content); dup {
		existing := kb.items[id].ptr.Load()
		refreshed := existing.clone()
		refreshed.Metadata[MetaUpdatedAt] = now()
		kb.items[id].ptr.Store(refreshed)
		kb.mu.Unlock()
		kb.log.Debug("duplicate commit is idempotent", "id", id)
		return refreshed, false
	}

	it := candidate.clone()
	if it.ID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			id = fmt.Sprintf("item-%d", time.Now().UnixNano())
		}
		it.ID = id
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.Metadata == nil {
		it.Metadata = map[string]interface{}{}
	}
	if _, ok := it.Metadata[MetaCreatedAt]; !ok {
		it.Metadata[MetaCreatedAt] = now()
	}
	it.Metadata[MetaUpdatedAt] = now()
	if _, ok := it.Metadata[MetaRetryCount]; !ok {
		it.Metadata[MetaRetryCount] = float64(0)
	}

	sl := &slot{}
	sl.ptr.Store(it)
	kb.items[it.ID] = sl
	kb.idx.Insert(it.Content, it.ID)

	if it.Role == RoleMeta {
		head, ok := predicateHead(targetOf(it.Content))
		if !ok {
			head = wildcardHead
		}
		kb.addPredIndex(head, it.ID)
	}
	for _, sup := range it.Support() {
		kb.addSupportRev(sup, it.ID)
	}

	kb.mu.Unlock()

	// notify runs with no KB lock held: listeners (forward chainer,
	// rewriter, universal instantiation) commit new items back through
	// Add/Remove in direct response to this call, and the per-item CAS
	// slots make that safe without reentering any lock.
	kb.log.Debug("committed item", "id", it.ID, "role", string(it.Role))
	kb.notify.Added(it)
	return it, true
}

// targetOf extracts the target term from a meta_def(target, action)
// compound, for predicate indexing; returns content unchanged if it is
// not a meta_def.
func targetOf(content term.Term) term.Term {
	if c, ok := content.(*term.Compound); ok && c.Head() == "meta_def" && c.Arity() == 2 {
		return c.Arg(0)
	}
	return content
}

func (kb *KB) addPredIndex(head, id string) {
	set, ok := kb.predIndex[head]
	if !ok {
		set = map[string]struct{}{}
		kb.predIndex[head] = set
	}
	set[id] = struct{}{}
}

func (kb *KB) removePredIndex(head, id string) {
	if set, ok := kb.predIndex[head]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(kb.predIndex, head)
		}
	}
}

func (kb *KB) addSupportRev(supportID, dependentID string) {
	set, ok := kb.supportRev[supportID]
	if !ok {
		set = map[string]struct{}{}
		kb.supportRev[supportID] = set
	}
	set[dependentID] = struct{}{}
}

// Get returns the current value for id.
func (kb *KB) Get(id string) (*Item, bool) {
	kb.mu.RLock()
	sl, ok := kb.items[id]
	kb.mu.RUnlock()
	if !ok {
		return nil, false
	}
	it := sl.ptr.Load()
	if it == nil {
		return nil, false
	}
	return it, true
}

// Update performs a compare-and-set: new replaces expected iff expected
// is still the currently stored value for its id. Returns false on a
// lost race; the caller decides whether to retry.
func (kb *KB) Update(expected, updated *Item) bool {
	kb.mu.RLock()
	sl, ok := kb.items[expected.ID]
	kb.mu.RUnlock()
	if !ok {
		return false
	}

	next := updated.clone()
	// A caller that leaves last_updated_timestamp as it found it gets it
	// stamped now; a caller that sets it explicitly keeps its own value.
	if next.Metadata[MetaUpdatedAt] == expected.Metadata[MetaUpdatedAt] {
		next.Metadata[MetaUpdatedAt] = now()
	}
	if confidence.RaisedAbove(expected.Belief, next.Belief, kb.cfg.RevisionDelta) {
		next.Importance = next.Importance.Boost(next.Belief.Score() - expected.Belief.Score())
	}

	if !sl.ptr.CompareAndSwap(expected, next) {
		kb.log.Warn("lost CAS", "id", expected.ID)
		return false
	}

	if expected.Status != next.Status {
		kb.notify.StatusChanged(expected, next)
	}
	return true
}

// Remove deletes id, reversing its index entries, and cascades to every
// dependent that lists id in its support and is currently ACTIVE: such
// a dependent is removed as well, recursively (§8 invariant 4: no item
// with id in its support remains ACTIVE after removal). Dependents that
// are not ACTIVE are left as they are, support metadata included. Per
// the Open Question decision recorded in DESIGN.md, cascaded retraction
// never reinforces any item's belief. Only id itself is published as
// Retracted; cascaded removals are not.
func (kb *KB) Remove(id string) (*Item, bool) {
	kb.mu.Lock()
	removed, ok := kb.removeLocked(id)
	kb.mu.Unlock()
	if !ok {
		return nil, false
	}
	kb.notify.Retracted(removed)
	return removed, true
}

func (kb *KB) removeLocked(id string) (*Item, bool) {
	sl, ok := kb.items[id]
	if !ok {
		return nil, false
	}
	it := sl.ptr.Load()
	delete(kb.items, id)
	kb.idx.Remove(it.Content, id)
	if it.Role == RoleMeta {
		head, ok := predicateHead(targetOf(it.Content))
		if !ok {
			head = wildcardHead
		}
		kb.removePredIndex(head, id)
	}

	dependents := kb.supportRev[id]
	delete(kb.supportRev, id)
	for depID := range dependents {
		depSlot, ok := kb.items[depID]
		if !ok {
			continue
		}
		dep := depSlot.ptr.Load()
		if dep.Status == StatusActive {
			kb.log.Warn("cascaded retraction deactivating dependent", "id", depID, "removed", id)
			kb.removeLocked(depID)
		}
	}
	return it, true
}

// SamplePending returns one non-META PENDING item, sampled with
// probability proportional to confidence-weighted importance (§4.3).
// Per the Open Question decision in DESIGN.md, WAITING_CHILDREN items
// are never eligible.
func (kb *KB) SamplePending() (*Item, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	type weighted struct {
		it     *Item
		weight float64
	}
	var pool []weighted
	var total float64
	for _, sl := range kb.items {
		it := sl.ptr.Load()
		if it.Role == RoleMeta || it.Status != StatusPending {
			continue
		}
		w := confidence.Weight(it.Belief, it.Importance)
		if w <= 0 {
			continue
		}
		pool = append(pool, weighted{it, w})
		total += w
	}
	if total <= 0 || len(pool) == 0 {
		return nil, false
	}

	pick := rand.Float64() * total
	var cursor float64
	for _, w := range pool {
		cursor += w.weight
		if pick <= cursor {
			return w.it, true
		}
	}
	return pool[len(pool)-1].it, true
}

// Query returns up to maxResults items whose content unifies with
// pattern, each paired with the substitution that makes the match,
// ranked by weighted importance descending.
func (kb *KB) Query(pattern term.Term, maxResults int) []Match {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	ids := kb.idx.Query(pattern, index.Unifiable)
	matches := make([]Match, 0, len(ids))
	for _, id := range ids {
		sl, ok := kb.items[id]
		if !ok {
			continue
		}
		it := sl.ptr.Load()
		s, ok := unify.Unify(pattern, it.Content, nil)
		if !ok {
			continue
		}
		matches = append(matches, Match{Item: it, Subst: s})
	}

	sortByWeightDesc(matches)
	if maxResults > 0 && len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

func sortByWeightDesc(matches []Match) {
	for i := 1; i < len(matches); i++ {
		j := i
		wi := confidence.Weight(matches[j].Item.Belief, matches[j].Item.Importance)
		for j > 0 {
			wj := confidence.Weight(matches[j-1].Item.Belief, matches[j-1].Item.Importance)
			if wj >= wi {
				break
			}
			matches[j], matches[j-1] = matches[j-1], matches[j]
			j--
		}
	}
}

// ActiveMetas returns every role-META item not in FAILED status.
func (kb *KB) ActiveMetas() []*Item {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	var out []*Item
	for _, sl := range kb.items {
		it := sl.ptr.Load()
		if it.Role == RoleMeta && it.Status != StatusFailed {
			out = append(out, it)
		}
	}
	return out
}

// MetasForHead returns role-META items whose target predicate head
// equals head, via the per-predicate index (§4.4 "retrieval by
// predicate is O(1) amortized"), plus any wildcard meta whose target
// is a bare Variable and so applies regardless of head.
func (kb *KB) MetasForHead(head string) []*Item {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	var out []*Item
	seen := map[string]struct{}{}
	for _, bucket := range []string{head, wildcardHead} {
		set, ok := kb.predIndex[bucket]
		if !ok {
			continue
		}
		for id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			if sl, ok := kb.items[id]; ok {
				it := sl.ptr.Load()
				if it.Status != StatusFailed {
					out = append(out, it)
					seen[id] = struct{}{}
				}
			}
		}
	}
	return out
}

// ChildrenOf returns every item whose parent_id metadata equals
// parentID.
func (kb *KB) ChildrenOf(parentID string) []*Item {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	var out []*Item
	for _, sl := range kb.items {
		it := sl.ptr.Load()
		if pid, ok := it.Metadata[MetaParentID].(string); ok && pid == parentID {
			out = append(out, it)
		}
	}
	return out
}

// GCCandidates returns terminal, unprotected items whose
// last_updated_timestamp is older than threshold (§4.9): the
// timer-driven garbage collector's scan, as opposed to EvictionPass's
// capacity-driven one.
func (kb *KB) GCCandidates(threshold time.Duration) []*Item {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var out []*Item
	for id, sl := range kb.items {
		it := sl.ptr.Load()
		if !it.Status.Terminal() || isProtectedLocked(kb, id) {
			continue
		}
		ts, ok := it.Metadata[MetaUpdatedAt].(string)
		if !ok {
			continue
		}
		updated, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil || !updated.Before(cutoff) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// All returns every item currently stored, regardless of role or
// status — the full-enumeration primitive §4.10 persistence snapshots
// from, as opposed to GCCandidates' and EvictionPass's filtered scans.
func (kb *KB) All() []*Item {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]*Item, 0, len(kb.items))
	for _, sl := range kb.items {
		out = append(out, sl.ptr.Load())
	}
	return out
}

// Size returns the current item count.
func (kb *KB) Size() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.items)
}

// EvictionPass decays importance for every item, then removes
// non-protected, non-ACTIVE items lowest-weighted first until the KB is
// back at or under MaxSize (§4.3, §8 invariant 6) or no such item is
// left. EvictionMinScore does not limit which items are removed; the
// pass only counts, for its log line, how many candidates fell below it.
func (kb *KB) EvictionPass(params confidence.DecayParams) int {
	kb.mu.Lock()

	if len(kb.items) <= kb.cfg.MaxSize {
		kb.mu.Unlock()
		return 0
	}

	type candidate struct {
		id     string
		weight float64
	}
	var candidates []candidate
	for id, sl := range kb.items {
		it := sl.ptr.Load()
		decayed := it.Importance.Decay(params)
		next := it.clone()
		next.Importance = decayed
		sl.ptr.Store(next)

		if isProtectedLocked(kb, id) || next.Status == StatusActive {
			continue
		}
		w := confidence.Weight(next.Belief, decayed)
		candidates = append(candidates, candidate{id, w})
	}

	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidates[j-1].weight > candidates[j].weight {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}

	belowThreshold := 0
	for _, c := range candidates {
		if c.weight < kb.cfg.EvictionMinScore {
			belowThreshold++
		}
	}

	var evictedItems []*Item
	for _, c := range candidates {
		if len(kb.items) <= kb.cfg.MaxSize {
			break
		}
		it, ok := kb.removeLocked(c.id)
		if !ok {
			continue
		}
		evictedItems = append(evictedItems, it)
	}
	evicted := len(evictedItems)
	size := len(kb.items)
	kb.mu.Unlock()

	for _, it := range evictedItems {
		kb.notify.Evicted(it)
	}
	kb.log.Debug("eviction pass complete", "evicted", evicted, "below_threshold", belowThreshold, "size", size)
	return evicted
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
