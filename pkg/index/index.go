// Package index implements the path index (§4.2): a discriminator trie
// over term heads that answers unifiable/instances/generalizations
// queries in sub-linear time without scanning the whole knowledge
// base.
//
// Each tree node's children are stored in a
// github.com/hashicorp/go-immutable-radix/v2 tree keyed by the
// per-position discriminator token. Using a persistent radix map here
// gives the index the same structural-sharing property §4.2 asks of
// the term algebra: inserting or removing one item's term produces a
// new root without disturbing concurrent readers walking the prior
// root, mirroring the teacher's own "clone on update" discipline
// (pkg/minikanren core.go's Substitution) at the index layer instead
// of the substitution layer.
package index

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gitrdm/noema/pkg/term"
)

// Mode selects the search semantics of a Query.
type Mode int

const (
	// Unifiable returns candidates whose term might unify with Q.
	Unifiable Mode = iota
	// Instances requires Q to be a pattern and candidates to be
	// ground instances of it.
	Instances
	// Generalizations requires Q to be ground and candidates to be
	// patterns that generalize it.
	Generalizations
)

// node is one position in the discriminator trie. children maps a
// discriminator token ("S:name", "N:1.5", "V", "C:head/arity",
// "L:len") to the subtree rooted at that position; items holds the ids
// of every indexed term whose structure terminates exactly here.
type node struct {
	children *iradix.Tree[*node]
	items    map[string]struct{}
}

func newNode() *node {
	return &node{children: iradix.New[*node](), items: map[string]struct{}{}}
}

// Index is a thread-safe path index. The zero value is not usable;
// construct with New.
type Index struct {
	mu   sync.RWMutex
	root *node

	baseCap int // base dynamic-limit constant, §4.2 "grows modestly with KB size"

	// queryCache memoizes recent (mode, term-string) -> result-id
	// lists. Recency (not importance) is the right eviction policy
	// here: the same query shape recurs heavily during forward-chain
	// re-scans, independent of any one item's confidence/importance,
	// so an LRU — unlike the KB's weighted eviction (§4.3) — fits.
	queryCache *lru.Cache[string, []string]
}

// New constructs an empty Index. baseCap is the starting value for the
// dynamic result-count limit; see Query.
func New(baseCap int) *Index {
	if baseCap <= 0 {
		baseCap = 256
	}
	cache, _ := lru.New[string, []string](1024)
	return &Index{root: newNode(), baseCap: baseCap, queryCache: cache}
}

func discriminate(t term.Term) (key string, children []term.Term) {
	switch v := t.(type) {
	case *term.Symbol:
		return "S:" + v.Name(), nil
	case *term.Variable:
		return "V", nil
	case *term.Number:
		return "N:" + strconv.FormatFloat(v.Value(), 'g', -1, 64), nil
	case *term.Compound:
		return fmt.Sprintf("C:%s/%d", v.Head(), v.Arity()), v.Args()
	case *term.List:
		return fmt.Sprintf("L:%d", v.Len()), v.Elements()
	default:
		return "?", nil
	}
}

func arityOfKey(key string) int {
	switch {
	case strings.HasPrefix(key, "C:"):
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			return 0
		}
		n, _ := strconv.Atoi(key[idx+1:])
		return n
	case strings.HasPrefix(key, "L:"):
		n, _ := strconv.Atoi(key[2:])
		return n
	default:
		return 0
	}
}

// Insert adds id under the path described by t, returning once the
// commit is visible to subsequent readers. Safe for concurrent use.
func (idx *Index) Insert(t term.Term, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.root = insert(idx.root, []term.Term{t}, id)
	idx.invalidateCache()
}

func insert(n *node, queue []term.Term, id string) *node {
	if len(queue) == 0 {
		items := make(map[string]struct{}, len(n.items)+1)
		for k := range n.items {
			items[k] = struct{}{}
		}
		items[id] = struct{}{}
		return &node{children: n.children, items: items}
	}

	t := queue[0]
	rest := queue[1:]
	key, pushed := discriminate(t)
	childQueue := make([]term.Term, 0, len(pushed)+len(rest))
	childQueue = append(childQueue, pushed...)
	childQueue = append(childQueue, rest...)

	child, ok := n.children.Get([]byte(key))
	if !ok {
		child = newNode()
	}
	newChild := insert(child, childQueue, id)

	txn := n.children.Txn()
	txn.Insert([]byte(key), newChild)
	return &node{children: txn.Commit(), items: n.items}
}

// Remove removes id from the path described by t. It is a no-op if id
// was never inserted under that path.
func (idx *Index) Remove(t term.Term, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.root, _ = remove(idx.root, []term.Term{t}, id)
	idx.invalidateCache()
}

func remove(n *node, queue []term.Term, id string) (*node, bool) {
	if n == nil {
		return nil, false
	}
	if len(queue) == 0 {
		if _, ok := n.items[id]; !ok {
			return n, false
		}
		items := make(map[string]struct{}, len(n.items))
		for k := range n.items {
			if k != id {
				items[k] = struct{}{}
			}
		}
		return &node{children: n.children, items: items}, true
	}

	t := queue[0]
	rest := queue[1:]
	key, pushed := discriminate(t)
	childQueue := make([]term.Term, 0, len(pushed)+len(rest))
	childQueue = append(childQueue, pushed...)
	childQueue = append(childQueue, rest...)

	child, ok := n.children.Get([]byte(key))
	if !ok {
		return n, false
	}
	newChild, changed := remove(child, childQueue, id)
	if !changed {
		return n, false
	}

	txn := n.children.Txn()
	if len(newChild.items) == 0 && newChild.children.Len() == 0 {
		txn.Delete([]byte(key))
	} else {
		txn.Insert([]byte(key), newChild)
	}
	return &node{children: txn.Commit(), items: n.items}, true
}

func (idx *Index) invalidateCache() {
	idx.queryCache.Purge()
}

// dynamicCap returns the current result-count limit: the configured
// base, grown by one for every ten units of size (§4.2). Query passes
// the number of distinct top-level keys in the trie, not the number of
// indexed items.
func (idx *Index) dynamicCap(size int) int {
	cap := idx.baseCap
	grown := idx.baseCap + size/10
	if grown > cap {
		cap = grown
	}
	return cap
}

// collector gathers matching item ids up to a bound.
type collector struct {
	ids   map[string]struct{}
	limit int
}

func (c *collector) full() bool { return len(c.ids) >= c.limit }

func (c *collector) addNode(n *node) {
	for id := range n.items {
		if c.full() {
			return
		}
		c.ids[id] = struct{}{}
	}
}

// Query returns item ids whose indexed term satisfies the relation
// named by mode against q, capped at the index's dynamic limit.
func (idx *Index) Query(q term.Term, mode Mode) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	cacheKey := fmt.Sprintf("%d|%s", mode, q.String())
	if cached, ok := idx.queryCache.Get(cacheKey); ok {
		return cached
	}

	limit := idx.dynamicCap(idx.root.children.Len())
	c := &collector{ids: map[string]struct{}{}, limit: limit}
	search(idx.root, []term.Term{q}, mode, c)

	result := make([]string, 0, len(c.ids))
	for id := range c.ids {
		result = append(result, id)
	}
	idx.queryCache.Add(cacheKey, result)
	return result
}

// search performs the recursive, mode-dependent descent described in
// §4.2's "Search rules". queue is the remaining sequence of term
// positions still to be matched against the trie rooted at n.
func search(n *node, queue []term.Term, mode Mode, c *collector) {
	if c.full() {
		return
	}
	if len(queue) == 0 {
		c.addNode(n)
		return
	}

	t := queue[0]
	rest := queue[1:]

	if _, isVar := t.(*term.Variable); isVar {
		// A query variable at this position matches every candidate
		// shape (Unifiable and Instances both treat a query variable
		// as a full wildcard, Instances skipping stored variables since
		// its candidates are ground; Generalizations never reaches this
		// branch because its precondition is that Q is ground).
		matchWildcardSubtree(n, rest, mode, c)
		return
	}

	key, pushed := discriminate(t)
	childQueue := make([]term.Term, 0, len(pushed)+len(rest))
	childQueue = append(childQueue, pushed...)
	childQueue = append(childQueue, rest...)

	if mode == Unifiable || mode == Generalizations {
		// descend into the wildcard ("V") child: the indexed term had
		// a variable at this position, so it matches whatever ground
		// structure the query has here without consuming any extra
		// queue items.
		if wc, ok := n.children.Get([]byte("V")); ok {
			search(wc, rest, mode, c)
		}
	}

	if mode == Unifiable || mode == Instances {
		if sc, ok := n.children.Get([]byte(key)); ok {
			search(sc, childQueue, mode, c)
		}
	} else { // Generalizations: specific branch also required
		if sc, ok := n.children.Get([]byte(key)); ok {
			search(sc, childQueue, mode, c)
		}
	}
}

// matchWildcardSubtree explores every descendant of n until exactly
// one query-term's worth of structure has been consumed, then resumes
// matching rest. This is what lets a query variable "match all
// children" even when the candidate subtree there is itself an
// arbitrarily deep compound or list.
func matchWildcardSubtree(n *node, rest []term.Term, mode Mode, c *collector) {
	matchWildcardDebt(n, 1, rest, mode, c)
}

func matchWildcardDebt(n *node, debt int, rest []term.Term, mode Mode, c *collector) {
	if c.full() {
		return
	}
	if debt == 0 {
		search(n, rest, mode, c)
		return
	}
	n.children.Walk(func(k []byte, child *node) bool {
		if c.full() {
			return true
		}
		if mode == Instances && string(k) == "V" {
			return false // a stored variable is not a ground candidate
		}
		matchWildcardDebt(child, debt-1+arityOfKey(string(k)), rest, mode, c)
		return false
	})
}
