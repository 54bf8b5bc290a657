// Package events implements the in-process event bus (§4.7): typed,
// fan-out publish/subscribe plus pattern subscription for listeners
// that only care about items whose content matches a term.
//
// No teacher file implements a pub/sub bus directly; gokando's closest
// relative is pkg/minikanren/core.go's channel-based Stream, a
// single-consumer pipe rather than a fan-out broadcast. Bus is built
// from spec.md §4.7's contract directly, grounded in the same
// design habit the teacher shows elsewhere (parallel.go's
// StreamMerger) of a small struct guarding a slice of callbacks under
// one mutex, dispatched synchronously rather than through goroutines
// per listener — simpler, and sufficient since §4.7 only requires
// "delivery is in-process, fan-out, at-least-once within a cycle,"
// not concurrent delivery.
package events

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/rules"
	"github.com/gitrdm/noema/pkg/term"
	"github.com/gitrdm/noema/pkg/unify"
)

// Kind discriminates event types, §4.7.
type Kind string

const (
	KindAdded          Kind = "Added"
	KindRetracted      Kind = "Retracted"
	KindEvicted        Kind = "Evicted"
	KindRuleAdded      Kind = "RuleAdded"
	KindRuleRemoved    Kind = "RuleRemoved"
	KindStatusChanged  Kind = "StatusChanged"
	KindExternalInput  Kind = "ExternalInput"
	KindOracleResponse Kind = "OracleResponse"
)

// Event is the payload delivered to listeners. Not every field is
// populated for every Kind; see the Kind* doc comments.
type Event struct {
	Kind Kind

	Item    *kb.Item // Added, Retracted, Evicted, StatusChanged (new value), ExternalInput
	OldItem *kb.Item // StatusChanged only

	Rule *rules.Rule // RuleAdded, RuleRemoved

	OracleResponse string // OracleResponse only
}

// Listener receives every event of the Kind it was subscribed to.
type Listener func(Event)

// PatternListener receives Added events whose item content matches
// the pattern it was subscribed with (one-way: only the pattern's
// variables are bound), along with the resulting bindings.
type PatternListener func(ev Event, bindings *unify.Substitution)

type patternSub struct {
	pattern term.Term
	fn      PatternListener
}

// Bus is a thread-safe, in-process event bus. The zero value is not
// usable; construct with New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	patterns  []patternSub
	log       hclog.Logger
}

// New constructs an empty Bus.
func New(log hclog.Logger) *Bus {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Bus{listeners: map[Kind][]Listener{}, log: log.Named("events")}
}

// Subscribe registers fn for every event of kind. The returned func
// unsubscribes it.
func (b *Bus) Subscribe(kind Kind, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], fn)
	idx := len(b.listeners[kind]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.listeners[kind]
		if idx < len(list) {
			list[idx] = nil // leave a hole rather than reindex everyone else's unsubscribe closures
		}
	}
}

// SubscribePattern registers fn to fire on every Added event whose
// item content matches pattern one-way, via unify.Match (§4.7
// "pattern subscription").
func (b *Bus) SubscribePattern(pattern term.Term, fn PatternListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, patternSub{pattern: pattern, fn: fn})
	idx := len(b.patterns) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.patterns) {
			b.patterns[idx].fn = nil
		}
	}
}

// Publish fan-outs ev to every listener subscribed to its Kind, then
// (for Added events) to every matching pattern subscriber. Order
// across unrelated subscribers is not guaranteed to be meaningful
// (§4.7) even though this implementation happens to dispatch in
// registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[ev.Kind]...)
	var patterns []patternSub
	if ev.Kind == KindAdded {
		patterns = append([]patternSub(nil), b.patterns...)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(ev)
		}
	}

	if ev.Kind != KindAdded || ev.Item == nil {
		return
	}
	for _, p := range patterns {
		if p.fn == nil {
			continue
		}
		if s, ok := unify.Match(p.pattern, ev.Item.Content, nil); ok {
			p.fn(ev, s)
		}
	}
}

// --- kb.Notifier bridge -------------------------------------------------

// Added implements kb.Notifier.
func (b *Bus) Added(it *kb.Item) { b.Publish(Event{Kind: KindAdded, Item: it}) }

// Retracted implements kb.Notifier.
func (b *Bus) Retracted(it *kb.Item) { b.Publish(Event{Kind: KindRetracted, Item: it}) }

// Evicted implements kb.Notifier.
func (b *Bus) Evicted(it *kb.Item) { b.Publish(Event{Kind: KindEvicted, Item: it}) }

// StatusChanged implements kb.Notifier.
func (b *Bus) StatusChanged(old, new *kb.Item) {
	b.Publish(Event{Kind: KindStatusChanged, Item: new, OldItem: old})
}

// --- Explicit publishers for events the KB itself never originates -----

// PublishRuleAdded notifies listeners that r was registered.
func (b *Bus) PublishRuleAdded(r *rules.Rule) { b.Publish(Event{Kind: KindRuleAdded, Rule: r}) }

// PublishRuleRemoved notifies listeners that r was removed.
func (b *Bus) PublishRuleRemoved(r *rules.Rule) { b.Publish(Event{Kind: KindRuleRemoved, Rule: r}) }

// PublishExternalInput notifies listeners that it arrived from an
// external collaborator (the surface parser) rather than from rule
// firing or action execution.
func (b *Bus) PublishExternalInput(it *kb.Item) {
	b.Publish(Event{Kind: KindExternalInput, Item: it})
}

// PublishOracleResponse notifies listeners (chiefly the broadcast
// surface) of a raw oracle response, independent of whatever items
// the action executor derived from it.
func (b *Bus) PublishOracleResponse(response string) {
	b.Publish(Event{Kind: KindOracleResponse, OracleResponse: response})
}
