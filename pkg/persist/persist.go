// Package persist implements the §4.10 snapshot/restore surface: the
// knowledge base is periodically written to a durable bbolt file and
// reloaded from it on startup, any item found ACTIVE is reset to
// PENDING (the worker that was running it is gone), and a snapshot
// that is missing, empty, corrupt, or written by an incompatible
// schema version is treated as "nothing to restore" so the caller can
// bootstrap instead.
//
// Grounded on hashicorp-nomad's client/state package, which likewise
// keeps a bbolt-backed state db with a version marker bucket consulted
// on open (client/state/upgrade_test.go's NeedsUpgrade/setupBoltDB).
// Term encoding follows nomad's go-msgpack usage (e.g.
// command/agent/monitor/test_helpers.go's codec.NewEncoder/NewDecoder
// pair), adapted to a locally-owned *codec.MsgpackHandle rather than a
// package-level shared handle, since no such shared handle was
// available to import from this module's dependency surface.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	version "github.com/hashicorp/go-version"
	"go.etcd.io/bbolt"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/term"
)

// schemaVersion is bumped whenever the wire format in this file changes
// incompatibly. A snapshot written by a different major version is
// treated as unreadable rather than partially decoded.
const schemaVersion = "1.0.0"

var (
	metaBucket  = []byte("meta")
	itemsBucket = []byte("items")
	versionKey  = []byte("schema_version")
)

var msgpackHandle = &msgpack.MsgpackHandle{}

// Config tunes the snapshot file location.
type Config struct {
	Path string
}

// Engine saves and loads KB snapshots at Config.Path.
type Engine struct {
	cfg Config
	log hclog.Logger
}

// New constructs an Engine. path must be non-empty.
func New(cfg Config, log hclog.Logger) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{cfg: cfg, log: log.Named("persist")}
}

// Save writes every item currently in store to the snapshot file,
// replacing any prior contents.
func (e *Engine) Save(store *kb.KB) error {
	db, err := bbolt.Open(e.cfg.Path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("persist: open %s: %w", e.cfg.Path, err)
	}
	defer db.Close()

	items := store.All()
	err = db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(itemsBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		ib, err := tx.CreateBucket(itemsBucket)
		if err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if err := mb.Put(versionKey, []byte(schemaVersion)); err != nil {
			return err
		}
		for _, it := range items {
			data, err := encodeItem(toWireItem(it))
			if err != nil {
				return fmt.Errorf("persist: encode %s: %w", it.ID, err)
			}
			if err := ib.Put([]byte(it.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Debug("snapshot saved", "path", e.cfg.Path, "items", len(items))
	return nil
}

// Load restores store from the snapshot file. It returns restored=false
// (with a nil error) whenever the snapshot is missing, empty, corrupt,
// or written by an incompatible schema version — in every such case the
// caller is expected to bootstrap the KB by some other means instead.
// Any item loaded with Status ACTIVE is reset to PENDING before being
// committed, per §4.10's "the prior worker is gone" rule.
func (e *Engine) Load(store *kb.KB) (restored bool, err error) {
	if _, statErr := os.Stat(e.cfg.Path); errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}

	db, err := bbolt.Open(e.cfg.Path, 0o600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		e.log.Warn("snapshot unreadable, bootstrapping instead", "path", e.cfg.Path, "error", err)
		return false, nil
	}
	defer db.Close()

	var loaded []*kb.Item
	viewErr := db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		ib := tx.Bucket(itemsBucket)
		if mb == nil || ib == nil {
			return nil
		}
		if !compatibleVersion(mb.Get(versionKey)) {
			return nil
		}
		return ib.ForEach(func(k, v []byte) error {
			w, err := decodeItem(v)
			if err != nil {
				return fmt.Errorf("persist: decode %s: %w", string(k), err)
			}
			it, err := fromWireItem(w)
			if err != nil {
				return err
			}
			loaded = append(loaded, it)
			return nil
		})
	})
	if viewErr != nil {
		e.log.Warn("snapshot corrupt, bootstrapping instead", "path", e.cfg.Path, "error", viewErr)
		return false, nil
	}
	if len(loaded) == 0 {
		return false, nil
	}

	for _, it := range loaded {
		if it.Status == kb.StatusActive {
			it.Status = kb.StatusPending
		}
		store.Add(it)
	}
	e.log.Debug("snapshot restored", "path", e.cfg.Path, "items", len(loaded))
	return true, nil
}

func compatibleVersion(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	stored, err := version.NewVersion(string(raw))
	if err != nil {
		return false
	}
	current, err := version.NewVersion(schemaVersion)
	if err != nil {
		return false
	}
	return stored.Segments()[0] == current.Segments()[0]
}

// --- wire encoding ---------------------------------------------------

// wireTerm is the msgpack-safe tagged-union representation of a
// term.Term, since Term is an interface and the codec needs a concrete
// shape to encode/decode through.
type wireTerm struct {
	Kind     string     `codec:"kind"`
	Name     string     `codec:"name,omitempty"`
	Value    float64    `codec:"value,omitempty"`
	Head     string     `codec:"head,omitempty"`
	Args     []wireTerm `codec:"args,omitempty"`
	Elements []wireTerm `codec:"elements,omitempty"`
}

func toWire(t term.Term) wireTerm {
	switch v := t.(type) {
	case *term.Symbol:
		return wireTerm{Kind: "symbol", Name: v.Name()}
	case *term.Variable:
		return wireTerm{Kind: "variable", Name: v.Name()}
	case *term.Number:
		return wireTerm{Kind: "number", Value: v.Value()}
	case *term.Compound:
		args := v.Args()
		wargs := make([]wireTerm, len(args))
		for i, a := range args {
			wargs[i] = toWire(a)
		}
		return wireTerm{Kind: "compound", Head: v.Head(), Args: wargs}
	case *term.List:
		elems := v.Elements()
		welems := make([]wireTerm, len(elems))
		for i, el := range elems {
			welems[i] = toWire(el)
		}
		return wireTerm{Kind: "list", Elements: welems}
	default:
		return wireTerm{Kind: "symbol", Name: t.String()}
	}
}

func fromWire(w wireTerm) (term.Term, error) {
	switch w.Kind {
	case "symbol":
		return term.NewSymbol(w.Name), nil
	case "variable":
		return term.NewVariable(w.Name), nil
	case "number":
		return term.NewNumber(w.Value), nil
	case "compound":
		args := make([]term.Term, len(w.Args))
		for i, a := range w.Args {
			at, err := fromWire(a)
			if err != nil {
				return nil, err
			}
			args[i] = at
		}
		return term.NewCompound(w.Head, args...), nil
	case "list":
		elems := make([]term.Term, len(w.Elements))
		for i, el := range w.Elements {
			et, err := fromWire(el)
			if err != nil {
				return nil, err
			}
			elems[i] = et
		}
		return term.NewList(elems...), nil
	default:
		return nil, fmt.Errorf("persist: unknown term kind %q", w.Kind)
	}
}

// wireItem is the msgpack-safe representation of a kb.Item.
type wireItem struct {
	ID             string                 `codec:"id"`
	Role           string                 `codec:"role"`
	Content        wireTerm               `codec:"content"`
	BeliefPositive float64                `codec:"belief_pos"`
	BeliefNegative float64                `codec:"belief_neg"`
	STI            float64                `codec:"sti"`
	LTI            float64                `codec:"lti"`
	Status         string                 `codec:"status"`
	Metadata       map[string]interface{} `codec:"metadata,omitempty"`
}

func toWireItem(it *kb.Item) wireItem {
	return wireItem{
		ID:             it.ID,
		Role:           string(it.Role),
		Content:        toWire(it.Content),
		BeliefPositive: it.Belief.Positive(),
		BeliefNegative: it.Belief.Negative(),
		STI:            it.Importance.STI,
		LTI:            it.Importance.LTI,
		Status:         string(it.Status),
		Metadata:       it.Metadata,
	}
}

func fromWireItem(w wireItem) (*kb.Item, error) {
	content, err := fromWire(w.Content)
	if err != nil {
		return nil, err
	}
	return &kb.Item{
		ID:         w.ID,
		Role:       kb.Role(w.Role),
		Content:    content,
		Belief:     confidence.New(w.BeliefPositive, w.BeliefNegative),
		Importance: confidence.Importance{STI: w.STI, LTI: w.LTI},
		Status:     kb.Status(w.Status),
		Metadata:   w.Metadata,
	}, nil
}

func encodeItem(w wireItem) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeItem(data []byte) (wireItem, error) {
	var w wireItem
	dec := msgpack.NewDecoder(bytes.NewReader(data), msgpackHandle)
	err := dec.Decode(&w)
	return w, err
}
