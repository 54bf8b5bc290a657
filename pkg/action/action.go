// Package action implements the action executor (§4.5): given an
// active item and a matched meta's bindings, dispatch the substituted
// action term onto the engine's closed set of primitives.
//
// The gokando teacher has no analog for a dispatch-on-head action
// interpreter (its closest relative is pkg/minikanren/parallel.go's
// goal combinators, which compose Goals rather than interpret data),
// so this package is built directly from spec.md §4.5's primitive
// list, following the teacher's general style of small, independently
// testable functions over a shared mutable store (here pkg/kb) rather
// than an object hierarchy.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/gitrdm/noema/pkg/confidence"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/term"
)

// Typed error kinds, §7.
var (
	// ErrUnboundVariable marks an action argument that remained free
	// after substitution.
	ErrUnboundVariable = errors.New("action: unbound variable")
	// ErrExecution marks malformed actions: wrong arity, unknown
	// primitive, wrong argument type.
	ErrExecution = errors.New("action: execution error")
)

func unboundErr(v string) error {
	return fmt.Errorf("%w: %s", ErrUnboundVariable, v)
}

func executionErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExecution, fmt.Sprintf(format, args...))
}

// OracleClient is the subset of pkg/oracle.Client the executor needs.
// Declared locally so pkg/action never imports pkg/oracle — the
// engine wires a concrete client in at construction, matching §9's
// "executors hold read-only references" design note.
type OracleClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TermParser parses one line of surface syntax into a Term, used to
// interpret oracle responses (§4.5 generate_thoughts/call_oracle). The
// engine wires in a concrete pkg/parser.Parser.
type TermParser interface {
	ParseTerm(line string) (term.Term, error)
}

// Executor dispatches primitive actions against a knowledge base.
type Executor struct {
	kb     *kb.KB
	oracle OracleClient
	parser TermParser
	log    hclog.Logger
}

// New constructs an Executor. oracle and parser may be nil if the
// deployment never fires generate_thoughts/call_oracle meta-rules;
// attempting to do so then fails with ErrExecution.
func New(store *kb.KB, oracle OracleClient, parser TermParser, log hclog.Logger) *Executor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Executor{kb: store, oracle: oracle, parser: parser, log: log.Named("action")}
}

// Execute dispatches action (already σ-substituted) on behalf of
// active, a meta whose id is metaID. It returns the first typed error
// on failure; the caller (pkg/sched) is responsible for recording
// error_info and applying the retry policy (§7).
func (e *Executor) Execute(ctx context.Context, active *kb.Item, action term.Term, metaID string) error {
	c, ok := action.(*term.Compound)
	if !ok {
		return executionErr("action term must be a compound, got %s", action.String())
	}

	switch c.Head() {
	case "noop":
		return nil
	case "add_thought":
		return e.addThought(c, active, metaID, []string{metaID})
	case "set_status":
		return e.setStatus(c, active)
	case "set_belief":
		return e.setBelief(c, active)
	case "check_parent_completion":
		return e.checkParentCompletion(c, active)
	case "generate_thoughts":
		return e.generateThoughts(ctx, c, active, metaID)
	case "call_oracle":
		return e.callOracle(ctx, c, active, metaID)
	case "sequence":
		return e.sequence(ctx, c, active, metaID)
	default:
		return executionErr("unknown primitive %q", c.Head())
	}
}

func requireGround(t term.Term) error {
	if !t.IsGround() {
		if v, ok := t.(*term.Variable); ok {
			return unboundErr(v.Name())
		}
		return unboundErr(t.String())
	}
	return nil
}

func symbolName(t term.Term) (string, error) {
	s, ok := t.(*term.Symbol)
	if !ok {
		return "", executionErr("expected symbol, got %s", t.String())
	}
	return s.Name(), nil
}

var roleNames = map[string]kb.Role{
	string(kb.RoleNote):     kb.RoleNote,
	string(kb.RoleGoal):     kb.RoleGoal,
	string(kb.RoleStrategy): kb.RoleStrategy,
	string(kb.RoleOutcome):  kb.RoleOutcome,
	string(kb.RoleMeta):     kb.RoleMeta,
}

var statusNames = map[string]kb.Status{
	string(kb.StatusPending):         kb.StatusPending,
	string(kb.StatusWaitingChildren): kb.StatusWaitingChildren,
	string(kb.StatusDone):            kb.StatusDone,
	string(kb.StatusFailed):          kb.StatusFailed,
}

func appendProvenance(existing []string, extra ...string) []string {
	out := make([]string, 0, len(existing)+len(extra))
	out = append(out, existing...)
	out = append(out, extra...)
	return out
}

func provenanceOf(it *kb.Item) []string {
	raw, ok := it.Metadata[kb.MetaProvenance]
	if !ok {
		return nil
	}
	ss, _ := raw.([]string)
	return ss
}

// addThought implements add_thought(role, content, belief). provenance
// is the provenance chain to attach, already including the triggering
// meta's id (and, for oracle-sourced thoughts, "ORACLE").
func (e *Executor) addThought(c *term.Compound, active *kb.Item, metaID string, provenance []string) error {
	if c.Arity() != 3 {
		return executionErr("add_thought requires 3 args, got %d", c.Arity())
	}
	roleArg, contentArg, beliefArg := c.Arg(0), c.Arg(1), c.Arg(2)

	for _, a := range []term.Term{roleArg, contentArg, beliefArg} {
		if err := requireGround(a); err != nil {
			return err
		}
	}

	roleName, err := symbolName(roleArg)
	if err != nil {
		return err
	}
	role, ok := roleNames[roleName]
	if !ok {
		return executionErr("unknown role %q", roleName)
	}

	evidenceName, err := symbolName(beliefArg)
	if err != nil {
		return err
	}
	belief, err := evidenceFromSymbol(evidenceName)
	if err != nil {
		return err
	}

	_, added := e.kb.Add(&kb.Item{
		Role:       role,
		Content:    contentArg,
		Belief:     belief,
		Importance: confidence.DefaultImportance,
		Metadata: map[string]interface{}{
			kb.MetaParentID:   active.ID,
			kb.MetaProvenance: provenance,
		},
	})
	if !added {
		e.log.Debug("add_thought produced a duplicate, ignored", "parent", active.ID)
	}
	return nil
}

func evidenceFromSymbol(name string) (confidence.Confidence, error) {
	switch name {
	case "POSITIVE":
		return confidence.Zero.Update(confidence.Positive), nil
	case "NEGATIVE":
		return confidence.Zero.Update(confidence.Negative), nil
	default:
		return confidence.Zero, executionErr("belief must be POSITIVE or NEGATIVE, got %q", name)
	}
}

// setStatus implements set_status(status). Setting ACTIVE directly is
// forbidden — only the scheduler may transition an item into ACTIVE.
func (e *Executor) setStatus(c *term.Compound, active *kb.Item) error {
	if c.Arity() != 1 {
		return executionErr("set_status requires 1 arg, got %d", c.Arity())
	}
	if err := requireGround(c.Arg(0)); err != nil {
		return err
	}
	name, err := symbolName(c.Arg(0))
	if err != nil {
		return err
	}
	if name == string(kb.StatusActive) {
		return executionErr("set_status(ACTIVE) is forbidden")
	}
	status, ok := statusNames[name]
	if !ok {
		return executionErr("unknown status %q", name)
	}

	next := cloneWithStatus(active, status)
	if !e.kb.Update(active, next) {
		e.log.Warn("set_status lost CAS", "id", active.ID)
	}
	return nil
}

func cloneWithStatus(it *kb.Item, status kb.Status) *kb.Item {
	next := it.Clone()
	next.Status = status
	return next
}

// setBelief implements set_belief(POSITIVE|NEGATIVE).
func (e *Executor) setBelief(c *term.Compound, active *kb.Item) error {
	if c.Arity() != 1 {
		return executionErr("set_belief requires 1 arg, got %d", c.Arity())
	}
	if err := requireGround(c.Arg(0)); err != nil {
		return err
	}
	name, err := symbolName(c.Arg(0))
	if err != nil {
		return err
	}
	var ev confidence.Evidence
	switch name {
	case "POSITIVE":
		ev = confidence.Positive
	case "NEGATIVE":
		ev = confidence.Negative
	default:
		return executionErr("set_belief expects POSITIVE or NEGATIVE, got %q", name)
	}

	next := active.Clone()
	next.Belief = active.Belief.Update(ev)
	if !e.kb.Update(active, next) {
		e.log.Warn("set_belief lost CAS", "id", active.ID)
	}
	return nil
}

// checkParentCompletion implements check_parent_completion(check_type,
// status_if_complete, recursive_flag). recursive_flag is accepted for
// forward compatibility with multi-level parent chains but is not yet
// acted on — every parent chain currently considered is one level.
func (e *Executor) checkParentCompletion(c *term.Compound, active *kb.Item) error {
	if c.Arity() != 3 {
		return executionErr("check_parent_completion requires 3 args, got %d", c.Arity())
	}
	for _, a := range c.Args() {
		if err := requireGround(a); err != nil {
			return err
		}
	}
	checkType, err := symbolName(c.Arg(0))
	if err != nil {
		return err
	}
	statusName, err := symbolName(c.Arg(1))
	if err != nil {
		return err
	}
	targetStatus, ok := statusNames[statusName]
	if !ok {
		return executionErr("unknown status_if_complete %q", statusName)
	}

	parentID, _ := active.Metadata[kb.MetaParentID].(string)
	if parentID == "" {
		return executionErr("check_parent_completion: active item has no parent_id")
	}
	parent, ok := e.kb.Get(parentID)
	if !ok || parent.Status != kb.StatusWaitingChildren {
		return nil
	}

	children := e.kb.ChildrenOf(parentID)
	complete := true
	for _, child := range children {
		switch checkType {
		case "ALL_DONE":
			if child.Status != kb.StatusDone {
				complete = false
			}
		case "ALL_TERMINAL":
			if !child.Status.Terminal() {
				complete = false
			}
		default:
			return executionErr("unknown check_type %q", checkType)
		}
		if !complete {
			break
		}
	}
	if !complete {
		return nil
	}

	next := cloneWithStatus(parent, targetStatus)
	if !e.kb.Update(parent, next) {
		e.log.Debug("check_parent_completion lost CAS, already handled", "parent", parentID)
	}
	return nil
}

// generateThoughts implements generate_thoughts(prompt_term).
func (e *Executor) generateThoughts(ctx context.Context, c *term.Compound, active *kb.Item, metaID string) error {
	if c.Arity() != 1 {
		return executionErr("generate_thoughts requires 1 arg, got %d", c.Arity())
	}
	if e.oracle == nil || e.parser == nil {
		return executionErr("generate_thoughts: no oracle/parser configured")
	}
	if err := requireGround(c.Arg(0)); err != nil {
		return err
	}

	response, err := e.oracle.Generate(ctx, c.Arg(0).String())
	if err != nil {
		return executionErr("oracle call failed: %v", err)
	}

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parsed, err := e.parser.ParseTerm(line)
		if err != nil {
			e.log.Warn("skipping malformed oracle line", "line", line, "error", err)
			continue
		}
		thought, ok := parsed.(*term.Compound)
		if !ok || thought.Head() != "add_thought" {
			e.log.Warn("skipping non-add_thought oracle line", "line", line)
			continue
		}
		if err := e.addThought(thought, active, metaID, appendProvenance(nil, metaID, "ORACLE")); err != nil {
			e.log.Warn("skipping rejected oracle thought", "line", line, "error", err)
		}
	}
	return nil
}

// callOracle implements call_oracle(prompt_term, result_role).
func (e *Executor) callOracle(ctx context.Context, c *term.Compound, active *kb.Item, metaID string) error {
	if c.Arity() != 2 {
		return executionErr("call_oracle requires 2 args, got %d", c.Arity())
	}
	if e.oracle == nil {
		return executionErr("call_oracle: no oracle configured")
	}
	if err := requireGround(c.Arg(0)); err != nil {
		return err
	}
	if err := requireGround(c.Arg(1)); err != nil {
		return err
	}
	roleName, err := symbolName(c.Arg(1))
	if err != nil {
		return err
	}
	role, ok := roleNames[roleName]
	if !ok {
		return executionErr("unknown result_role %q", roleName)
	}

	response, err := e.oracle.Generate(ctx, c.Arg(0).String())
	if err != nil {
		return executionErr("oracle call failed: %v", err)
	}

	var content term.Term
	if e.parser != nil {
		if parsed, perr := e.parser.ParseTerm(response); perr == nil {
			content = parsed
		}
	}
	if content == nil {
		content = term.NewSymbol(response)
	}

	e.kb.Add(&kb.Item{
		Role:       role,
		Content:    content,
		Belief:     confidence.Zero,
		Importance: confidence.DefaultImportance,
		Metadata: map[string]interface{}{
			kb.MetaParentID:   active.ID,
			kb.MetaProvenance: appendProvenance(nil, metaID, "ORACLE"),
		},
	})
	return nil
}

// sequence implements sequence(list_of_actions): run each action in
// order, stopping at (and reporting) the first failure.
func (e *Executor) sequence(ctx context.Context, c *term.Compound, active *kb.Item, metaID string) error {
	if c.Arity() != 1 {
		return executionErr("sequence requires 1 arg, got %d", c.Arity())
	}
	list, ok := c.Arg(0).(*term.List)
	if !ok {
		return executionErr("sequence argument must be a list, got %s", c.Arg(0).String())
	}

	var diagnostics *multierror.Error
	current := active
	for i, step := range list.Elements() {
		if i > 0 {
			fresh, ok := e.kb.Get(current.ID)
			if !ok {
				return executionErr("sequence: item %s no longer present at step %d", current.ID, i)
			}
			current = fresh
		}
		if err := e.Execute(ctx, current, step, metaID); err != nil {
			diagnostics = multierror.Append(diagnostics, fmt.Errorf("step %d: %w", i, err))
			return executionErr("sequence failed at step %d: %v", i, diagnostics.ErrorOrNil())
		}
	}
	return nil
}
