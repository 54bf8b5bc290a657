package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/gitrdm/noema/pkg/rules"
	"github.com/gitrdm/noema/pkg/term"
)

// LoadRulesFile parses one rule per non-blank, non-comment line of
// path, each a two-argument `(implies antecedent consequent)` or
// `(equivalent a b)` term, committing each to Rules and publishing
// KindRuleAdded so Chain picks it up the same way it would a rule
// added at runtime. It returns the number of rules committed.
func (e *Engine) LoadRulesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("engine: reading rules file: %w", err)
	}

	committed := 0
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		t, err := e.Parser.ParseTerm(line)
		if err != nil {
			e.log.Warn("skipping unparsable rule line", "file", path, "line", i+1, "error", err)
			continue
		}
		c, ok := t.(*term.Compound)
		if !ok || c.Arity() != 2 {
			e.log.Warn("skipping malformed rule line", "file", path, "line", i+1)
			continue
		}

		var form rules.Form
		switch c.Head() {
		case string(rules.FormImplies):
			form = rules.FormImplies
		case string(rules.FormEquivalent):
			form = rules.FormEquivalent
		default:
			e.log.Warn("skipping rule line with unknown form", "file", path, "line", i+1, "form", c.Head())
			continue
		}

		for _, r := range e.Rules.Add(form, c.Arg(0), c.Arg(1), 1.0) {
			e.Bus.PublishRuleAdded(r)
			committed++
		}
	}
	return committed, nil
}
