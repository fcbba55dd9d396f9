// Package policyengine parses Cedar-style permit/forbid statements and
// evaluates them against a decision request. The grammar is hand-written,
// but the `when { ... }` condition clause compiles to and runs as a
// github.com/google/cel-go program, an in-process evaluator for a
// restricted expression language rather than a full scripting runtime.
package policyengine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
)

// Effect is the outcome a matching statement contributes.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectForbid Effect = "forbid"
)

// ScopeKind distinguishes an unconstrained scope slot from one pinned to a
// specific entity by equality or ancestry.
type ScopeKind string

const (
	ScopeAny ScopeKind = "ANY"
	ScopeEq  ScopeKind = "EQ"
	ScopeIn  ScopeKind = "IN"
)

// ScopeConstraint is one of the three `principal` / `action` / `resource`
// clauses in a statement's head.
type ScopeConstraint struct {
	Kind   ScopeKind
	Entity domain.EntityID
}

// Matches reports whether actual satisfies the constraint. ancestorsOf
// resolves the transitive parent closure of an entity id for ScopeIn
// checks; equality with the constraint's entity is checked here directly.
func (c ScopeConstraint) Matches(actual domain.EntityID, ancestorsOf func(domain.EntityID) map[domain.EntityID]struct{}) bool {
	switch c.Kind {
	case ScopeAny:
		return true
	case ScopeEq:
		return actual == c.Entity
	case ScopeIn:
		if actual == c.Entity {
			return true
		}
		for a := range ancestorsOf(actual) {
			if a == c.Entity {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Statement is one parsed permit/forbid rule.
type Statement struct {
	Effect          Effect
	Principal       ScopeConstraint
	Action          ScopeConstraint
	Resource        ScopeConstraint
	ConditionSource string
	program         cel.Program
}

var entityRefPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)::"([^"]*)"$`)

func parseEntityRef(tok string) (domain.EntityID, bool) {
	m := entityRefPattern.FindStringSubmatch(tok)
	if m == nil {
		return domain.EntityID{}, false
	}
	return domain.EntityID{Type: m[1], ID: m[2]}, true
}

// Placeholders scans raw statement/template text for the reserved
// `?principal` / `?resource` tokens, returning each present token once,
// always in that fixed order (not source order), without requiring the
// text to otherwise parse as a complete statement. Used by the template
// instantiator to validate completeness.
func Placeholders(text string) []string {
	var found []string
	for _, tok := range []string{"?principal", "?resource"} {
		if strings.Contains(text, tok) {
			found = append(found, tok)
		}
	}
	return found
}

// splitTopLevel splits s on sep at paren/brace/bracket/quote-aware top
// level only.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
			// skip
		case r == '(' || r == '{' || r == '[':
			depth++
		case r == ')' || r == '}' || r == ']':
			depth--
		case r == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func findMatchingParen(s string, open int) (int, error) {
	depth := 0
	inQuote := false
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
				if depth == 0 {
					return i, nil
				}
			}
		}
	}
	return -1, fmt.Errorf("unbalanced parentheses")
}

func findMatchingBrace(s string, open int) (int, error) {
	depth := 0
	inQuote := false
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '{':
			if !inQuote {
				depth++
			}
		case '}':
			if !inQuote {
				depth--
				if depth == 0 {
					return i, nil
				}
			}
		}
	}
	return -1, fmt.Errorf("unbalanced braces")
}

// Parse parses a single Cedar-style statement of the form:
//
//	permit(principal == User::"alice", action == Action::"view", resource) when { <cel expr> };
//	forbid(principal in Role::"banned", action, resource);
func Parse(text string) (*Statement, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, ";")
	text = strings.TrimSpace(text)

	var effect Effect
	switch {
	case strings.HasPrefix(text, string(EffectPermit)):
		effect = EffectPermit
		text = text[len(EffectPermit):]
	case strings.HasPrefix(text, string(EffectForbid)):
		effect = EffectForbid
		text = text[len(EffectForbid):]
	default:
		return nil, pdperr.InvalidPolicyf("statement must start with %q or %q", EffectPermit, EffectForbid)
	}

	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "(") {
		return nil, pdperr.InvalidPolicyf("expected '(' after effect")
	}
	closeIdx, err := findMatchingParen(text, 0)
	if err != nil {
		return nil, pdperr.InvalidPolicyf("%v", err)
	}
	scopeText := text[1:closeIdx]
	rest := strings.TrimSpace(text[closeIdx+1:])

	parts := splitTopLevel(scopeText, ',')
	if len(parts) != 3 {
		return nil, pdperr.InvalidPolicyf("scope must have exactly 3 clauses (principal, action, resource), got %d", len(parts))
	}

	principal, err := parseScopeClause(strings.TrimSpace(parts[0]), "principal")
	if err != nil {
		return nil, err
	}
	action, err := parseScopeClause(strings.TrimSpace(parts[1]), "action")
	if err != nil {
		return nil, err
	}
	resource, err := parseScopeClause(strings.TrimSpace(parts[2]), "resource")
	if err != nil {
		return nil, err
	}

	stmt := &Statement{Effect: effect, Principal: principal, Action: action, Resource: resource}

	rest = strings.TrimSpace(rest)
	if rest != "" {
		if !strings.HasPrefix(rest, "when") {
			return nil, pdperr.InvalidPolicyf("unexpected trailing text: %q", rest)
		}
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "when"))
		if !strings.HasPrefix(rest, "{") {
			return nil, pdperr.InvalidPolicyf("expected '{' after 'when'")
		}
		closeBrace, err := findMatchingBrace(rest, 0)
		if err != nil {
			return nil, pdperr.InvalidPolicyf("%v", err)
		}
		stmt.ConditionSource = strings.TrimSpace(rest[1:closeBrace])
		if trailing := strings.TrimSpace(rest[closeBrace+1:]); trailing != "" {
			return nil, pdperr.InvalidPolicyf("unexpected trailing text after condition: %q", trailing)
		}
	}

	if stmt.ConditionSource != "" {
		prg, err := compileCondition(stmt.ConditionSource)
		if err != nil {
			return nil, pdperr.InvalidPolicyf("condition does not compile: %v", err)
		}
		stmt.program = prg
	}

	return stmt, nil
}

func parseScopeClause(clause, role string) (ScopeConstraint, error) {
	if clause == role {
		return ScopeConstraint{Kind: ScopeAny}, nil
	}
	for _, op := range []struct {
		token string
		kind  ScopeKind
	}{
		{"==", ScopeEq},
		{"in", ScopeIn},
	} {
		prefix := role + " " + op.token + " "
		if strings.HasPrefix(clause, prefix) {
			ref := strings.TrimSpace(strings.TrimPrefix(clause, prefix))
			entity, ok := parseEntityRef(ref)
			if !ok {
				return ScopeConstraint{}, pdperr.InvalidPolicyf("%s clause has malformed entity reference %q", role, ref)
			}
			return ScopeConstraint{Kind: op.kind, Entity: entity}, nil
		}
	}
	return ScopeConstraint{}, pdperr.InvalidPolicyf("malformed %s clause %q", role, clause)
}
