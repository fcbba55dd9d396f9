package policyengine

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/hodei/verified-permissions/pkg/domain"
)

var conditionEnv = mustConditionEnv()

func mustConditionEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.DynType),
		cel.Variable("action", cel.DynType),
		cel.Variable("resource", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("policyengine: build cel env: %v", err))
	}
	return env
}

func compileCondition(source string) (cel.Program, error) {
	ast, issues := conditionEnv.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return conditionEnv.Program(ast)
}

// Request is the decision engine's input to Evaluate: the three scope
// roles, a context document, and the full entity set needed for attribute
// access and ancestry resolution.
type Request struct {
	Principal domain.EntityID
	Action    domain.EntityID
	Resource  domain.EntityID
	Context   map[string]any
	Entities  map[domain.EntityID]domain.Entity
}

// Decision is Allow or Deny.
type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// Result is the outcome of evaluating a PolicySet against one Request.
type Result struct {
	Decision            Decision
	DeterminingPolicies []string
	Errors              []string
}

func (r *Request) ancestorsOf(id domain.EntityID) map[domain.EntityID]struct{} {
	seen := make(map[domain.EntityID]struct{})
	var walk func(domain.EntityID)
	walk = func(cur domain.EntityID) {
		if _, ok := seen[cur]; ok {
			return
		}
		seen[cur] = struct{}{}
		ent, ok := r.Entities[cur]
		if !ok {
			return
		}
		for _, p := range ent.Parents {
			walk(p)
		}
	}
	if ent, ok := r.Entities[id]; ok {
		for _, p := range ent.Parents {
			walk(p)
		}
	}
	return seen
}

func (r *Request) entityCELValue(id domain.EntityID) map[string]any {
	out := map[string]any{"type": id.Type, "id": id.ID}
	if ent, ok := r.Entities[id]; ok {
		for k, v := range ent.Attributes {
			out[k] = v
		}
	}
	return out
}

// evaluateStatement reports whether stmt's scope and (if present)
// condition are satisfied by req. A condition evaluation error is
// returned as an error string, not a Go error, per the decision engine's
// "evaluation errors never fail the call" contract.
func evaluateStatement(stmt *Statement, req *Request) (matched bool, evalErr string) {
	if !stmt.Principal.Matches(req.Principal, req.ancestorsOf) {
		return false, ""
	}
	if !stmt.Action.Matches(req.Action, req.ancestorsOf) {
		return false, ""
	}
	if !stmt.Resource.Matches(req.Resource, req.ancestorsOf) {
		return false, ""
	}
	if stmt.program == nil {
		return true, ""
	}

	context := req.Context
	if context == nil {
		context = map[string]any{}
	}
	out, _, err := stmt.program.Eval(map[string]any{
		"principal": req.entityCELValue(req.Principal),
		"action":    req.entityCELValue(req.Action),
		"resource":  req.entityCELValue(req.Resource),
		"context":   context,
	})
	if err != nil {
		return false, fmt.Sprintf("condition evaluation error: %v", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, "condition did not evaluate to a boolean"
	}
	return b, ""
}

// Evaluate implements the permit/forbid, forbid-overrides-permit,
// deny-by-default semantics over an ordered set of (policyID, statement)
// pairs.
func Evaluate(statements []IDStatement, req *Request) Result {
	var matchedForbids, matchedPermits []string
	var errs []string

	for _, is := range statements {
		matched, evalErr := evaluateStatement(is.Statement, req)
		if evalErr != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", is.ID, evalErr))
		}
		if !matched {
			continue
		}
		switch is.Statement.Effect {
		case EffectForbid:
			matchedForbids = append(matchedForbids, is.ID)
		case EffectPermit:
			matchedPermits = append(matchedPermits, is.ID)
		}
	}

	if len(matchedForbids) > 0 {
		return Result{Decision: Deny, DeterminingPolicies: matchedForbids, Errors: errs}
	}
	if len(matchedPermits) > 0 {
		return Result{Decision: Allow, DeterminingPolicies: matchedPermits, Errors: errs}
	}
	return Result{Decision: Deny, DeterminingPolicies: []string{}, Errors: errs}
}

// IDStatement pairs a policy id with its parsed statement, the unit the
// PolicySet cache iterates at evaluation time.
type IDStatement struct {
	ID        string
	Statement *Statement
}
