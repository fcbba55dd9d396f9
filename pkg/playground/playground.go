// Package playground implements stateless, non-persistent policy
// validation and ad-hoc authorization testing: a policy author's
// scratchpad that never touches the repository or a store's cache.
package playground

import (
	"fmt"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
)

// ValidationResult reports whether a statement parses, independent of any
// store.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidatePolicy parses statement text in isolation. Unlike CreatePolicy,
// this never touches a repository or cache — it is pure syntax/condition
// checking for editor-time feedback.
func ValidatePolicy(statement string) ValidationResult {
	if _, err := policyengine.Parse(statement); err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true}
}

// ValidateSchema compiles a schema document in isolation.
func ValidateSchema(document []byte) ValidationResult {
	if err := policyengine.ValidateSchemaDocument(document); err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true}
}

// TestAuthorizationRequest is an ad-hoc decision request against
// caller-supplied policy text, never a stored policy.
type TestAuthorizationRequest struct {
	Statements []string
	Principal  domain.EntityID
	Action     domain.EntityID
	Resource   domain.EntityID
	Context    map[string]any
	Entities   []domain.Entity
}

// TestAuthorization parses every statement fresh and evaluates the request
// against them, without any persistence or per-store cache involved.
// A malformed statement fails the whole call (InvalidPolicy), since there
// is no store-scoped "skip and log" fallback to fall back to here.
func TestAuthorization(req TestAuthorizationRequest) (policyengine.Result, error) {
	pairs := make([]policyengine.IDStatement, 0, len(req.Statements))
	for i, text := range req.Statements {
		stmt, err := policyengine.Parse(text)
		if err != nil {
			return policyengine.Result{}, pdperr.InvalidPolicyf("statement %d: %v", i, err)
		}
		pairs = append(pairs, policyengine.IDStatement{ID: fmt.Sprintf("statement-%d", i), Statement: stmt})
	}

	entities := make(map[domain.EntityID]domain.Entity, len(req.Entities))
	for _, e := range req.Entities {
		entities[e.ID] = e
	}

	evalReq := &policyengine.Request{
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  req.Resource,
		Context:   req.Context,
		Entities:  entities,
	}
	return policyengine.Evaluate(pairs, evalReq), nil
}
