// Package template implements §4.8: instantiating a policy template into a
// concrete, persisted policy by substituting the reserved `?principal` /
// `?resource` tokens with literal entity references.
package template

import (
	"context"
	"strings"

	"github.com/hodei/verified-permissions/pkg/cachemgr"
	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/repository"
)

// Repository is the narrow slice of repository.Repository the
// instantiator needs directly (policy creation itself goes through
// Manager so the cache mirror stays consistent).
type Repository interface {
	GetTemplate(ctx context.Context, storeID, templateID string) (domain.PolicyTemplate, error)
}

// Instantiator turns templates into policies.
type Instantiator struct {
	repo    Repository
	manager *cachemgr.Manager
}

// New returns an Instantiator. manager is used for the policy write so
// that the resulting policy takes the same repository-then-cache path as
// any other CreatePolicy call.
func New(repo Repository, manager *cachemgr.Manager) *Instantiator {
	return &Instantiator{repo: repo, manager: manager}
}

// Instantiate loads templateID from storeID, substitutes ?principal and
// ?resource with principal/resource (either may be nil if the template
// does not reference it), and persists the result as policyID. Fails
// InvalidTemplate if any placeholder remains unfilled, InvalidPolicy if
// the substituted text does not parse.
func (i *Instantiator) Instantiate(ctx context.Context, storeID, templateID, policyID string, principal, resource *domain.EntityID) (domain.Policy, error) {
	tmpl, err := i.repo.GetTemplate(ctx, storeID, templateID)
	if err != nil {
		return domain.Policy{}, err
	}

	statement := tmpl.Statement
	if principal != nil {
		statement = strings.ReplaceAll(statement, "?principal", principal.String())
	}
	if resource != nil {
		statement = strings.ReplaceAll(statement, "?resource", resource.String())
	}

	if remaining := policyengine.Placeholders(statement); len(remaining) > 0 {
		return domain.Policy{}, pdperr.InvalidTemplatef("template %q left unfilled placeholders: %v", templateID, remaining)
	}

	if _, err := policyengine.Parse(statement); err != nil {
		return domain.Policy{}, pdperr.InvalidPolicyf("instantiated template %q does not parse: %v", templateID, err)
	}

	link := &domain.TemplateLink{TemplateID: templateID, PrincipalEntityID: principal, ResourceEntityID: resource}
	return i.manager.CreatePolicy(ctx, domain.Policy{
		StoreID:   storeID,
		PolicyID:  policyID,
		Type:      domain.PolicyTypeTemplateLinked,
		Statement: statement,
		Link:      link,
	})
}

// CreateTemplate persists a new template, rejecting one with no
// substitutable placeholder at all (it would just be a static policy).
func CreateTemplate(ctx context.Context, repo repository.Repository, t domain.PolicyTemplate) (domain.PolicyTemplate, error) {
	if len(policyengine.Placeholders(t.Statement)) == 0 {
		return domain.PolicyTemplate{}, pdperr.InvalidTemplatef("template %q contains no ?principal/?resource placeholder", t.TemplateID)
	}
	return repo.CreateTemplate(ctx, t)
}
