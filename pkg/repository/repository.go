// Package repository defines the narrow persistence capability the policy
// decision point requires, independent of any concrete database. Concrete
// adapters live in the postgres and sqlite subpackages; memory is a
// reference adapter used by tests and as the binaries' in-process default.
package repository

import (
	"context"

	"github.com/hodei/verified-permissions/pkg/domain"
)

// Page is a forward-only pagination cursor, extending the narrow listing
// contract per the decision recorded for the open pagination question:
// callers pass Limit and After (the previous page's NextToken) and get back
// NextToken, empty when exhausted.
type Page struct {
	Limit int
	After string
}

// PageResult wraps a listing result with its continuation token.
type PageResult[T any] struct {
	Items     []T
	NextToken string
}

// Repository is the full capability surface of §4.1. Every method may fail
// with a *pdperr.Error.
type Repository interface {
	CreateStore(ctx context.Context, description string) (domain.PolicyStore, error)
	GetStore(ctx context.Context, id string) (domain.PolicyStore, error)
	ListStores(ctx context.Context, page Page) (PageResult[domain.PolicyStore], error)
	DeleteStore(ctx context.Context, id string) error

	PutSchema(ctx context.Context, storeID string, document []byte) (domain.Schema, error)
	GetSchema(ctx context.Context, storeID string) (domain.Schema, error)
	DeleteSchema(ctx context.Context, storeID string) error

	CreatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error)
	GetPolicy(ctx context.Context, storeID, policyID string) (domain.Policy, error)
	ListPolicies(ctx context.Context, storeID string, page Page) (PageResult[domain.Policy], error)
	UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error)
	DeletePolicy(ctx context.Context, storeID, policyID string) error

	CreateTemplate(ctx context.Context, t domain.PolicyTemplate) (domain.PolicyTemplate, error)
	GetTemplate(ctx context.Context, storeID, templateID string) (domain.PolicyTemplate, error)
	ListTemplates(ctx context.Context, storeID string, page Page) (PageResult[domain.PolicyTemplate], error)
	DeleteTemplate(ctx context.Context, storeID, templateID string) error

	CreateIdentitySource(ctx context.Context, s domain.IdentitySource) (domain.IdentitySource, error)
	GetIdentitySource(ctx context.Context, storeID, id string) (domain.IdentitySource, error)
	ListIdentitySources(ctx context.Context, storeID string, page Page) (PageResult[domain.IdentitySource], error)
	DeleteIdentitySource(ctx context.Context, storeID, id string) error

	AppendAudit(ctx context.Context, record domain.AuditRecord) error
}
