// Package service is the facade of §6: every control-plane, data-plane,
// playground, and batch operation exposed as a plain Go method, grouped
// by concern, with the HTTP/gRPC framing that is out of scope here left
// out entirely. Kind-to-status mapping happens at the boundary.
package service

import (
	"context"
	"log/slog"

	"github.com/hodei/verified-permissions/pkg/cachemgr"
	"github.com/hodei/verified-permissions/pkg/decision"
	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/playground"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/projector/presets"
	"github.com/hodei/verified-permissions/pkg/repository"
	"github.com/hodei/verified-permissions/pkg/template"
)

// Service wires the cache manager, decision engine, and template
// instantiator behind one set of methods.
type Service struct {
	repo    repository.Repository
	caches  *cachemgr.Manager
	engine  *decision.Engine
	instant *template.Instantiator
	log     *slog.Logger
}

// New returns a Service. engine may be constructed with or without a
// token validator depending on deployment mode (central vs local agent).
func New(repo repository.Repository, caches *cachemgr.Manager, engine *decision.Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:    repo,
		caches:  caches,
		engine:  engine,
		instant: template.New(repo, caches),
		log:     log,
	}
}

// --- Control plane: policy stores ---

func (s *Service) CreatePolicyStore(ctx context.Context, description string) (domain.PolicyStore, error) {
	return s.caches.CreatePolicyStore(ctx, description)
}

func (s *Service) GetPolicyStore(ctx context.Context, id string) (domain.PolicyStore, error) {
	return s.repo.GetStore(ctx, id)
}

func (s *Service) ListPolicyStores(ctx context.Context, page repository.Page) (repository.PageResult[domain.PolicyStore], error) {
	return s.repo.ListStores(ctx, page)
}

func (s *Service) DeletePolicyStore(ctx context.Context, id string) error {
	return s.caches.DeletePolicyStore(ctx, id)
}

// --- Control plane: schema ---

func (s *Service) PutSchema(ctx context.Context, storeID string, document []byte) (domain.Schema, error) {
	return s.caches.PutSchema(ctx, storeID, document)
}

func (s *Service) GetSchema(ctx context.Context, storeID string) (domain.Schema, error) {
	return s.repo.GetSchema(ctx, storeID)
}

func (s *Service) DeleteSchema(ctx context.Context, storeID string) error {
	return s.caches.DeleteSchema(ctx, storeID)
}

// --- Control plane: policies ---

func (s *Service) CreatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	return s.caches.CreatePolicy(ctx, p)
}

func (s *Service) GetPolicy(ctx context.Context, storeID, policyID string) (domain.Policy, error) {
	return s.repo.GetPolicy(ctx, storeID, policyID)
}

func (s *Service) ListPolicies(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.Policy], error) {
	return s.repo.ListPolicies(ctx, storeID, page)
}

func (s *Service) UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	return s.caches.UpdatePolicy(ctx, p)
}

func (s *Service) DeletePolicy(ctx context.Context, storeID, policyID string) error {
	return s.caches.DeletePolicy(ctx, storeID, policyID)
}

// --- Control plane: templates ---

func (s *Service) CreatePolicyTemplate(ctx context.Context, t domain.PolicyTemplate) (domain.PolicyTemplate, error) {
	return template.CreateTemplate(ctx, s.repo, t)
}

func (s *Service) GetPolicyTemplate(ctx context.Context, storeID, templateID string) (domain.PolicyTemplate, error) {
	return s.repo.GetTemplate(ctx, storeID, templateID)
}

func (s *Service) ListPolicyTemplates(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.PolicyTemplate], error) {
	return s.repo.ListTemplates(ctx, storeID, page)
}

func (s *Service) DeletePolicyTemplate(ctx context.Context, storeID, templateID string) error {
	return s.repo.DeleteTemplate(ctx, storeID, templateID)
}

// CreatePolicyFromTemplate instantiates templateID into policyID, §4.8.
func (s *Service) CreatePolicyFromTemplate(ctx context.Context, storeID, templateID, policyID string, principal, resource *domain.EntityID) (domain.Policy, error) {
	return s.instant.Instantiate(ctx, storeID, templateID, policyID, principal, resource)
}

// --- Control plane: identity sources ---

// CreateIdentitySource persists src and returns DetectFromIssuer's
// suggestion for src.IssuerURL together with its found flag — never
// authoritative, the caller decides whether to act on it. If the write
// fails, the result is a zero IdentitySource and a false flag.
func (s *Service) CreateIdentitySource(ctx context.Context, src domain.IdentitySource) (domain.IdentitySource, presets.Preset, bool) {
	suggestion, detected := presets.DetectFromIssuer(src.IssuerURL)
	created, err := s.repo.CreateIdentitySource(ctx, src)
	if err != nil {
		return domain.IdentitySource{}, suggestion, false
	}
	return created, suggestion, detected
}

func (s *Service) GetIdentitySource(ctx context.Context, storeID, id string) (domain.IdentitySource, error) {
	return s.repo.GetIdentitySource(ctx, storeID, id)
}

func (s *Service) ListIdentitySources(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.IdentitySource], error) {
	return s.repo.ListIdentitySources(ctx, storeID, page)
}

func (s *Service) DeleteIdentitySource(ctx context.Context, storeID, id string) error {
	return s.repo.DeleteIdentitySource(ctx, storeID, id)
}

// --- Data plane ---

func (s *Service) IsAuthorized(ctx context.Context, req decision.Request) (decision.Response, error) {
	return s.engine.IsAuthorized(ctx, req)
}

func (s *Service) BatchIsAuthorized(ctx context.Context, storeID string, reqs []decision.BatchItem) ([]decision.Response, error) {
	return s.engine.BatchIsAuthorized(ctx, storeID, reqs)
}

// IsAuthorizedWithToken is IsAuthorized's token-bearing entry point; the
// engine itself is agnostic between the two, Token being the discriminant.
func (s *Service) IsAuthorizedWithToken(ctx context.Context, req decision.Request) (decision.Response, error) {
	if req.Token == "" {
		return decision.Response{}, pdperr.InvalidArgumentf("IsAuthorizedWithToken requires a bearer token")
	}
	return s.engine.IsAuthorized(ctx, req)
}

// --- Playground (stateless, never persisted) ---

func (s *Service) ValidatePolicy(statement string) playground.ValidationResult {
	return playground.ValidatePolicy(statement)
}

func (s *Service) ValidateSchema(document []byte) playground.ValidationResult {
	return playground.ValidateSchema(document)
}

func (s *Service) TestAuthorization(req playground.TestAuthorizationRequest) (policyengine.Result, error) {
	return playground.TestAuthorization(req)
}

// StatusFor maps any error returned by this facade to the platform-standard
// status taxonomy of §7, for a boundary layer to translate into its own
// wire-level status codes.
func StatusFor(err error) pdperr.Status {
	return pdperr.StatusOf(pdperr.KindOf(err))
}

// --- Batch admin operations (§5 supplemented feature 4) ---

// ItemResult reports one item's outcome within a batch admin call.
type ItemResult struct {
	ID  string
	Err error
}

// BatchCreatePolicies creates each policy independently; per-item failures
// are reported in the result slice, never aborting the remaining items.
func (s *Service) BatchCreatePolicies(ctx context.Context, policies []domain.Policy) []ItemResult {
	out := make([]ItemResult, len(policies))
	for i, p := range policies {
		_, err := s.caches.CreatePolicy(ctx, p)
		out[i] = ItemResult{ID: p.PolicyID, Err: err}
	}
	return out
}

// BatchUpdatePolicies updates each policy independently.
func (s *Service) BatchUpdatePolicies(ctx context.Context, policies []domain.Policy) []ItemResult {
	out := make([]ItemResult, len(policies))
	for i, p := range policies {
		_, err := s.caches.UpdatePolicy(ctx, p)
		out[i] = ItemResult{ID: p.PolicyID, Err: err}
	}
	return out
}

// BatchDeletePolicies deletes each (storeID, policyID) independently.
func (s *Service) BatchDeletePolicies(ctx context.Context, storeID string, policyIDs []string) []ItemResult {
	out := make([]ItemResult, len(policyIDs))
	for i, id := range policyIDs {
		err := s.caches.DeletePolicy(ctx, storeID, id)
		out[i] = ItemResult{ID: id, Err: err}
	}
	return out
}
