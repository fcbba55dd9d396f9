// Package decision implements §4.7, the hot-path decision engine:
// resolves the per-store cache, optionally validates and projects a
// token-derived principal, parses the request context, evaluates against
// the cached PolicySet, and emits a best-effort audit record.
package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hodei/verified-permissions/pkg/cachemgr"
	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/projector"
	"github.com/hodei/verified-permissions/pkg/tokenvalidator"
)

// IdentitySourceResolver looks up an identity source's token-validation
// and projection configuration by id.
type IdentitySourceResolver interface {
	GetIdentitySource(ctx context.Context, storeID, id string) (domain.IdentitySource, error)
}

// AuditSink accepts decision audit records, best-effort. Implementations
// must never block the decision path (see pkg/audit).
type AuditSink interface {
	Record(ctx context.Context, record domain.AuditRecord)
}

// Metrics receives per-decision outcome and latency. *observability.Provider
// satisfies this.
type Metrics interface {
	RecordDecision(ctx context.Context, storeID string, decision string, duration time.Duration)
}

// Engine wires together the pieces needed to answer IsAuthorized.
type Engine struct {
	caches    *cachemgr.Manager
	sources   IdentitySourceResolver
	validator *tokenvalidator.Validator
	audit     AuditSink
	metrics   Metrics
	log       *slog.Logger
}

// New returns an Engine. validator, audit, and metrics may be nil when the
// deployment never serves token-based decisions (e.g. the local agent) or
// runs without an observability backend.
func New(caches *cachemgr.Manager, sources IdentitySourceResolver, validator *tokenvalidator.Validator, audit AuditSink, metrics Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{caches: caches, sources: sources, validator: validator, audit: audit, metrics: metrics, log: log}
}

// Request is one IsAuthorized call's input.
type Request struct {
	StoreID          string
	Token            string // optional
	IdentitySourceID string // required if Token is set
	Principal        domain.EntityID
	Action           domain.EntityID
	Resource         domain.EntityID
	Context          json.RawMessage // optional, {} if absent
	SuppliedEntities []domain.Entity
}

// Response is the RPC-facing decision shape of §6.
type Response struct {
	Decision            policyengine.Decision
	DeterminingPolicies []string
	Errors              []string
}

// IsAuthorized implements the full §4.7 algorithm for one request.
func (e *Engine) IsAuthorized(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	cache, err := e.caches.GetCache(req.StoreID)
	if err != nil {
		return Response{}, err
	}

	entities := entitiesMap(req.SuppliedEntities)
	principal := req.Principal
	var identitySourceID string
	requestKind := domain.AuditRequestDirect

	if req.Token != "" {
		requestKind = domain.AuditRequestToken
		identitySourceID = req.IdentitySourceID
		if e.validator == nil || e.sources == nil {
			return Response{}, pdperr.Unimplementedf("token-based decisions are not available in this deployment mode")
		}
		source, err := e.sources.GetIdentitySource(ctx, req.StoreID, req.IdentitySourceID)
		if err != nil {
			return Response{}, err
		}
		claims, err := e.validator.Validate(ctx, req.Token, source.IssuerURL, source.Audiences)
		if err != nil {
			return Response{}, err
		}
		principalType := source.PrincipalType
		if principalType == "" {
			principalType = "User"
		}
		projected, err := projector.Project(claims, source.ClaimsMapping, principalType)
		if err != nil {
			return Response{}, err
		}
		// Projected principal REPLACES any caller-supplied principal;
		// projected entities are merged last so they win on id collision.
		principal = projected.Principal.ID
		entities[projected.Principal.ID] = projected.Principal
		for _, ent := range projected.Entities {
			entities[ent.ID] = ent
		}
	}

	context, err := parseContext(req.Context)
	if err != nil {
		return Response{}, pdperr.InvalidArgumentf("malformed context document: %v", err)
	}

	evalReq := &policyengine.Request{
		Principal: principal,
		Action:    req.Action,
		Resource:  req.Resource,
		Context:   context,
		Entities:  entities,
	}
	result := cache.Evaluate(evalReq)

	e.emitAudit(ctx, req.StoreID, principal, req.Action, req.Resource, result, requestKind, identitySourceID)
	if e.metrics != nil {
		e.metrics.RecordDecision(ctx, req.StoreID, string(result.Decision), time.Since(start))
	}

	return Response{Decision: result.Decision, DeterminingPolicies: result.DeterminingPolicies, Errors: result.Errors}, nil
}

// BatchIsAuthorized evaluates every request in reqs against one store's
// cache. The cache is looked up once, but each item's evaluation takes the
// cache's read lock separately, so a write that lands mid-batch is visible
// to the items evaluated after it. Per-item failures surface as Deny
// with a synthetic error message; only UnknownStore fails the whole call.
func (e *Engine) BatchIsAuthorized(ctx context.Context, storeID string, reqs []BatchItem) ([]Response, error) {
	cache, err := e.caches.GetCache(storeID)
	if err != nil {
		return nil, err
	}

	out := make([]Response, len(reqs))
	for i, item := range reqs {
		start := time.Now()
		context, err := parseContext(item.Context)
		if err != nil {
			out[i] = Response{Decision: policyengine.Deny, DeterminingPolicies: []string{}, Errors: []string{err.Error()}}
			continue
		}
		evalReq := &policyengine.Request{
			Principal: item.Principal,
			Action:    item.Action,
			Resource:  item.Resource,
			Context:   context,
			Entities:  entitiesMap(item.SuppliedEntities),
		}
		result := cache.Evaluate(evalReq)
		e.emitAudit(ctx, storeID, item.Principal, item.Action, item.Resource, result, domain.AuditRequestDirect, "")
		if e.metrics != nil {
			e.metrics.RecordDecision(ctx, storeID, string(result.Decision), time.Since(start))
		}
		out[i] = Response{Decision: result.Decision, DeterminingPolicies: result.DeterminingPolicies, Errors: result.Errors}
	}
	return out, nil
}

// BatchItem is one request within a BatchIsAuthorized call.
type BatchItem struct {
	Principal        domain.EntityID
	Action           domain.EntityID
	Resource         domain.EntityID
	Context          json.RawMessage
	SuppliedEntities []domain.Entity
}

func (e *Engine) emitAudit(ctx context.Context, storeID string, principal, action, resource domain.EntityID, result policyengine.Result, kind domain.AuditRequestKind, identitySourceID string) {
	if e.audit == nil {
		return
	}
	record := domain.AuditRecord{
		EventID:             uuid.NewString(),
		Timestamp:           time.Now().UTC(),
		StoreID:             storeID,
		PrincipalID:         principal.String(),
		ActionID:            action.String(),
		ResourceID:          resource.String(),
		Decision:            string(result.Decision),
		DeterminingPolicies: result.DeterminingPolicies,
		EvaluationErrors:    result.Errors,
		RequestKind:         kind,
		IdentitySourceID:    identitySourceID,
	}
	// Fire-and-forget: decision latency must not depend on audit sink
	// availability (§4.7 step 7, §9 audit path isolation).
	go e.audit.Record(ctx, record)
}

func entitiesMap(entities []domain.Entity) map[domain.EntityID]domain.Entity {
	out := make(map[domain.EntityID]domain.Entity, len(entities))
	for _, ent := range entities {
		out[ent.ID] = ent
	}
	return out
}

func parseContext(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
