// Package memory is an in-process reference implementation of the
// repository port, used by the binaries' in-process default, local-agent
// bootstrapping, and unit tests that do not need a live database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/repository"
)

type storeRecord struct {
	store      domain.PolicyStore
	schema     *domain.Schema
	policies   map[string]domain.Policy
	policyIDs  []string // creation order
	templates  map[string]domain.PolicyTemplate
	templateIDs []string
	sources    map[string]domain.IdentitySource
	sourceIDs  []string
}

// Repository is a mutex-guarded map of stores; it satisfies
// repository.Repository.
type Repository struct {
	mu     sync.RWMutex
	stores map[string]*storeRecord
	audit  []domain.AuditRecord
}

// New returns an empty in-memory repository.
func New() *Repository {
	return &Repository{stores: make(map[string]*storeRecord)}
}

func (r *Repository) CreateStore(_ context.Context, description string) (domain.PolicyStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	s := domain.PolicyStore{ID: uuid.NewString(), Description: description, CreatedAt: now, UpdatedAt: now}
	r.stores[s.ID] = &storeRecord{
		store:     s,
		policies:  make(map[string]domain.Policy),
		templates: make(map[string]domain.PolicyTemplate),
		sources:   make(map[string]domain.IdentitySource),
	}
	return s, nil
}

func (r *Repository) GetStore(_ context.Context, id string) (domain.PolicyStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[id]
	if !ok {
		return domain.PolicyStore{}, pdperr.NotFoundf("policy store %q not found", id)
	}
	return rec.store, nil
}

func (r *Repository) ListStores(_ context.Context, page repository.Page) (repository.PageResult[domain.PolicyStore], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]domain.PolicyStore, 0, len(ids))
	for _, id := range ids {
		items = append(items, r.stores[id].store)
	}
	return paginate(items, page, func(s domain.PolicyStore) string { return s.ID })
}

func (r *Repository) DeleteStore(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[id]; !ok {
		return pdperr.NotFoundf("policy store %q not found", id)
	}
	delete(r.stores, id)
	kept := r.audit[:0]
	for _, a := range r.audit {
		if a.StoreID != id {
			kept = append(kept, a)
		}
	}
	r.audit = kept
	return nil
}

func (r *Repository) PutSchema(_ context.Context, storeID string, document []byte) (domain.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return domain.Schema{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	now := time.Now().UTC()
	s := domain.Schema{StoreID: storeID, Document: document, UpdatedAt: now}
	if rec.schema != nil {
		s.CreatedAt = rec.schema.CreatedAt
	} else {
		s.CreatedAt = now
	}
	rec.schema = &s
	return s, nil
}

func (r *Repository) GetSchema(_ context.Context, storeID string) (domain.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return domain.Schema{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	if rec.schema == nil {
		return domain.Schema{}, pdperr.NotFoundf("schema not set for store %q", storeID)
	}
	return *rec.schema, nil
}

func (r *Repository) DeleteSchema(_ context.Context, storeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return pdperr.NotFoundf("policy store %q not found", storeID)
	}
	rec.schema = nil
	return nil
}

func (r *Repository) CreatePolicy(_ context.Context, p domain.Policy) (domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[p.StoreID]
	if !ok {
		return domain.Policy{}, pdperr.NotFoundf("policy store %q not found", p.StoreID)
	}
	if _, exists := rec.policies[p.PolicyID]; exists {
		return domain.Policy{}, pdperr.AlreadyExistsf("policy %q already exists in store %q", p.PolicyID, p.StoreID)
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	rec.policies[p.PolicyID] = p
	rec.policyIDs = append(rec.policyIDs, p.PolicyID)
	return p, nil
}

func (r *Repository) GetPolicy(_ context.Context, storeID, policyID string) (domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return domain.Policy{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	p, ok := rec.policies[policyID]
	if !ok {
		return domain.Policy{}, pdperr.NotFoundf("policy %q not found in store %q", policyID, storeID)
	}
	return p, nil
}

func (r *Repository) ListPolicies(_ context.Context, storeID string, page repository.Page) (repository.PageResult[domain.Policy], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return repository.PageResult[domain.Policy]{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	items := make([]domain.Policy, 0, len(rec.policyIDs))
	for _, id := range rec.policyIDs {
		items = append(items, rec.policies[id])
	}
	return paginate(items, page, func(p domain.Policy) string { return p.PolicyID })
}

func (r *Repository) UpdatePolicy(_ context.Context, p domain.Policy) (domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[p.StoreID]
	if !ok {
		return domain.Policy{}, pdperr.NotFoundf("policy store %q not found", p.StoreID)
	}
	existing, ok := rec.policies[p.PolicyID]
	if !ok {
		return domain.Policy{}, pdperr.NotFoundf("policy %q not found in store %q", p.PolicyID, p.StoreID)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	rec.policies[p.PolicyID] = p
	return p, nil
}

func (r *Repository) DeletePolicy(_ context.Context, storeID, policyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return pdperr.NotFoundf("policy store %q not found", storeID)
	}
	if _, ok := rec.policies[policyID]; !ok {
		return pdperr.NotFoundf("policy %q not found in store %q", policyID, storeID)
	}
	delete(rec.policies, policyID)
	rec.policyIDs = removeString(rec.policyIDs, policyID)
	return nil
}

func (r *Repository) CreateTemplate(_ context.Context, t domain.PolicyTemplate) (domain.PolicyTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[t.StoreID]
	if !ok {
		return domain.PolicyTemplate{}, pdperr.NotFoundf("policy store %q not found", t.StoreID)
	}
	if _, exists := rec.templates[t.TemplateID]; exists {
		return domain.PolicyTemplate{}, pdperr.AlreadyExistsf("template %q already exists in store %q", t.TemplateID, t.StoreID)
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	rec.templates[t.TemplateID] = t
	rec.templateIDs = append(rec.templateIDs, t.TemplateID)
	return t, nil
}

func (r *Repository) GetTemplate(_ context.Context, storeID, templateID string) (domain.PolicyTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return domain.PolicyTemplate{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	t, ok := rec.templates[templateID]
	if !ok {
		return domain.PolicyTemplate{}, pdperr.NotFoundf("template %q not found in store %q", templateID, storeID)
	}
	return t, nil
}

func (r *Repository) ListTemplates(_ context.Context, storeID string, page repository.Page) (repository.PageResult[domain.PolicyTemplate], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return repository.PageResult[domain.PolicyTemplate]{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	items := make([]domain.PolicyTemplate, 0, len(rec.templateIDs))
	for _, id := range rec.templateIDs {
		items = append(items, rec.templates[id])
	}
	return paginate(items, page, func(t domain.PolicyTemplate) string { return t.TemplateID })
}

func (r *Repository) DeleteTemplate(_ context.Context, storeID, templateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return pdperr.NotFoundf("policy store %q not found", storeID)
	}
	if _, ok := rec.templates[templateID]; !ok {
		return pdperr.NotFoundf("template %q not found in store %q", templateID, storeID)
	}
	delete(rec.templates, templateID)
	rec.templateIDs = removeString(rec.templateIDs, templateID)
	return nil
}

func (r *Repository) CreateIdentitySource(_ context.Context, s domain.IdentitySource) (domain.IdentitySource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[s.StoreID]
	if !ok {
		return domain.IdentitySource{}, pdperr.NotFoundf("policy store %q not found", s.StoreID)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := rec.sources[s.ID]; exists {
		return domain.IdentitySource{}, pdperr.AlreadyExistsf("identity source %q already exists", s.ID)
	}
	s.CreatedAt = time.Now().UTC()
	rec.sources[s.ID] = s
	rec.sourceIDs = append(rec.sourceIDs, s.ID)
	return s, nil
}

func (r *Repository) GetIdentitySource(_ context.Context, storeID, id string) (domain.IdentitySource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return domain.IdentitySource{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	s, ok := rec.sources[id]
	if !ok {
		return domain.IdentitySource{}, pdperr.NotFoundf("identity source %q not found", id)
	}
	return s, nil
}

func (r *Repository) ListIdentitySources(_ context.Context, storeID string, page repository.Page) (repository.PageResult[domain.IdentitySource], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return repository.PageResult[domain.IdentitySource]{}, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	items := make([]domain.IdentitySource, 0, len(rec.sourceIDs))
	for _, id := range rec.sourceIDs {
		items = append(items, rec.sources[id])
	}
	return paginate(items, page, func(s domain.IdentitySource) string { return s.ID })
}

func (r *Repository) DeleteIdentitySource(_ context.Context, storeID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.stores[storeID]
	if !ok {
		return pdperr.NotFoundf("policy store %q not found", storeID)
	}
	if _, ok := rec.sources[id]; !ok {
		return pdperr.NotFoundf("identity source %q not found", id)
	}
	delete(rec.sources, id)
	rec.sourceIDs = removeString(rec.sourceIDs, id)
	return nil
}

func (r *Repository) AppendAudit(_ context.Context, record domain.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.EventID == "" {
		record.EventID = uuid.NewString()
	}
	r.audit = append(r.audit, record)
	return nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func paginate[T any](items []T, page repository.Page, keyOf func(T) string) (repository.PageResult[T], error) {
	start := 0
	if page.After != "" {
		for i, it := range items {
			if keyOf(it) == page.After {
				start = i + 1
				break
			}
		}
	}
	if start >= len(items) {
		return repository.PageResult[T]{Items: []T{}}, nil
	}
	end := len(items)
	limit := page.Limit
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := append([]T{}, items[start:end]...)
	next := ""
	if end < len(items) {
		next = keyOf(items[end-1])
	}
	return repository.PageResult[T]{Items: out, NextToken: next}, nil
}
