// Package cachemgr owns the (storeId -> PolicySet cache) map and
// coordinates repository writes with cache mutation so that, from a
// caller's view, the two never diverge: the repository is committed to
// first, then the cache mirror is updated under its own write lock.
package cachemgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/repository"
)

// Stats is one store's cache stats, tagged with its store id.
type Stats struct {
	StoreID string
	policyengine.Stats
}

// Manager owns the outer (storeId -> *PolicySet) map and mediates every
// control-plane mutation between the repository and the in-memory
// mirrors.
type Manager struct {
	mu     sync.RWMutex
	caches map[string]*policyengine.PolicySet

	repo repository.Repository
	log  *slog.Logger

	stopReload chan struct{}
	reloadOnce sync.Once
}

// New returns a Manager with no caches loaded; call Initialize to
// populate from the repository.
func New(repo repository.Repository, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{caches: make(map[string]*policyengine.PolicySet), repo: repo, log: log}
}

// Initialize lists every store from the repository and loads each cache.
// Individual store load failures are logged and do not abort the others.
func (m *Manager) Initialize(ctx context.Context) error {
	var stores []domain.PolicyStore
	page := repository.Page{Limit: 1000}
	for {
		res, err := m.repo.ListStores(ctx, page)
		if err != nil {
			return pdperr.RepositoryErr(err, "list policy stores")
		}
		stores = append(stores, res.Items...)
		if res.NextToken == "" {
			break
		}
		page.After = res.NextToken
	}

	loaded, failed := 0, 0
	newCaches := make(map[string]*policyengine.PolicySet, len(stores))
	for _, s := range stores {
		ps := policyengine.NewPolicySet(m.log)
		if err := ps.LoadFromRepository(ctx, m.repo, s.ID); err != nil {
			m.log.Warn("failed to load policy store cache", "store", s.ID, "error", err)
			failed++
			continue
		}
		newCaches[s.ID] = ps
		loaded++
	}

	m.mu.Lock()
	m.caches = newCaches
	m.mu.Unlock()

	m.log.Info("cache manager initialized", "loaded", loaded, "failed", failed)
	return nil
}

// GetCache returns the cache for storeID, NotFound if absent.
func (m *Manager) GetCache(storeID string) (*policyengine.PolicySet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.caches[storeID]
	if !ok {
		return nil, pdperr.NotFoundf("policy store %q not found", storeID)
	}
	return ps, nil
}

// CreatePolicyStore commits to the repository then registers an empty
// cache for the new store.
func (m *Manager) CreatePolicyStore(ctx context.Context, description string) (domain.PolicyStore, error) {
	store, err := m.repo.CreateStore(ctx, description)
	if err != nil {
		return domain.PolicyStore{}, err
	}
	m.mu.Lock()
	m.caches[store.ID] = policyengine.NewPolicySet(m.log)
	m.mu.Unlock()
	return store, nil
}

// DeletePolicyStore commits to the repository then removes the cache
// entry.
func (m *Manager) DeletePolicyStore(ctx context.Context, id string) error {
	if err := m.repo.DeleteStore(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.caches, id)
	m.mu.Unlock()
	return nil
}

// PutSchema commits to the repository then mirrors the schema into the
// store's cache.
func (m *Manager) PutSchema(ctx context.Context, storeID string, document []byte) (domain.Schema, error) {
	if err := policyengine.ValidateSchemaDocument(document); err != nil {
		return domain.Schema{}, pdperr.InvalidSchemaf("%v", err)
	}
	schema, err := m.repo.PutSchema(ctx, storeID, document)
	if err != nil {
		return domain.Schema{}, err
	}
	ps, err := m.GetCache(storeID)
	if err != nil {
		return schema, nil // repository succeeded; cache will self-heal on next reload
	}
	if err := ps.UpdateSchema(storeID, document); err != nil {
		m.log.Warn("schema committed but cache mirror update failed", "store", storeID, "error", err)
	}
	return schema, nil
}

// DeleteSchema commits to the repository then clears the cache mirror.
func (m *Manager) DeleteSchema(ctx context.Context, storeID string) error {
	if err := m.repo.DeleteSchema(ctx, storeID); err != nil {
		return err
	}
	if ps, err := m.GetCache(storeID); err == nil {
		ps.RemoveSchema()
	}
	return nil
}

// CreatePolicy commits to the repository then adds the parsed statement
// to the store's cache.
func (m *Manager) CreatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if _, err := policyengine.Parse(p.Statement); err != nil {
		return domain.Policy{}, err
	}
	created, err := m.repo.CreatePolicy(ctx, p)
	if err != nil {
		return domain.Policy{}, err
	}
	ps, err := m.GetCache(p.StoreID)
	if err != nil {
		return created, nil
	}
	if err := ps.AddPolicy(created.PolicyID, created.Statement); err != nil {
		m.log.Warn("policy committed but cache mirror add failed", "store", p.StoreID, "policy", p.PolicyID, "error", err)
	}
	return created, nil
}

// UpdatePolicy commits to the repository then replaces the cached
// statement in place, preserving its position in iteration order.
func (m *Manager) UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if _, err := policyengine.Parse(p.Statement); err != nil {
		return domain.Policy{}, err
	}
	updated, err := m.repo.UpdatePolicy(ctx, p)
	if err != nil {
		return domain.Policy{}, err
	}
	ps, err := m.GetCache(p.StoreID)
	if err != nil {
		return updated, nil
	}
	if err := ps.ReplacePolicy(updated.PolicyID, updated.Statement); err != nil {
		m.log.Warn("policy committed but cache mirror update failed", "store", p.StoreID, "policy", p.PolicyID, "error", err)
	}
	return updated, nil
}

// DeletePolicy commits to the repository then removes the cached entry.
func (m *Manager) DeletePolicy(ctx context.Context, storeID, policyID string) error {
	if err := m.repo.DeletePolicy(ctx, storeID, policyID); err != nil {
		return err
	}
	if ps, err := m.GetCache(storeID); err == nil {
		ps.RemovePolicy(policyID)
	}
	return nil
}

// ReloadCache reloads a single store's cache from the repository.
func (m *Manager) ReloadCache(ctx context.Context, storeID string) error {
	ps := policyengine.NewPolicySet(m.log)
	if err := ps.LoadFromRepository(ctx, m.repo, storeID); err != nil {
		return err
	}
	m.mu.Lock()
	m.caches[storeID] = ps
	m.mu.Unlock()
	return nil
}

// ReloadAllCaches wholesale refreshes every cache, best-effort.
func (m *Manager) ReloadAllCaches(ctx context.Context) error {
	return m.Initialize(ctx)
}

// VerifyCacheIntegrity reports whether storeID's live cache still matches
// the repository's current content, by loading a fresh PolicySet directly
// from the repository (never swapped into m.caches) and comparing content
// digests. A false result means the live cache has drifted from the
// repository, e.g. from a write that bypassed the manager.
func (m *Manager) VerifyCacheIntegrity(ctx context.Context, storeID string) (bool, error) {
	live, err := m.GetCache(storeID)
	if err != nil {
		return false, err
	}
	fresh := policyengine.NewPolicySet(m.log)
	if err := fresh.LoadFromRepository(ctx, m.repo, storeID); err != nil {
		return false, err
	}
	return live.Digest() == fresh.Digest(), nil
}

// checkDrift verifies every currently-cached store against the repository
// and logs any mismatch found. Best-effort: a per-store verification
// failure is logged and does not abort the remaining stores.
func (m *Manager) checkDrift(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.caches))
	for id := range m.caches {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		ok, err := m.VerifyCacheIntegrity(ctx, id)
		if err != nil {
			m.log.Warn("cache drift check failed", "store", id, "error", err)
			continue
		}
		if !ok {
			m.log.Warn("cache drift detected, reload will resync", "store", id)
		}
	}
}

// Stats returns a snapshot of every cache's stats.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.caches))
	for id, ps := range m.caches {
		out = append(out, Stats{StoreID: id, Stats: ps.Stats()})
	}
	return out
}

// CacheCount returns the number of stores currently cached.
func (m *Manager) CacheCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.caches)
}

// StartBackgroundReload launches the §4.3 reload task: every interval,
// ReloadAllCaches runs to absorb out-of-band repository mutation. interval
// <= 0 disables the task (a no-op). Stop via the returned function or
// ctx cancellation.
func (m *Manager) StartBackgroundReload(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.checkDrift(ctx)
				if err := m.ReloadAllCaches(ctx); err != nil {
					m.log.Warn("background cache reload failed", "error", err)
				}
			}
		}
	}()
	return func() { close(stopCh) }
}

