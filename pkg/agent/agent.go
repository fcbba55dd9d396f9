// Package agent implements §4.9's local agent: a read-only replica that
// periodically pulls one store's policies from the central service and
// serves decisions locally against its own in-memory cache, trading
// strict freshness for latency and availability.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
)

// DefaultSyncInterval is used when a deployment does not configure one.
const DefaultSyncInterval = 30 * time.Second

// CentralClient is the narrow capability the agent needs from the central
// service: listing one store's policies and schema. A real deployment
// backs this with an RPC client; tests back it with an in-process
// repository.Repository (which already satisfies this shape). It is
// exactly policyengine.PolicySource, named locally so the agent's public
// API doesn't force callers to import policyengine just to implement it.
type CentralClient = policyengine.PolicySource

// Agent serves decisions against a periodically-refreshed read-only copy
// of one store's policies. Token-based decisions are never supported here
// (the agent carries no JWKS cache).
type Agent struct {
	client  CentralClient
	storeID string
	log     *slog.Logger

	mu    sync.RWMutex
	cache *policyengine.PolicySet

	stop chan struct{}
	done chan struct{}
}

// New connects to client and builds the initial cache for storeID. Per
// §4.9 step 1, this must succeed before the agent is considered started.
func New(ctx context.Context, client CentralClient, storeID string, log *slog.Logger) (*Agent, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Agent{client: client, storeID: storeID, log: log, stop: make(chan struct{}), done: make(chan struct{})}
	if err := a.refresh(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// refresh fetches a complete fresh snapshot and, only on full success,
// atomically swaps it in. A partial or failed fetch never replaces the
// current cache — §4.9 step 3's "never serve against a partially-rebuilt
// cache" guarantee.
func (a *Agent) refresh(ctx context.Context) error {
	next := policyengine.NewPolicySet(a.log)
	if err := next.LoadFromRepository(ctx, a.client, a.storeID); err != nil {
		return err
	}
	a.mu.Lock()
	a.cache = next
	a.mu.Unlock()
	return nil
}

// IsAuthorized evaluates req against the current cached snapshot.
func (a *Agent) IsAuthorized(req *policyengine.Request) policyengine.Result {
	a.mu.RLock()
	cache := a.cache
	a.mu.RUnlock()
	return cache.Evaluate(req)
}

// IsAuthorizedWithToken always fails: the agent carries no JWKS cache.
func (a *Agent) IsAuthorizedWithToken(context.Context, string, *policyengine.Request) (policyengine.Result, error) {
	return policyengine.Result{}, pdperr.Unimplementedf("token-based decisions are not supported by the local agent")
}

// StartSync launches the periodic resync loop of §4.9 step 3. A fetch
// failure is logged and the previous cache is retained.
func (a *Agent) StartSync(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-ticker.C:
				if err := a.refresh(ctx); err != nil {
					a.log.Warn("agent resync failed, retaining current cache", "store", a.storeID, "error", err)
				}
			}
		}
	}()
}

// Stop ends the resync loop and waits for it to exit.
func (a *Agent) Stop() {
	close(a.stop)
	<-a.done
}
