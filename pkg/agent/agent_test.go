package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/agent"
	"github.com/hodei/verified-permissions/pkg/cachemgr"
	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/repository"
	"github.com/hodei/verified-permissions/pkg/repository/memory"
)

// failAfterNClient wraps a real CentralClient but fails ListPolicies from
// the Nth call onward, so StartSync's retain-on-failure path can be
// exercised deterministically.
type failAfterNClient struct {
	agent.CentralClient
	failFrom int
	calls    int
}

func (c *failAfterNClient) ListPolicies(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.Policy], error) {
	c.calls++
	if c.calls >= c.failFrom {
		return repository.PageResult[domain.Policy]{}, pdperr.RepositoryErr(errors.New("simulated outage"), "list policies for store %q", storeID)
	}
	return c.CentralClient.ListPolicies(ctx, storeID, page)
}

func setupStore(t *testing.T) (*memory.Repository, string) {
	t.Helper()
	repo := memory.New()
	caches := cachemgr.New(repo, nil)
	ctx := context.Background()

	store, err := caches.CreatePolicyStore(ctx, "agent replica")
	require.NoError(t, err)

	_, err = caches.CreatePolicy(ctx, domain.Policy{
		StoreID:   store.ID,
		PolicyID:  "p1",
		Type:      domain.PolicyTypeStatic,
		Statement: `permit(principal == User::"alice", action == Action::"view", resource == Photo::"x");`,
	})
	require.NoError(t, err)

	return repo, store.ID
}

func TestNewBuildsInitialCacheFromCentralClient(t *testing.T) {
	repo, storeID := setupStore(t)

	a, err := agent.New(context.Background(), repo, storeID, nil)
	require.NoError(t, err)

	res := a.IsAuthorized(&policyengine.Request{
		Principal: domain.EntityID{Type: "User", ID: "alice"},
		Action:    domain.EntityID{Type: "Action", ID: "view"},
		Resource:  domain.EntityID{Type: "Photo", ID: "x"},
	})
	assert.Equal(t, policyengine.Allow, res.Decision)
}

func TestNewFailsWhenInitialFetchFails(t *testing.T) {
	repo, storeID := setupStore(t)
	client := &failAfterNClient{CentralClient: repo, failFrom: 1}

	_, err := agent.New(context.Background(), client, storeID, nil)
	require.Error(t, err)
}

func TestIsAuthorizedDeniesWithNoMatchingPolicy(t *testing.T) {
	repo, storeID := setupStore(t)
	a, err := agent.New(context.Background(), repo, storeID, nil)
	require.NoError(t, err)

	res := a.IsAuthorized(&policyengine.Request{
		Principal: domain.EntityID{Type: "User", ID: "bob"},
		Action:    domain.EntityID{Type: "Action", ID: "view"},
		Resource:  domain.EntityID{Type: "Photo", ID: "x"},
	})
	assert.Equal(t, policyengine.Deny, res.Decision)
}

func TestIsAuthorizedWithTokenIsUnimplemented(t *testing.T) {
	repo, storeID := setupStore(t)
	a, err := agent.New(context.Background(), repo, storeID, nil)
	require.NoError(t, err)

	_, err = a.IsAuthorizedWithToken(context.Background(), "some-token", &policyengine.Request{})
	require.Error(t, err)
	assert.Equal(t, pdperr.Unimplemented, pdperr.KindOf(err))
}

func TestStartSyncRetainsCacheOnFetchFailure(t *testing.T) {
	repo, storeID := setupStore(t)
	client := &failAfterNClient{CentralClient: repo, failFrom: 2}

	a, err := agent.New(context.Background(), client, storeID, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.StartSync(ctx, 5*time.Millisecond)
	defer a.Stop()

	// Give the resync loop a few ticks to hit the simulated failure; the
	// snapshot taken before New returned must still be served.
	time.Sleep(40 * time.Millisecond)

	res := a.IsAuthorized(&policyengine.Request{
		Principal: domain.EntityID{Type: "User", ID: "alice"},
		Action:    domain.EntityID{Type: "Action", ID: "view"},
		Resource:  domain.EntityID{Type: "Photo", ID: "x"},
	})
	assert.Equal(t, policyengine.Allow, res.Decision)
}

func TestStopEndsResyncLoop(t *testing.T) {
	repo, storeID := setupStore(t)
	a, err := agent.New(context.Background(), repo, storeID, nil)
	require.NoError(t, err)

	a.StartSync(context.Background(), 5*time.Millisecond)
	a.Stop() // must return once the loop has actually exited
}
