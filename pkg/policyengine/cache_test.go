package policyengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/repository/memory"
)

func TestPolicySetLoadFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	store, err := repo.CreateStore(ctx, "")
	require.NoError(t, err)

	_, err = repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Statement: `permit(principal == User::"alice", action, resource);`})
	require.NoError(t, err)
	_, err = repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "bad", Statement: `not a policy`})
	require.NoError(t, err)

	ps := policyengine.NewPolicySet(nil)
	require.NoError(t, ps.LoadFromRepository(ctx, repo, store.ID))

	stats := ps.Stats()
	assert.Equal(t, 1, stats.PolicyCount, "malformed policy should be skipped, not fail the whole load")
	assert.ElementsMatch(t, []string{"p1"}, ps.PolicyIDs())
}

func TestPolicySetAddRemovePolicy(t *testing.T) {
	ps := policyengine.NewPolicySet(nil)
	require.NoError(t, ps.AddPolicy("p1", `permit(principal == User::"alice", action, resource);`))
	assert.Equal(t, 1, ps.Stats().PolicyCount)

	err := ps.AddPolicy("p1", `permit(principal, action, resource);`)
	require.Error(t, err)

	ps.RemovePolicy("p1")
	assert.Equal(t, 0, ps.Stats().PolicyCount)
}

func TestPolicySetEvaluateReflectsMutation(t *testing.T) {
	ps := policyengine.NewPolicySet(nil)
	req := &policyengine.Request{
		Principal: domain.EntityID{Type: "User", ID: "alice"},
		Action:    domain.EntityID{Type: "Action", ID: "view"},
		Resource:  domain.EntityID{Type: "Document", ID: "doc1"},
	}
	assert.Equal(t, policyengine.Deny, ps.Evaluate(req).Decision)

	require.NoError(t, ps.AddPolicy("p1", `permit(principal == User::"alice", action, resource);`))
	assert.Equal(t, policyengine.Allow, ps.Evaluate(req).Decision)

	ps.RemovePolicy("p1")
	assert.Equal(t, policyengine.Deny, ps.Evaluate(req).Decision)
}

func TestPolicySetDigestChangesOnMutationAndConvergesAcrossLoads(t *testing.T) {
	ps := policyengine.NewPolicySet(nil)
	empty := ps.Digest()

	require.NoError(t, ps.AddPolicy("p1", `permit(principal == User::"alice", action, resource);`))
	afterAdd := ps.Digest()
	assert.NotEqual(t, empty, afterAdd, "digest must change once a policy is added")

	require.NoError(t, ps.ReplacePolicy("p1", `permit(principal == User::"bob", action, resource);`))
	afterReplace := ps.Digest()
	assert.NotEqual(t, afterAdd, afterReplace, "digest must change when a policy's text changes")

	ps.RemovePolicy("p1")
	assert.Equal(t, empty, ps.Digest(), "digest must return to its empty value once the policy is removed")

	ctx := context.Background()
	repo := memory.New()
	store, err := repo.CreateStore(ctx, "")
	require.NoError(t, err)
	_, err = repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Statement: `permit(principal == User::"alice", action, resource);`})
	require.NoError(t, err)

	first := policyengine.NewPolicySet(nil)
	require.NoError(t, first.LoadFromRepository(ctx, repo, store.ID))
	second := policyengine.NewPolicySet(nil)
	require.NoError(t, second.LoadFromRepository(ctx, repo, store.ID))
	assert.Equal(t, first.Digest(), second.Digest(), "independent loads of identical repository state must converge to the same digest")
}
