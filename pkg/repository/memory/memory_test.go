package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/repository"
	"github.com/hodei/verified-permissions/pkg/repository/memory"
)

func TestCreateAndGetPolicy(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	store, err := repo.CreateStore(ctx, "test store")
	require.NoError(t, err)

	p, err := repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Statement: `permit(principal, action, resource);`})
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PolicyID)

	got, err := repo.GetPolicy(ctx, store.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Statement, got.Statement)
}

func TestCreatePolicyDuplicateIsAlreadyExists(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	store, _ := repo.CreateStore(ctx, "")

	_, err := repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Statement: "permit(principal, action, resource);"})
	require.NoError(t, err)

	_, err = repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Statement: "permit(principal, action, resource);"})
	require.Error(t, err)
	assert.Equal(t, pdperr.AlreadyExists, pdperr.KindOf(err))
}

func TestDeleteStoreCascades(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	store, _ := repo.CreateStore(ctx, "")
	_, err := repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Statement: "permit(principal, action, resource);"})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteStore(ctx, store.ID))

	_, err = repo.GetStore(ctx, store.ID)
	assert.Equal(t, pdperr.NotFound, pdperr.KindOf(err))

	_, err = repo.GetPolicy(ctx, store.ID, "p1")
	assert.Equal(t, pdperr.NotFound, pdperr.KindOf(err))
}

func TestListPoliciesPagination(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	store, _ := repo.CreateStore(ctx, "")
	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: id, Statement: "permit(principal, action, resource);"})
		require.NoError(t, err)
	}

	page1, err := repo.ListPolicies(ctx, store.ID, repository.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	assert.Equal(t, "a", page1.Items[0].PolicyID)
	assert.NotEmpty(t, page1.NextToken)

	page2, err := repo.ListPolicies(ctx, store.ID, repository.Page{Limit: 2, After: page1.NextToken})
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	assert.Equal(t, "c", page2.Items[0].PolicyID)
	assert.Empty(t, page2.NextToken)
}
