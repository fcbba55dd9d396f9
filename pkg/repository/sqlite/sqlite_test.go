package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/repository/sqlite"
)

func TestCreatePolicyAndCascadeDelete(t *testing.T) {
	repo, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	store, err := repo.CreateStore(ctx, "test")
	require.NoError(t, err)

	_, err = repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Type: domain.PolicyTypeStatic, Statement: "permit(principal, action, resource);"})
	require.NoError(t, err)

	_, err = repo.CreatePolicy(ctx, domain.Policy{StoreID: store.ID, PolicyID: "p1", Type: domain.PolicyTypeStatic, Statement: "permit(principal, action, resource);"})
	require.Error(t, err)
	assert.Equal(t, pdperr.AlreadyExists, pdperr.KindOf(err))

	require.NoError(t, repo.DeleteStore(ctx, store.ID))

	_, err = repo.GetPolicy(ctx, store.ID, "p1")
	assert.Equal(t, pdperr.NotFound, pdperr.KindOf(err))
}

func TestPutSchemaUpsert(t *testing.T) {
	repo, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	store, err := repo.CreateStore(ctx, "")
	require.NoError(t, err)

	_, err = repo.PutSchema(ctx, store.ID, []byte(`{"entityTypes":{}}`))
	require.NoError(t, err)

	s, err := repo.PutSchema(ctx, store.ID, []byte(`{"entityTypes":{"User":{}}}`))
	require.NoError(t, err)
	assert.Contains(t, string(s.Document), "User")

	got, err := repo.GetSchema(ctx, store.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Document, got.Document)
}
