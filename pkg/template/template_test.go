package template_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/cachemgr"
	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/policyengine"
	"github.com/hodei/verified-permissions/pkg/repository/memory"
	"github.com/hodei/verified-permissions/pkg/template"
)

// E4 — instantiating a template with both placeholders filled produces an
// immediately-evaluable policy.
func TestInstantiateFillsBothPlaceholders(t *testing.T) {
	repo := memory.New()
	mgr := cachemgr.New(repo, nil)
	ctx := context.Background()

	store, err := mgr.CreatePolicyStore(ctx, "s")
	require.NoError(t, err)

	_, err = template.CreateTemplate(ctx, repo, domain.PolicyTemplate{
		StoreID:    store.ID,
		TemplateID: "t1",
		Statement:  `permit(principal == ?principal, action == Action::"view", resource == ?resource);`,
	})
	require.NoError(t, err)

	inst := template.New(repo, mgr)
	principal := domain.EntityID{Type: "User", ID: "alice"}
	resource := domain.EntityID{Type: "Photo", ID: "vacation.jpg"}

	policy, err := inst.Instantiate(ctx, store.ID, "t1", "p1", &principal, &resource)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyTypeTemplateLinked, policy.Type)
	require.NotNil(t, policy.Link)
	assert.Equal(t, "t1", policy.Link.TemplateID)

	cache, err := mgr.GetCache(store.ID)
	require.NoError(t, err)
	result := cache.Evaluate(&policyengine.Request{
		Principal: principal,
		Action:    domain.EntityID{Type: "Action", ID: "view"},
		Resource:  resource,
	})
	assert.Equal(t, policyengine.Allow, result.Decision)
}

func TestInstantiateFailsOnUnfilledPlaceholder(t *testing.T) {
	repo := memory.New()
	mgr := cachemgr.New(repo, nil)
	ctx := context.Background()

	store, err := mgr.CreatePolicyStore(ctx, "s")
	require.NoError(t, err)
	_, err = template.CreateTemplate(ctx, repo, domain.PolicyTemplate{
		StoreID:    store.ID,
		TemplateID: "t1",
		Statement:  `permit(principal == ?principal, action == Action::"view", resource == ?resource);`,
	})
	require.NoError(t, err)

	inst := template.New(repo, mgr)
	principal := domain.EntityID{Type: "User", ID: "alice"}

	_, err = inst.Instantiate(ctx, store.ID, "t1", "p1", &principal, nil)
	require.Error(t, err)
	assert.Equal(t, pdperr.InvalidTemplate, pdperr.KindOf(err))
}

func TestCreateTemplateRejectsNoPlaceholder(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	_, err := template.CreateTemplate(ctx, repo, domain.PolicyTemplate{
		StoreID:    "s1",
		TemplateID: "t1",
		Statement:  `permit(principal, action, resource);`,
	})
	require.Error(t, err)
	assert.Equal(t, pdperr.InvalidTemplate, pdperr.KindOf(err))
}
