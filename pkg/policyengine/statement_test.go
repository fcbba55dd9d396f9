package policyengine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/policyengine"
)

func mustParse(t *testing.T, text string) *policyengine.Statement {
	t.Helper()
	stmt, err := policyengine.Parse(text)
	require.NoError(t, err)
	return stmt
}

func TestParseBasicPermit(t *testing.T) {
	stmt := mustParse(t, `permit(principal == User::"alice", action == Action::"view", resource == Document::"doc123");`)
	assert.Equal(t, policyengine.EffectPermit, stmt.Effect)
	assert.Equal(t, policyengine.ScopeEq, stmt.Principal.Kind)
	assert.Equal(t, domain.EntityID{Type: "User", ID: "alice"}, stmt.Principal.Entity)
	assert.Equal(t, policyengine.ScopeEq, stmt.Resource.Kind)
}

func TestParseUnconstrainedResource(t *testing.T) {
	stmt := mustParse(t, `permit(principal == User::"alice", action == Action::"view", resource);`)
	assert.Equal(t, policyengine.ScopeAny, stmt.Resource.Kind)
}

func TestParseInConstraint(t *testing.T) {
	stmt := mustParse(t, `permit(principal in Role::"admin", action, resource);`)
	assert.Equal(t, policyengine.ScopeIn, stmt.Principal.Kind)
	assert.Equal(t, policyengine.ScopeAny, stmt.Action.Kind)
}

func TestParseWhenCondition(t *testing.T) {
	stmt := mustParse(t, `permit(principal, action, resource) when { resource.owner == principal.id };`)
	assert.Equal(t, `resource.owner == principal.id`, stmt.ConditionSource)
}

func TestParseRejectsBadEffect(t *testing.T) {
	_, err := policyengine.Parse(`allow(principal, action, resource);`)
	require.Error(t, err)
}

func TestParseRejectsWrongClauseCount(t *testing.T) {
	_, err := policyengine.Parse(`permit(principal, action);`)
	require.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.ElementsMatch(t, []string{"?principal", "?resource"},
		policyengine.Placeholders(`permit(principal == ?principal, action, resource == ?resource);`))
	assert.Empty(t, policyengine.Placeholders(`permit(principal, action, resource);`))
}
