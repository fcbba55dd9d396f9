package projector_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/projector"
	"github.com/hodei/verified-permissions/pkg/projector/presets"
	"github.com/hodei/verified-permissions/pkg/tokenvalidator"
)

func claimsOf(m map[string]any) tokenvalidator.Claims {
	mc := jwt.MapClaims{}
	for k, v := range m {
		mc[k] = v
	}
	return tokenvalidator.Claims{Raw: mc, Sub: m["sub"].(string)}
}

// E5 — token path: groups claim projects to Role parents.
func TestProjectGroupsToRoleParents(t *testing.T) {
	cfg := &domain.ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
		ParentMappings: []domain.ParentMapping{
			{ClaimPath: "groups", EntityType: "Role"},
		},
	}
	claims := claimsOf(map[string]any{"sub": "u1", "groups": []any{"admin"}})

	res, err := projector.Project(claims, cfg, "User")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityID{Type: "User", ID: "u1"}, res.Principal.ID)
	require.Len(t, res.Principal.Parents, 1)
	assert.Equal(t, domain.EntityID{Type: "Role", ID: "admin"}, res.Principal.Parents[0])
}

func TestProjectMissingRequiredClaim(t *testing.T) {
	cfg := &domain.ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
		RequiredClaims:       []string{"org_id"},
	}
	claims := claimsOf(map[string]any{"sub": "u1"})
	_, err := projector.Project(claims, cfg, "User")
	require.Error(t, err)
}

func TestProjectSplitLastTransformKeycloakGroupPath(t *testing.T) {
	cfg := &domain.ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
		ParentMappings: []domain.ParentMapping{
			{ClaimPath: "groups", EntityType: "Role", Transform: domain.TransformSplitLast, Separator: "/"},
		},
	}
	claims := claimsOf(map[string]any{"sub": "u1", "groups": []any{"/eng/platform"}})
	res, err := projector.Project(claims, cfg, "User")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityID{Type: "Role", ID: "platform"}, res.Principal.Parents[0])
}

func TestProjectZitadelRolesByProject(t *testing.T) {
	cfg := presets.NewZitadelMapping("proj1")
	claims := claimsOf(map[string]any{
		"sub": "u1",
		"urn:zitadel:iam:org:project:roles": map[string]any{
			"admin": map[string]any{"proj1": "myorg"},
			"viewer": map[string]any{"proj2": "otherorg"},
		},
	})
	res, err := projector.Project(claims, cfg, "User")
	require.NoError(t, err)
	require.Len(t, res.Principal.Parents, 1)
	assert.Equal(t, domain.EntityID{Type: "Role", ID: "admin"}, res.Principal.Parents[0])
}

func TestDetectFromIssuer(t *testing.T) {
	p, ok := presets.DetectFromIssuer("https://auth.example.zitadel.cloud")
	assert.True(t, ok)
	assert.Equal(t, presets.PresetZitadel, p)

	p, ok = presets.DetectFromIssuer("https://idp.example/realms/main")
	assert.True(t, ok)
	assert.Equal(t, presets.PresetKeycloak, p)

	_, ok = presets.DetectFromIssuer("https://unknown.example/")
	assert.False(t, ok)
}
