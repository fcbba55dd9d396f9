package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/config"
)

func writeProfile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestLoadProfileResolvesKeycloakPreset(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "identity_staff.yaml", `
name: staff
preset: keycloak
issuer_url: https://idp.example/realms/main
audiences: ["api"]
principal_type: User
client_id: web-app
`)

	profile, err := config.LoadProfile(dir, "staff")
	require.NoError(t, err)
	assert.Equal(t, "staff", profile.Name)
	assert.Equal(t, "https://idp.example/realms/main", profile.IssuerURL)

	mapping := profile.ClaimsMapping()
	require.Len(t, mapping.ParentMappings, 2)
	assert.Equal(t, "realm_access.roles", mapping.ParentMappings[0].ClaimPath)
	assert.Equal(t, "resource_access.web-app.roles", mapping.ParentMappings[1].ClaimPath)
}

func TestLoadAllProfilesDerivesNameFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "identity_partners.yaml", `
preset: zitadel
issuer_url: https://auth.example.zitadel.cloud
project_id: proj1
`)

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Contains(t, profiles, "partners")
	assert.Equal(t, "https://auth.example.zitadel.cloud", profiles["partners"].IssuerURL)
}

func TestLoadProfileMissingFileErrors(t *testing.T) {
	_, err := config.LoadProfile(t.TempDir(), "missing")
	require.Error(t, err)
}
