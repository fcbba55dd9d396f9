// Package presets provides the optional provider conveniences named in
// §4.6: default ClaimsMappingConfigurations for Keycloak, Zitadel, and
// Cognito, plus opportunistic (never authoritative) issuer auto-detection
// using each provider's known issuer URL conventions.
package presets

import (
	"strings"

	"github.com/hodei/verified-permissions/pkg/domain"
)

// NewKeycloakMapping builds a mapping that projects both realm-level roles
// (realm_access.roles) and client-scoped roles
// (resource_access.{clientID}.roles) into Role parents.
func NewKeycloakMapping(clientID string) *domain.ClaimsMappingConfiguration {
	mappings := []domain.ParentMapping{
		{ClaimPath: "realm_access.roles", EntityType: "Role"},
	}
	if clientID != "" {
		mappings = append(mappings, domain.ParentMapping{
			ClaimPath:  "resource_access." + clientID + ".roles",
			EntityType: "Role",
		})
	}
	return &domain.ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
		ParentMappings:       mappings,
	}
}

// NewZitadelMapping builds a mapping that projects
// urn:zitadel:iam:org:project:roles, which Zitadel shapes as an object
// keyed by role name, each value itself keyed by project id — filtered to
// projectID when supplied.
func NewZitadelMapping(projectID string) *domain.ClaimsMappingConfiguration {
	return &domain.ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
		ParentMappings: []domain.ParentMapping{
			{
				ClaimPath:  "urn:zitadel:iam:org:project:roles",
				EntityType: "Role",
				ProjectKey: projectID,
			},
		},
	}
}

// NewCognitoMapping builds a mapping that projects cognito:groups into
// Group parents.
func NewCognitoMapping(userPoolID string) *domain.ClaimsMappingConfiguration {
	return &domain.ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
		ParentMappings: []domain.ParentMapping{
			{ClaimPath: "cognito:groups", EntityType: "Group"},
		},
	}
}

// Preset names a provider family.
type Preset string

const (
	PresetKeycloak Preset = "KEYCLOAK"
	PresetZitadel  Preset = "ZITADEL"
	PresetCognito  Preset = "COGNITO"
)

// DetectFromIssuer opportunistically matches an issuer URL against known
// hostname/path conventions. Never authoritative: explicit configuration
// always wins over this suggestion.
func DetectFromIssuer(issuerURL string) (Preset, bool) {
	lower := strings.ToLower(issuerURL)
	switch {
	case strings.Contains(lower, ".zitadel.cloud"):
		return PresetZitadel, true
	case strings.Contains(lower, "cognito-idp.") && strings.Contains(lower, ".amazonaws.com"):
		return PresetCognito, true
	case strings.Contains(lower, "/realms/"):
		return PresetKeycloak, true
	default:
		return "", false
	}
}
