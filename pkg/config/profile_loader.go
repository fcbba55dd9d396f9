package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/projector/presets"
)

// IdentitySourceProfile is a YAML-authored template for an identity
// source: the operator-facing alternative to constructing a
// domain.ClaimsMappingConfiguration by hand for a known provider.
type IdentitySourceProfile struct {
	Name          string                `yaml:"name"`
	Preset        string                `yaml:"preset"` // "keycloak" | "zitadel" | "cognito" | ""
	IssuerURL     string                `yaml:"issuer_url"`
	Audiences     []string              `yaml:"audiences"`
	PrincipalType string                `yaml:"principal_type"`
	ClientID      string                `yaml:"client_id,omitempty"`   // keycloak
	ProjectID     string                `yaml:"project_id,omitempty"` // zitadel
	UserPoolID    string                `yaml:"user_pool_id,omitempty"` // cognito
	RequiredClaims []string             `yaml:"required_claims,omitempty"`
	ParentMappings []domain.ParentMapping `yaml:"parent_mappings,omitempty"`
}

// LoadProfile loads one identity-source profile YAML by name, searching
// profilesDir for identity_<name>.yaml.
func LoadProfile(profilesDir, name string) (*IdentitySourceProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("identity_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load identity source profile %q: %w", name, err)
	}

	var profile IdentitySourceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse identity source profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// ClaimsMapping resolves this profile to a domain.ClaimsMappingConfiguration,
// preferring an explicit preset's defaults and layering the profile's
// RequiredClaims/ParentMappings overrides on top.
func (p *IdentitySourceProfile) ClaimsMapping() *domain.ClaimsMappingConfiguration {
	var cfg *domain.ClaimsMappingConfiguration
	switch strings.ToLower(p.Preset) {
	case "keycloak":
		cfg = presets.NewKeycloakMapping(p.ClientID)
	case "zitadel":
		cfg = presets.NewZitadelMapping(p.ProjectID)
	case "cognito":
		cfg = presets.NewCognitoMapping(p.UserPoolID)
	default:
		cfg = domain.DefaultClaimsMappingConfiguration()
	}
	if len(p.RequiredClaims) > 0 {
		cfg.RequiredClaims = p.RequiredClaims
	}
	if len(p.ParentMappings) > 0 {
		cfg.ParentMappings = p.ParentMappings
	}
	return cfg
}

// LoadAllProfiles loads every identity_*.yaml file in profilesDir.
func LoadAllProfiles(profilesDir string) (map[string]*IdentitySourceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "identity_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*IdentitySourceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile IdentitySourceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "identity_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}
