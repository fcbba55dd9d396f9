// Package projector implements §4.6: deterministic projection of
// validated JWT claims into a principal entity (and its parent/attribute
// entities) following a per-identity-source ClaimsMappingConfiguration.
// The configuration is data, not code — Keycloak, Zitadel, and Cognito
// differ only by their default configuration (see the presets
// subpackage); this package stays IdP-agnostic.
package projector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/tokenvalidator"
)

// Result is the principal entity plus every sibling entity (typically
// parent roles/groups) needed to populate the hierarchy referenced by
// parent mappings.
type Result struct {
	Principal domain.Entity
	Entities  []domain.Entity
}

// Project runs the five §4.6 steps against claims using cfg.
func Project(claims tokenvalidator.Claims, cfg *domain.ClaimsMappingConfiguration, principalType string) (Result, error) {
	if cfg == nil {
		cfg = domain.DefaultClaimsMappingConfiguration()
	}

	for _, path := range cfg.RequiredClaims {
		if v, ok := claims.Get(path); !ok || v == nil {
			return Result{}, pdperr.MissingClaimf("required claim %q is absent", path)
		}
	}

	idPath := cfg.PrincipalIDClaimPath
	if idPath == "" {
		idPath = "sub"
	}
	principalIDRaw, ok := claims.Get(idPath)
	if !ok || principalIDRaw == nil {
		return Result{}, pdperr.MissingClaimf("principal id claim %q is absent", idPath)
	}
	principalID, ok := principalIDRaw.(string)
	if !ok {
		principalID = fmt.Sprintf("%v", principalIDRaw)
	}
	principalEntityID := domain.EntityID{Type: principalType, ID: principalID}

	attrs := make(map[string]any, len(cfg.AttributeMappings))
	for _, am := range cfg.AttributeMappings {
		v, ok := claims.Get(am.ClaimPath)
		if !ok {
			continue
		}
		attrs[am.TargetName] = applyTransformToValue(v, am.Transform, am.Separator)
	}

	seen := make(map[domain.EntityID]struct{})
	var parents []domain.EntityID
	var siblings []domain.Entity
	for _, pm := range cfg.ParentMappings {
		v, ok := claims.Get(pm.ClaimPath)
		if !ok || v == nil {
			continue
		}
		ids := parentIDsFromClaimValue(v, pm)
		for _, id := range ids {
			ent := domain.EntityID{Type: pm.EntityType, ID: applyTransform(id, pm.Transform, pm.Separator)}
			if _, dup := seen[ent]; dup {
				continue
			}
			seen[ent] = struct{}{}
			parents = append(parents, ent)
			siblings = append(siblings, domain.Entity{ID: ent})
		}
	}

	principal := domain.Entity{ID: principalEntityID, Attributes: attrs, Parents: parents}
	return Result{Principal: principal, Entities: siblings}, nil
}

// parentIDsFromClaimValue handles both shapes named in §4.6 step 4: an
// array of role/group names, or an object keyed by role name whose values
// are keyed by project id (Zitadel-style roles-by-project), optionally
// filtered to the roles granted for one project.
func parentIDsFromClaimValue(v any, pm domain.ParentMapping) []string {
	switch t := v.(type) {
	case []any:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	case map[string]any:
		// Zitadel-style: outer key is the role name, inner value is a map
		// keyed by project id (or org domain) -> org name. ProjectKey, when
		// set, filters to roles granted for that specific project.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var ids []string
		for _, k := range keys {
			if pm.ProjectKey != "" {
				inner, ok := t[k].(map[string]any)
				if !ok {
					continue
				}
				if _, has := inner[pm.ProjectKey]; !has {
					continue
				}
			}
			ids = append(ids, k)
		}
		return ids
	case string:
		return []string{t}
	default:
		return nil
	}
}

func applyTransformToValue(v any, transform domain.ValueTransform, sep string) any {
	if s, ok := v.(string); ok {
		return applyTransform(s, transform, sep)
	}
	return v
}

// applyTransform implements the closed transform set of §4.6.
func applyTransform(s string, transform domain.ValueTransform, sep string) string {
	switch transform {
	case domain.TransformUppercase:
		return strings.ToUpper(s)
	case domain.TransformLowercase:
		return strings.ToLower(s)
	case domain.TransformSplitFirst:
		if sep == "" {
			sep = "/"
		}
		if i := strings.Index(s, sep); i >= 0 {
			return s[:i]
		}
		return s
	case domain.TransformSplitLast:
		if sep == "" {
			sep = "/"
		}
		if i := strings.LastIndex(s, sep); i >= 0 {
			return s[i+len(sep):]
		}
		return s
	case domain.TransformNone, "":
		return s
	default:
		return s
	}
}
