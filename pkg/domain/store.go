// Package domain holds the persistent and in-flight entities of the policy
// decision point: policy stores, schemas, policies, templates, identity
// sources, and audit records. These are plain structs so that both the
// repository port and the in-memory caches can share them without import
// cycles.
package domain

import "time"

// PolicyStore is the unit of policy isolation and evaluation. Every
// decision, policy, schema, template, and identity source belongs to
// exactly one store.
type PolicyStore struct {
	ID          string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PolicyType distinguishes a self-contained policy statement from one
// derived from a template.
type PolicyType string

const (
	PolicyTypeStatic         PolicyType = "STATIC"
	PolicyTypeTemplateLinked PolicyType = "TEMPLATE_LINKED"
)

// TemplateLink records how a template-linked policy was instantiated, kept
// only for display purposes — it is not consulted at decision time.
type TemplateLink struct {
	TemplateID        string
	PrincipalEntityID *EntityID
	ResourceEntityID  *EntityID
}

// Policy belongs to one store and is identified within it by PolicyID.
// Statement is the policy-grammar text that was actually persisted: for a
// template-linked policy this is the instantiated form, not the template.
type Policy struct {
	StoreID     string
	PolicyID    string
	Type        PolicyType
	Statement   string
	Description string
	Link        *TemplateLink
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PolicyTemplate is a parametric policy statement containing one or more of
// the placeholders `?principal` / `?resource`.
type PolicyTemplate struct {
	StoreID     string
	TemplateID  string
	Statement   string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Schema is, at most, one structured document per store describing entity
// types, attribute shapes, and legal actions. Stored as raw JSON; parsing is
// the policy engine's concern.
type Schema struct {
	StoreID   string
	Document  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdentitySourceKind names the supported token-issuing provider families.
type IdentitySourceKind string

const (
	IdentitySourceOIDC          IdentitySourceKind = "OIDC"
	IdentitySourceCognitoUserPool IdentitySourceKind = "COGNITO_USER_POOL"
)

// IdentitySource describes how tokens minted by a named issuer are
// validated and projected for one store.
type IdentitySource struct {
	ID              string
	StoreID         string
	Kind            IdentitySourceKind
	IssuerURL       string
	Audiences       []string
	JWKSURI         string // optional; discovered via OIDC metadata if empty
	GroupClaimPath  string
	PrincipalType   string
	ClaimsMapping   *ClaimsMappingConfiguration
	Description     string
	CreatedAt       time.Time
}

// ValueTransform is the closed set of claim-value transforms the projector
// supports.
type ValueTransform string

const (
	TransformNone       ValueTransform = "NONE"
	TransformUppercase  ValueTransform = "UPPERCASE"
	TransformLowercase  ValueTransform = "LOWERCASE"
	TransformSplitFirst ValueTransform = "SPLIT_FIRST"
	TransformSplitLast  ValueTransform = "SPLIT_LAST"
)

// ParentMapping projects one claim path into zero or more parent entities.
type ParentMapping struct {
	ClaimPath   string
	EntityType  string
	Transform   ValueTransform
	Separator   string // argument to SplitFirst/SplitLast
	ProjectKey  string // when the claim value is an object keyed by project (Zitadel-style), filter to this key; empty = all keys
}

// AttributeMapping projects one claim path into a principal attribute.
type AttributeMapping struct {
	TargetName string
	ClaimPath  string
	Transform  ValueTransform
	Separator  string
}

// ClaimsMappingConfiguration is the full set of projection rules for one
// identity source.
type ClaimsMappingConfiguration struct {
	PrincipalIDClaimPath string // default "sub"
	RequiredClaims       []string
	AttributeMappings    []AttributeMapping
	ParentMappings       []ParentMapping
}

// DefaultClaimsMappingConfiguration returns the baseline mapping used when
// an identity source does not supply one explicitly.
func DefaultClaimsMappingConfiguration() *ClaimsMappingConfiguration {
	return &ClaimsMappingConfiguration{
		PrincipalIDClaimPath: "sub",
	}
}

// EntityID is the (type, id) pair identifying a principal, action,
// resource, or any supporting entity.
type EntityID struct {
	Type string
	ID   string
}

// String renders the policy-language textual form `Type::"id"`.
func (e EntityID) String() string {
	return e.Type + `::"` + e.ID + `"`
}

// Entity carries optional attributes and parent references for
// hierarchy-aware policy evaluation.
type Entity struct {
	ID         EntityID
	Attributes map[string]any
	Parents    []EntityID
}

// AuditRequestKind distinguishes how the principal was established.
type AuditRequestKind string

const (
	AuditRequestDirect AuditRequestKind = "DIRECT"
	AuditRequestToken  AuditRequestKind = "TOKEN"
)

// AuditRecord is one append-only entry per evaluated decision.
type AuditRecord struct {
	EventID             string
	Timestamp           time.Time
	StoreID             string
	PrincipalID         string
	ActionID            string
	ResourceID          string
	Decision            string
	DeterminingPolicies []string
	EvaluationErrors    []string
	RequestKind         AuditRequestKind
	IdentitySourceID    string
}
