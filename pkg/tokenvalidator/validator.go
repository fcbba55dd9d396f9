// Package tokenvalidator verifies JWTs against a cached signing key and the
// issuer/audience/expiry rules of §4.5, using golang-jwt/jwt/v5.
package tokenvalidator

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hodei/verified-permissions/pkg/jwks"
	"github.com/hodei/verified-permissions/pkg/pdperr"
)

// Claims is the decoded, verified token payload: the full claim map plus
// the canonical fields callers most often need without a type assertion.
type Claims struct {
	Raw jwt.MapClaims
	Sub string
	Iss string
	Aud []string
	Exp int64
	Iat int64
}

// Get resolves a dotted claim path (e.g. "realm_access.roles") against the
// raw claim map, returning (value, true) if every segment resolves.
func (c Claims) Get(path string) (any, bool) {
	return getNestedPath(map[string]any(c.Raw), path)
}

// KeySource resolves a verifying key for (issuer, kid). *jwks.Cache returns
// a concrete *rsa.PublicKey, so it is adapted via FromJWKSCache.
type KeySource interface {
	GetKey(ctx context.Context, issuer, kid string) (any, error)
}

// cacheAdapter narrows *jwks.Cache's concrete *rsa.PublicKey return to the
// `any` KeySource expects, so this package does not need to import
// crypto/rsa directly.
type cacheAdapter struct{ cache *jwks.Cache }

func (a cacheAdapter) GetKey(ctx context.Context, issuer, kid string) (any, error) {
	return a.cache.GetKey(ctx, issuer, kid)
}

// FromJWKSCache adapts a *jwks.Cache to KeySource.
func FromJWKSCache(cache *jwks.Cache) KeySource { return cacheAdapter{cache: cache} }

// Validator verifies tokens against a KeySource.
type Validator struct {
	keys KeySource
}

// New returns a Validator backed by keys.
func New(keys KeySource) *Validator {
	return &Validator{keys: keys}
}

// Validate implements §4.5: decode header, obtain the verifying key,
// verify signature/iss/aud/exp/nbf/iat, and return the decoded claims.
// Key lookup failures pass through unchanged (KeyUnavailable / UnknownKey);
// every other failure yields InvalidToken. No partial claims are ever
// returned.
func (v *Validator) Validate(ctx context.Context, tokenString, expectedIssuer string, allowedAudiences []string) (Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return Claims{}, pdperr.InvalidTokenErr(err, "malformed token")
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return Claims{}, pdperr.InvalidTokenf("token header missing kid")
	}

	key, err := v.keys.GetKey(ctx, expectedIssuer, kid)
	if err != nil {
		return Claims{}, err // already a *pdperr.Error (KeyUnavailable / UnknownKey)
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}), jwt.WithIssuedAt())
	if err != nil {
		return Claims{}, pdperr.InvalidTokenErr(err, "signature or structural validation failed")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, pdperr.InvalidTokenf("unexpected claims type")
	}

	iss, _ := claims.GetIssuer()
	if iss != expectedIssuer {
		return Claims{}, pdperr.InvalidTokenf("issuer %q does not match expected %q", iss, expectedIssuer)
	}

	audList, _ := claims.GetAudience()
	if !intersects(audList, allowedAudiences) {
		return Claims{}, pdperr.InvalidTokenf("audience %v does not intersect allowed set %v", audList, allowedAudiences)
	}

	expTime, err := claims.GetExpirationTime()
	if err != nil || expTime == nil {
		return Claims{}, pdperr.InvalidTokenf("token missing exp claim")
	}

	sub, _ := claims.GetSubject()
	var iat int64
	if iatTime, err := claims.GetIssuedAt(); err == nil && iatTime != nil {
		iat = iatTime.Unix()
	}

	return Claims{
		Raw: claims,
		Sub: sub,
		Iss: iss,
		Aud: audList,
		Exp: expTime.Unix(),
		Iat: iat,
	}, nil
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
