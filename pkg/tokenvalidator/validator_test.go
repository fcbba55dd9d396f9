package tokenvalidator_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/tokenvalidator"
)

type fakeKeySource struct {
	key *rsa.PublicKey
}

func (f fakeKeySource) GetKey(ctx context.Context, issuer, kid string) (any, error) {
	return f.key, nil
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid1"
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func TestValidateSuccess(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := signToken(t, priv, jwt.MapClaims{
		"sub": "u1",
		"iss": "https://idp.example/",
		"aud": "api",
		"exp": time.Now().Add(time.Hour).Unix(),
		"groups": []any{"admin"},
	})

	v := tokenvalidator.New(fakeKeySource{key: &priv.PublicKey})
	claims, err := v.Validate(context.Background(), token, "https://idp.example/", []string{"api"})
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Sub)

	groups, ok := claims.Get("groups")
	require.True(t, ok)
	assert.Equal(t, []any{"admin"}, groups)
}

func TestValidateExpiredToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signToken(t, priv, jwt.MapClaims{
		"sub": "u1",
		"iss": "https://idp.example/",
		"aud": "api",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	v := tokenvalidator.New(fakeKeySource{key: &priv.PublicKey})
	_, err = v.Validate(context.Background(), token, "https://idp.example/", []string{"api"})
	require.Error(t, err)
	assert.Equal(t, pdperr.InvalidToken, pdperr.KindOf(err))
}

func TestValidateWrongIssuer(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signToken(t, priv, jwt.MapClaims{
		"sub": "u1",
		"iss": "https://other.example/",
		"aud": "api",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	v := tokenvalidator.New(fakeKeySource{key: &priv.PublicKey})
	_, err = v.Validate(context.Background(), token, "https://idp.example/", []string{"api"})
	require.Error(t, err)
	assert.Equal(t, pdperr.InvalidToken, pdperr.KindOf(err))
}

func TestValidateAudienceNoIntersection(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signToken(t, priv, jwt.MapClaims{
		"sub": "u1",
		"iss": "https://idp.example/",
		"aud": "other-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	v := tokenvalidator.New(fakeKeySource{key: &priv.PublicKey})
	_, err = v.Validate(context.Background(), token, "https://idp.example/", []string{"api"})
	require.Error(t, err)
}
