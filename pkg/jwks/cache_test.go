package jwks_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/jwks"
	"github.com/hodei/verified-permissions/pkg/pdperr"
)

func encodeB64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func testJWK(t *testing.T, kid string) (*rsa.PrivateKey, jwks.Jwk) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	eBytes := big.NewInt(int64(key.PublicKey.E)).Bytes()
	return key, jwks.Jwk{
		Kty: "RSA",
		Kid: kid,
		N:   encodeB64(key.PublicKey.N.Bytes()),
		E:   encodeB64(eBytes),
	}
}

func newTestIdP(t *testing.T, keys ...jwks.Jwk) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var issuerURL string
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.OidcDiscovery{Issuer: issuerURL, JwksURI: issuerURL + "/jwks.json"})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.Jwks{Keys: keys})
	})
	srv := httptest.NewServer(mux)
	issuerURL = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

type capturingRecorder struct {
	results  chan bool
	failures chan string
}

func newCapturingRecorder() *capturingRecorder {
	return &capturingRecorder{results: make(chan bool, 8), failures: make(chan string, 8)}
}

func (c *capturingRecorder) RecordJWKSCacheResult(ctx context.Context, hit bool) {
	c.results <- hit
}

func (c *capturingRecorder) RecordJWKSRefreshFailure(ctx context.Context, issuer string) {
	c.failures <- issuer
}

func TestGetKeyFetchesAndCaches(t *testing.T) {
	_, jwk := testJWK(t, "kid1")
	srv := newTestIdP(t, jwk)

	cache := jwks.New(jwks.Config{}, nil, nil, nil)
	key, err := cache.GetKey(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.NotNil(t, key)

	metrics := cache.Metrics()
	assert.Equal(t, uint64(1), metrics.Misses)

	// Second call should hit the cache.
	_, err = cache.GetKey(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cache.Metrics().Hits)
}

func TestGetKeyReportsCacheResultToRecorder(t *testing.T) {
	_, jwk := testJWK(t, "kid1")
	srv := newTestIdP(t, jwk)
	recorder := newCapturingRecorder()

	cache := jwks.New(jwks.Config{}, nil, recorder, nil)
	_, err := cache.GetKey(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.Equal(t, false, <-recorder.results, "first lookup is a miss")

	_, err = cache.GetKey(context.Background(), srv.URL, "kid1")
	require.NoError(t, err)
	assert.Equal(t, true, <-recorder.results, "second lookup hits the cache")
}

func TestGetKeyReportsRefreshFailureToRecorder(t *testing.T) {
	recorder := newCapturingRecorder()
	cache := jwks.New(jwks.Config{RequestTimeout: 100 * time.Millisecond}, nil, recorder, nil)

	_, err := cache.GetKey(context.Background(), "http://127.0.0.1:1", "kid1")
	require.Error(t, err)

	select {
	case issuer := <-recorder.failures:
		assert.Equal(t, "http://127.0.0.1:1", issuer)
	case <-time.After(time.Second):
		t.Fatal("expected a refresh failure to be recorded")
	}
}

func TestGetKeyUnknownKid(t *testing.T) {
	_, jwk := testJWK(t, "kid1")
	srv := newTestIdP(t, jwk)

	cache := jwks.New(jwks.Config{}, nil, nil, nil)
	_, err := cache.GetKey(context.Background(), srv.URL, "missing-kid")
	require.Error(t, err)
	assert.Equal(t, pdperr.UnknownKey, pdperr.KindOf(err))
}

func TestGetKeyDiscoveryFailureIsKeyUnavailable(t *testing.T) {
	cache := jwks.New(jwks.Config{RequestTimeout: 100 * time.Millisecond}, nil, nil, nil)
	_, err := cache.GetKey(context.Background(), "http://127.0.0.1:1", "kid1")
	require.Error(t, err)
	assert.Equal(t, pdperr.KeyUnavailable, pdperr.KindOf(err))
}

func TestNewStartsWithNoCachedIssuers(t *testing.T) {
	cache := jwks.New(jwks.Config{}, nil, nil, nil)
	assert.Equal(t, 0, cache.CachedIssuersCount())
}
