// Package jwks implements the process-wide signing-key cache of §4.4: it
// discovers an issuer's JWKS via OIDC metadata, caches verifying keys with
// a TTL, and refreshes them on a background schedule. An optional
// redis-backed distributed layer lets multiple PDP nodes behind a load
// balancer share fetched keys instead of each re-hitting the IdP.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hodei/verified-permissions/pkg/pdperr"
)

// Jwk is one key entry of a JWKS document. Only RSA keys (kty "RSA") are
// supported, matching the RS256-family tokens the validator expects.
type Jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Jwks is a JWKS document.
type Jwks struct {
	Keys []Jwk `json:"keys"`
}

// OidcDiscovery is the subset of an OIDC discovery document this cache
// needs.
type OidcDiscovery struct {
	Issuer  string `json:"issuer"`
	JwksURI string `json:"jwks_uri"`
}

// Metrics tracks hit/miss/refresh/error counters plus a derived hit rate.
type Metrics struct {
	Hits      uint64
	Misses    uint64
	Refreshes uint64
	Errors    uint64
}

// HitRate returns Hits / (Hits + Misses), or 0 when no lookups occurred.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

type cachedIssuer struct {
	keys      map[string]*rsa.PublicKey
	jwksURI   string
	fetchedAt time.Time
}

// MetricsRecorder receives cache hit/miss and refresh-failure events for an
// external observability layer. *observability.Provider satisfies this.
type MetricsRecorder interface {
	RecordJWKSCacheResult(ctx context.Context, hit bool)
	RecordJWKSRefreshFailure(ctx context.Context, issuer string)
}

// Config carries the §4.4 tunables and their defaults.
type Config struct {
	TTL             time.Duration // default 1h
	RefreshInterval time.Duration // default 30m
	RequestTimeout  time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Cache is the issuer -> {kid -> key} JWKS cache.
type Cache struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*cachedIssuer

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	httpClient *http.Client
	redis      *redis.Client // optional distributed backend
	observer   MetricsRecorder

	hits, misses, refreshes, errs atomic.Uint64
}

// New returns a Cache. redisClient may be nil, in which case each node
// maintains its own cache independently. observer may be nil when no
// observability backend is configured.
func New(cfg Config, redisClient *redis.Client, observer MetricsRecorder, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Cache{
		cfg:        cfg,
		log:        log,
		entries:    make(map[string]*cachedIssuer),
		limiters:   make(map[string]*rate.Limiter),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		redis:      redisClient,
		observer:   observer,
	}
}

func (c *Cache) limiterFor(issuer string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.limiters[issuer]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 5)
		c.limiters[issuer] = l
	}
	return l
}

// GetKey returns the verifying key for (issuer, kid), fetching and caching
// on miss or TTL expiry. Fails KeyUnavailable if discovery/fetch fails,
// UnknownKey if the kid is absent after a fresh fetch.
func (c *Cache) GetKey(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	entry, ok := c.entries[issuer]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.cfg.TTL {
		if key, found := entry.keys[kid]; found {
			c.hits.Add(1)
			c.recordCacheResult(ctx, true)
			return key, nil
		}
		// Key not found in a fresh entry: fall through to a forced refresh,
		// since key rotation may have introduced a kid we haven't seen yet.
	}
	c.misses.Add(1)
	c.recordCacheResult(ctx, false)

	if err := c.refreshIssuer(ctx, issuer); err != nil {
		c.errs.Add(1)
		if c.observer != nil {
			c.observer.RecordJWKSRefreshFailure(ctx, issuer)
		}
		if ok {
			// Stale-but-valid entry retained per §4.4's refresh-failure policy.
			if key, found := entry.keys[kid]; found {
				return key, nil
			}
		}
		return nil, pdperr.KeyUnavailableErr(err, "fetch JWKS for issuer %q", issuer)
	}

	c.mu.RLock()
	entry = c.entries[issuer]
	c.mu.RUnlock()
	key, found := entry.keys[kid]
	if !found {
		return nil, pdperr.UnknownKeyf("kid %q not present in JWKS for issuer %q", kid, issuer)
	}
	return key, nil
}

// refreshIssuer discovers (if needed) and fetches the JWKS for issuer,
// replacing the cache entry atomically.
func (c *Cache) refreshIssuer(ctx context.Context, issuer string) error {
	if err := c.limiterFor(issuer).Wait(ctx); err != nil {
		return err
	}

	jwksURI, err := c.resolveJwksURI(ctx, issuer)
	if err != nil {
		return err
	}

	raw, err := c.fetchJWKSBytes(ctx, issuer, jwksURI)
	if err != nil {
		return err
	}

	var doc Jwks
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			c.log.Warn("skipping unparsable jwk", "issuer", issuer, "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.entries[issuer] = &cachedIssuer{keys: keys, jwksURI: jwksURI, fetchedAt: time.Now().UTC()}
	c.mu.Unlock()
	c.refreshes.Add(1)
	return nil
}

func (c *Cache) resolveJwksURI(ctx context.Context, issuer string) (string, error) {
	if c.redis != nil {
		if uri, err := c.redis.Get(ctx, jwksURIRedisKey(issuer)).Result(); err == nil && uri != "" {
			return uri, nil
		}
	}
	disc, err := c.discover(ctx, issuer)
	if err != nil {
		return "", err
	}
	if c.redis != nil {
		c.redis.Set(ctx, jwksURIRedisKey(issuer), disc.JwksURI, c.cfg.TTL)
	}
	return disc.JwksURI, nil
}

func (c *Cache) discover(ctx context.Context, issuer string) (OidcDiscovery, error) {
	url := issuer
	if len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	url += "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return OidcDiscovery{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OidcDiscovery{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return OidcDiscovery{}, fmt.Errorf("oidc discovery for %q: status %d", issuer, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return OidcDiscovery{}, err
	}
	var disc OidcDiscovery
	if err := json.Unmarshal(body, &disc); err != nil {
		return OidcDiscovery{}, err
	}
	if disc.JwksURI == "" {
		return OidcDiscovery{}, fmt.Errorf("oidc discovery for %q: missing jwks_uri", issuer)
	}
	return disc, nil
}

// fetchJWKSBytes fetches the raw JWKS document, consulting the redis
// distributed cache first when configured.
func (c *Cache) fetchJWKSBytes(ctx context.Context, issuer, jwksURI string) ([]byte, error) {
	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, jwksDocRedisKey(issuer)).Bytes(); err == nil && len(raw) > 0 {
			return raw, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks from %q: status %d", jwksURI, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		c.redis.Set(ctx, jwksDocRedisKey(issuer), raw, c.cfg.TTL)
	}
	return raw, nil
}

func (c *Cache) recordCacheResult(ctx context.Context, hit bool) {
	if c.observer != nil {
		c.observer.RecordJWKSCacheResult(ctx, hit)
	}
}

func jwksDocRedisKey(issuer string) string { return "pdp:jwks:doc:" + issuer }
func jwksURIRedisKey(issuer string) string { return "pdp:jwks:uri:" + issuer }

func rsaPublicKeyFromJWK(k Jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// Metrics returns a snapshot of the hit/miss/refresh/error counters.
func (c *Cache) Metrics() Metrics {
	return Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Refreshes: c.refreshes.Load(),
		Errors:    c.errs.Load(),
	}
}

// Clear empties the cache, primarily for tests.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cachedIssuer)
	c.mu.Unlock()
}

// CachedIssuersCount returns the number of issuers currently cached.
func (c *Cache) CachedIssuersCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartBackgroundRefresh launches the §4.4 background refresh task:
// every RefreshInterval, every cached issuer is refreshed; failures log
// and the stale entry is retained.
func (c *Cache) StartBackgroundRefresh(ctx context.Context) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				c.mu.RLock()
				issuers := make([]string, 0, len(c.entries))
				for issuer := range c.entries {
					issuers = append(issuers, issuer)
				}
				c.mu.RUnlock()
				for _, issuer := range issuers {
					if err := c.refreshIssuer(ctx, issuer); err != nil {
						c.log.Warn("background jwks refresh failed, retaining stale entry", "issuer", issuer, "error", err)
						if c.observer != nil {
							c.observer.RecordJWKSRefreshFailure(ctx, issuer)
						}
					}
				}
			}
		}
	}()
	return func() { close(stopCh) }
}
