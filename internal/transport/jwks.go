package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownKey is returned when the key set has no key with the requested
// kid, even after a refetch.
var ErrUnknownKey = errors.New("jwks: unknown signing key")

const (
	jwksMaxBody       = 1 << 20
	jwksFetchTimeout  = 10 * time.Second
	jwksUnknownKidGap = 5 * time.Minute
)

// JWKSClient serves verification keys from an identity provider's JSON Web
// Key Set. Keys are cached for ttl. A kid missing from a fresh set triggers
// at most one refetch per cooldown, so rotated keys are picked up without
// letting bogus kids hammer the provider. Concurrent fetches are collapsed.
type JWKSClient struct {
	url      string
	ttl      time.Duration
	cooldown time.Duration
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time
	fetches  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient returns a client for the key set at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:      url,
		ttl:      ttl,
		cooldown: jwksUnknownKidGap,
		http:     &http.Client{Timeout: jwksFetchTimeout},
		logger:   logger,
		now:      time.Now,
		keys:     map[string]crypto.PublicKey{},
	}
}

// Key returns the public key published under kid. When the provider is
// unreachable a previously fetched key keeps being served.
func (c *JWKSClient) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, found, age := c.lookup(kid)
	switch {
	case found && age < c.ttl:
		return key, nil
	case !found && age < c.ttl && age < c.cooldown:
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
	}

	if err := c.refresh(ctx); err != nil {
		if found {
			c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, err
	}
	if key, found, _ = c.lookup(kid); !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
	}
	return key, nil
}

// lookup returns the cached key and the age of the cached set. A set never
// fetched is infinitely old.
func (c *JWKSClient) lookup(kid string) (crypto.PublicKey, bool, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if c.fetchedAt.IsZero() {
		return key, ok, time.Duration(1<<63 - 1)
	}
	return key, ok, c.now().Sub(c.fetchedAt)
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		keys, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys, c.fetchedAt = keys, c.now()
		c.mu.Unlock()
		c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

func (c *JWKSClient) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: fetch: status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// jsonWebKey is the subset of RFC 7517 needed for RSA and EC signature keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := b64Int(k.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		if !e.IsInt64() || e.Int64() < 3 {
			return nil, errors.New("exponent out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := ecCurves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("curve %q not supported", k.Crv)
		}
		x, err := b64Int(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := b64Int(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("key type %q not supported", k.Kty)
	}
}

var ecCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func b64Int(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
