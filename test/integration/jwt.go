package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signingKid    = "dealflow-it-es256"
	tokenIssuerID = "https://auth.test.dealflow.dev"
	tokenAudience = "dealflow-test"
)

// Caller is the identity carried by a minted token.
type Caller struct {
	SubjectID string
	TenantID  string
	Roles     []string
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// publishes the matching public key as a JWKS document.
type tokenIssuer struct {
	key  *ecdsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	doc, err := json.Marshal(map[string]any{"keys": []any{publicJWK(signingKid, &key.PublicKey)}})
	if err != nil {
		t.Fatalf("encode jwks: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

func publicJWK(kid string, pub *ecdsa.PublicKey) map[string]string {
	enc := base64.RawURLEncoding
	return map[string]string{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   enc.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   enc.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

// mintOption adjusts the registered claims of a minted token.
type mintOption func(jwt.MapClaims)

// issuedAgo backdates the token; anything past an hour is expired.
func issuedAgo(ago time.Duration) mintOption {
	return func(c jwt.MapClaims) {
		issued := time.Now().Add(-ago)
		c["iat"] = jwt.NewNumericDate(issued)
		c["exp"] = jwt.NewNumericDate(issued.Add(time.Hour))
	}
}

// withClaim overrides one claim; nil removes it.
func withClaim(name string, v any) mintOption {
	return func(c jwt.MapClaims) {
		if v == nil {
			delete(c, name)
			return
		}
		c[name] = v
	}
}

// mint signs a one-hour token for caller.
func (ti *tokenIssuer) mint(caller Caller, opts ...mintOption) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": tokenIssuerID,
		"aud": tokenAudience,
		"sub": caller.SubjectID,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(time.Hour)),
	}
	if caller.TenantID != "" {
		claims["tenant_id"] = caller.TenantID
	}
	if len(caller.Roles) > 0 {
		claims["roles"] = caller.Roles
	}
	for _, opt := range opts {
		opt(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = signingKid
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

// JWKSURL is where the issuer publishes its key set.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwks.URL
}
