package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/model"
)

const jwtLeeway = 30 * time.Second

var (
	errDisallowedAlg = errors.New("signing algorithm not allowed")
	errMissingKid    = errors.New("token has no kid header")
)

// KeySource returns the key that verifies token.
type KeySource func(ctx context.Context, token *jwt.Token) (any, error)

// JWKSKeys picks the identity provider key named by the token's kid.
func JWKSKeys(jwks *JWKSClient) KeySource {
	return func(ctx context.Context, token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errMissingKid
		}
		return jwks.Key(ctx, kid)
	}
}

// HMACKeys verifies HS256/384/512 tokens with a shared secret.
func HMACKeys(secret []byte) KeySource {
	return func(_ context.Context, token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %s with a shared secret", errDisallowedAlg, token.Method.Alg())
		}
		return secret, nil
	}
}

// JWTAuthenticator verifies the bearer token of each request against keys
// and cfg, then stores its claims for BuildRequestContext. Every failure is
// a 401 whose message names the failed check and nothing more.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySource) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(jwtLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	allowed := cfg.Algorithms

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			claims := jwt.MapClaims{}
			_, err = parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if !slices.Contains(allowed, t.Method.Alg()) {
					return nil, errDisallowedAlg
				}
				return keys(r.Context(), t)
			})
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(rejection(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}

// rejection maps a parse failure to the message returned to the caller.
func rejection(err error) string {
	switch {
	case errors.Is(err, errDisallowedAlg):
		return "Disallowed signing algorithm"
	case errors.Is(err, ErrUnknownKey), errors.Is(err, errMissingKid):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Invalid token: missing required claim"
	default:
		return "Invalid token"
	}
}
