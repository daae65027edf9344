package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dealflow/model"
)

// forgedToken carries valid claims and the published kid but is signed by a
// key the JWKS does not list.
func forgedToken(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss":       tokenIssuerID,
		"aud":       tokenAudience,
		"sub":       "user-1",
		"tenant_id": "acme",
		"roles":     []any{"sales_manager"},
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = signingKid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func unsignedToken() string {
	enc := base64.RawURLEncoding
	head := enc.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body := enc.EncodeToString([]byte(`{"sub":"admin","tenant_id":"acme","iss":"` + tokenIssuerID +
		`","aud":"` + tokenAudience + `","roles":["admin"]}`))
	return head + "." + body + "."
}

func TestSecurity_rejectedTokens(t *testing.T) {
	h := NewTestHarness(t)
	noTenant := RepCaller()
	noTenant.TenantID = ""

	cases := []struct {
		name  string
		token string
		msg   string
	}{
		{"no header", "", "Missing authorization header"},
		{"expired", h.GenerateExpiredToken(RepCaller()), "Token expired"},
		{"forged signature", forgedToken(t), "Invalid token signature"},
		{"alg none", unsignedToken(), "Disallowed signing algorithm"},
		{"garbage", "not.a.valid.jwt.token", "Invalid token"},
		{"foreign issuer", h.issuer.mint(RepCaller(), withClaim("iss", "https://evil.example.com")), "Invalid token issuer"},
		{"foreign audience", h.issuer.mint(RepCaller(), withClaim("aud", "billing")), "Invalid token audience"},
		{"no expiry", h.issuer.mint(RepCaller(), withClaim("exp", nil)), "missing required claim"},
		{"no tenant", h.GenerateToken(noTenant), "token is missing subject or tenant"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body ErrorResponse
			h.AssertJSON(t, h.GET("/deals/d-1", tc.token), http.StatusUnauthorized, &body)
			assert.Equal(t, model.ErrUnauthorized, body.Error.Code)
			assert.Contains(t, body.Error.Message, tc.msg)
		})
	}
}

func TestSecurity_everyDealRouteNeedsAToken(t *testing.T) {
	h := NewTestHarness(t)
	for _, ep := range [][2]string{
		{http.MethodPost, "/deals"},
		{http.MethodGet, "/deals/d-1"},
		{http.MethodPost, "/deals/d-1/stage"},
		{http.MethodPost, "/deals/d-1/stage/validate"},
		{http.MethodPut, "/deals/d-1/calculations/count_doubler"},
		{http.MethodPost, "/catalog/invalidate"},
	} {
		resp := h.Do(ep[0], ep[1], map[string]any{}, "", nil)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	}
}

func TestSecurity_tenantIsolation(t *testing.T) {
	h := NewTestHarness(t)
	d := h.CreateDeal(t, h.GenerateToken(RepCaller()), nil)

	outsider := h.GenerateToken(Caller{SubjectID: "user-b", TenantID: "tenant-2", Roles: []string{"sales_manager"}})
	h.AssertStatus(t, h.GET("/deals/"+d.ID, outsider), http.StatusNotFound)
	h.AssertStatus(t, h.Move(d.ID, "contacted", outsider), http.StatusNotFound)
}

func TestSecurity_tenantComesFromToken(t *testing.T) {
	h := NewTestHarness(t)
	resp := h.Do(http.MethodPost, "/deals", map[string]any{"pipeline_id": "sales"},
		h.GenerateToken(RepCaller()), map[string]string{"X-Tenant-Id": "evil-corp"})

	var d model.Deal
	h.AssertJSON(t, resp, http.StatusCreated, &d)
	assert.Equal(t, "acme", d.TenantID)
}

func TestSecurity_capabilities(t *testing.T) {
	h := NewTestHarness(t)
	rep := h.GenerateToken(RepCaller())
	d := h.CreateDeal(t, rep, nil)

	guest := h.GenerateToken(GuestCaller())
	h.AssertStatus(t, h.GET("/deals/"+d.ID, guest), http.StatusForbidden)
	h.AssertStatus(t, h.Move(d.ID, "contacted", guest), http.StatusForbidden)
	h.AssertStatus(t, h.SubmitCalculation(d.ID, "count_doubler", map[string]any{"count": 1}, guest), http.StatusForbidden)

	h.AssertStatus(t, h.POST("/catalog/invalidate", nil, rep), http.StatusForbidden)
	h.AssertStatus(t, h.POST("/catalog/invalidate", nil, h.GenerateToken(AdminCaller())), http.StatusNoContent)
}

func TestSecurity_repCannotOverride(t *testing.T) {
	h := NewTestHarness(t)
	rep := h.GenerateToken(RepCaller())
	d := h.CreateDeal(t, rep, nil)

	resp := h.POST("/deals/"+d.ID+"/stage", map[string]any{
		"target_stage_id": "negotiation",
		"override":        true,
		"reason":          "customer asked",
	}, rep)

	var body ErrorResponse
	h.AssertJSON(t, resp, http.StatusForbidden, &body)
	assert.Equal(t, model.ErrForbidden, body.Error.Code)
	assert.Empty(t, h.Timeline.Events(d.ID))
}

func TestSecurity_errorsLeakNothing(t *testing.T) {
	h := NewTestHarness(t)
	bodies := []string{
		string(h.ReadBody(h.GET("/deals/d-1", h.GenerateToken(GuestCaller())))),
		string(h.ReadBody(h.GET("/deals/missing", h.GenerateToken(RepCaller())))),
		string(h.ReadBody(h.GET("/deals/d-1", forgedToken(t)))),
	}
	for _, body := range bodies {
		for _, leak := range []string{"goroutine", ".go:", "panic", "runtime.", "/home/", "/internal/", "localhost", "crypto/"} {
			assert.NotContains(t, body, leak)
		}
	}
}

func TestSecurity_responseHeaders(t *testing.T) {
	h := NewTestHarness(t)
	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	created := h.POST("/deals", map[string]any{"pipeline_id": "sales"}, h.GenerateToken(RepCaller()))
	h.AssertStatus(t, created, http.StatusCreated)
	rejected := h.GET("/deals/d-1", "")
	h.AssertStatus(t, rejected, http.StatusUnauthorized)

	for name, value := range want {
		assert.Equal(t, value, created.Header.Get(name), name)
		assert.Equal(t, value, rejected.Header.Get(name), "%s on 401", name)
	}
}

func TestSecurity_correlationID(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(RepCaller())

	resp := h.GET("/deals/missing", token)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-Id"))

	resp = h.Do(http.MethodGet, "/deals/missing", nil, token, map[string]string{"X-Correlation-Id": "checkout-7f3a"})
	resp.Body.Close()
	assert.Equal(t, "checkout-7f3a", resp.Header.Get("X-Correlation-Id"))
}

func TestSecurity_hostileInput(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerCaller())

	h.AssertStatus(t, h.GET("/deals/"+url.PathEscape("../../etc/passwd"), token), http.StatusNotFound)

	d := h.CreateDeal(t, token, nil)
	h.AssertStatus(t, h.Do(http.MethodPost, "/deals/"+d.ID+"/stage", "{not json", token, nil), http.StatusBadRequest)
}

func TestSecurity_cors(t *testing.T) {
	h := NewTestHarness(t)
	for origin, want := range map[string]string{
		"http://localhost:3000":    "http://localhost:3000",
		"https://evil.example.com": "",
	} {
		resp := h.Do(http.MethodGet, "/ui/health", nil, "", map[string]string{"Origin": origin})
		resp.Body.Close()
		assert.Equal(t, want, resp.Header.Get("Access-Control-Allow-Origin"), origin)
	}
}
