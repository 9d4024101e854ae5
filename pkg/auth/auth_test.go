package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testClaims(entity, tenant string, roles ...string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entity,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
		Roles:    roles,
	}
}

func TestValidateRoundTrip(t *testing.T) {
	v := NewValidator("test-secret")
	tok, err := v.Sign(testClaims("agent-1", "tenant-a", "admin"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "agent-1" || claims.TenantID != "tenant-a" {
		t.Errorf("claims: %+v", claims)
	}
}

func TestNilValidatorFailsClosed(t *testing.T) {
	v := NewValidator("")
	if v != nil {
		t.Fatal("empty secret produced a validator")
	}
	if _, err := v.Validate("anything"); err == nil {
		t.Error("nil validator accepted a token")
	}
	if _, err := v.Sign(testClaims("a", "t")); err == nil {
		t.Error("nil validator signed a token")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	tok, err := NewValidator("secret-one").Sign(testClaims("agent-1", "tenant-a"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewValidator("secret-two").Validate(tok); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestValidateRejectsNonHMAC(t *testing.T) {
	// alg=none carries no signature at all; the keyfunc must refuse it
	// before signature verification is even attempted.
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, testClaims("agent-1", "tenant-a")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewValidator("test-secret").Validate(tok); err == nil {
		t.Error("unsigned token accepted")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	v := NewValidator("test-secret")
	claims := testClaims("agent-1", "tenant-a")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	tok, err := v.Sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Validate(tok); err == nil {
		t.Error("expired token accepted")
	}
}

func TestHasRole(t *testing.T) {
	p := &Principal{Roles: []string{"auditor", "admin"}}
	if !p.HasRole("admin") {
		t.Error("admin role not found")
	}
	if p.HasRole("operator") {
		t.Error("unheld role reported")
	}
}

func plainErrorWriter(w http.ResponseWriter, _ *http.Request, status int, title, detail string) {
	http.Error(w, title+": "+detail, status)
}

func TestMiddleware(t *testing.T) {
	v := NewValidator("test-secret")
	var seen *Principal
	handler := Middleware(v, plainErrorWriter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	good, err := v.Sign(testClaims("agent-1", "tenant-a", "auditor"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	unbound, err := v.Sign(testClaims("agent-1", ""))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/v1/intents/evaluate", "", http.StatusUnauthorized},
		{"not bearer", "/v1/intents/evaluate", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/v1/intents/evaluate", "Bearer nope", http.StatusUnauthorized},
		{"missing tenant", "/v1/intents/evaluate", "Bearer " + unbound, http.StatusUnauthorized},
		{"valid", "/v1/intents/evaluate", "Bearer " + good, http.StatusNoContent},
		{"public path", "/healthz", "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/intents/evaluate", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == nil || seen.EntityID != "agent-1" || seen.TenantID != "tenant-a" || !seen.HasRole("auditor") {
		t.Errorf("principal: %+v", seen)
	}
}

func TestRequestID(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" || rec.Header().Get("X-Request-ID") != got {
		t.Errorf("generated id %q, header %q", got, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-supplied")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got != "req-supplied" {
		t.Errorf("client id not reused: %q", got)
	}
	if strings.TrimSpace(rec.Header().Get("X-Request-ID")) != "req-supplied" {
		t.Errorf("header: %q", rec.Header().Get("X-Request-ID"))
	}
}
