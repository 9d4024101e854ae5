package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/basisworks/keel/pkg/audit"
	"github.com/basisworks/keel/pkg/auth"
	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/engine"
	"github.com/basisworks/keel/pkg/escalation"
	"github.com/basisworks/keel/pkg/orchestrator"
	"github.com/basisworks/keel/pkg/semantic"
	"github.com/basisworks/keel/pkg/trust"
)

const testSecret = "test-secret-please-rotate"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type fixedSource struct {
	bundles []*basis.Bundle
}

func (f *fixedSource) BundlesFor(context.Context, string) ([]*basis.Bundle, error) {
	return f.bundles, nil
}

func (f *fixedSource) PoliciesFor(context.Context, string) ([]basis.Policy, error) {
	return nil, nil
}

type testEnv struct {
	server    *httptest.Server
	validator *auth.Validator
	trust     *trust.Service
	esc       *escalation.Manager
}

func newTestEnv(t *testing.T, bundles ...*basis.Bundle) *testEnv {
	t.Helper()

	trustSvc, err := trust.NewService(trust.Config{Store: trust.NewMemoryStore(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	auditSvc, err := audit.NewService(audit.Config{Store: audit.NewMemoryStore(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	sem, err := semantic.NewService(semantic.Config{}, semantic.WithServiceLogger(testLogger()))
	if err != nil {
		t.Fatalf("semantic: %v", err)
	}
	eng, err := engine.New(
		engine.WithCapabilityChecker(orchestrator.CapabilityAdapter{Trust: trustSvc}),
		engine.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	keyring, err := trust.GenerateKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	signer, err := keyring.ForPurpose("escalation-receipt")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	esc := escalation.NewManager(
		escalation.WithAuditor(audit.NewEscalationRecorder(auditSvc)),
		escalation.WithSigner(signer),
		escalation.WithLogger(testLogger()),
	)
	orc, err := orchestrator.New(orchestrator.Config{
		Engine:      eng,
		Semantic:    sem,
		Trust:       trustSvc,
		Audit:       auditSvc,
		Escalations: esc,
		Policies:    &fixedSource{bundles: bundles},
		Defaults: orchestrator.Settings{
			Strategy:      engine.StrategyDenyOverrides,
			DefaultAction: contracts.DecisionAllow,
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	validator := auth.NewValidator(testSecret)
	srv, err := NewServer(ServerConfig{
		Orchestrator: orc,
		Audit:        auditSvc,
		Trust:        trustSvc,
		Escalations:  esc,
		Validator:    validator,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, validator: validator, trust: trustSvc, esc: esc}
}

func (e *testEnv) token(t *testing.T, entityID, tenantID string, roles ...string) string {
	t.Helper()
	tok, err := e.validator.Sign(&auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entityID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID,
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func registerAgent(t *testing.T, e *testEnv, entityID string, score int, caps ...string) {
	t.Helper()
	err := e.trust.Register(context.Background(), &trust.Profile{
		EntityID:            entityID,
		TenantID:            "acme",
		Score:               score,
		GrantedCapabilities: caps,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestRequiresAuth(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/intents/evaluate", "", map[string]any{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content-type = %q", ct)
	}
	problem := decode[ProblemDetail](t, resp)
	if problem.Status != http.StatusUnauthorized || problem.Title != "Unauthorized" {
		t.Fatalf("problem = %+v", problem)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEvaluateAllow(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 400)
	token := e.token(t, "client-1", "acme")

	resp := e.do(t, http.MethodPost, "/v1/intents/evaluate", token, EvaluateRequest{
		Intent: &contracts.Intent{
			Actor: contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:  "Read a file",
			Tools: []string{"file_read"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	d := decode[contracts.Decision](t, resp)
	if d.Decision != contracts.DecisionAllow {
		t.Fatalf("decision = %s (%s)", d.Decision, d.Reason)
	}
	if d.ProofID == "" {
		t.Fatal("decision has no proof id")
	}
}

func TestEvaluateTenantMismatchRejected(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "client-1", "acme")

	resp := e.do(t, http.MethodPost, "/v1/intents/evaluate", token, EvaluateRequest{
		Intent: &contracts.Intent{
			TenantID: "globex",
			Actor:    contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:     "Read a file",
		},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestEvaluateDenyByBundle(t *testing.T) {
	e := newTestEnv(t, &basis.Bundle{
		BasisVersion: "1.0",
		PolicyID:     "acme-baseline",
		Metadata:     basis.Metadata{Name: "baseline", Version: "1.0.0"},
		Constraints: []basis.Constraint{{
			Kind:   basis.KindToolRestriction,
			Action: basis.ActionBlock,
			Values: []string{"shell_execute"},
		}},
	})
	registerAgent(t, e, "agent-7", 400)
	token := e.token(t, "client-1", "acme")

	resp := e.do(t, http.MethodPost, "/v1/intents/evaluate", token, EvaluateRequest{
		Intent: &contracts.Intent{
			Actor: contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:  "Run a shell command",
			Tools: []string{"shell_execute"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	d := decode[contracts.Decision](t, resp)
	if d.Decision != contracts.DecisionDeny || d.Reason != "tool_restriction:shell_execute" {
		t.Fatalf("decision = %s (%s)", d.Decision, d.Reason)
	}
}

func TestAuditRecordsScopedToTenant(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 400)
	token := e.token(t, "client-1", "acme")

	resp := e.do(t, http.MethodPost, "/v1/intents/evaluate", token, EvaluateRequest{
		Intent: &contracts.Intent{
			Actor: contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:  "Read a file",
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}

	recs := decode[audit.QueryResult](t, e.do(t, http.MethodGet, "/v1/audit/records", token, nil))
	if len(recs.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(recs.Records))
	}

	otherToken := e.token(t, "client-2", "globex")
	other := decode[audit.QueryResult](t, e.do(t, http.MethodGet, "/v1/audit/records", otherToken, nil))
	if len(other.Records) != 0 {
		t.Fatalf("cross-tenant records leaked: %d", len(other.Records))
	}
}

func TestAuditVerify(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 400)
	token := e.token(t, "client-1", "acme")

	for i := 0; i < 3; i++ {
		resp := e.do(t, http.MethodPost, "/v1/intents/evaluate", token, EvaluateRequest{
			Intent: &contracts.Intent{
				Actor: contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
				Goal:  fmt.Sprintf("Task %d", i),
			},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("evaluate %d: status %d", i, resp.StatusCode)
		}
	}

	report := decode[audit.IntegrityReport](t, e.do(t, http.MethodGet, "/v1/audit/verify", token, nil))
	if !report.Valid || report.RecordsChecked != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func TestTrustGetAndRevoke(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 400)
	admin := e.token(t, "operator-1", "acme", "admin")
	viewer := e.token(t, "client-1", "acme")

	profile := decode[trust.Profile](t, e.do(t, http.MethodGet, "/v1/trust/agent-7", viewer, nil))
	if profile.EntityID != "agent-7" {
		t.Fatalf("profile = %+v", profile)
	}

	// Revocation is admin-only.
	resp := e.do(t, http.MethodPost, "/v1/trust/agent-7/revoke", viewer, RevokeRequest{Reason: "compromised"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin revoke status = %d, want 403", resp.StatusCode)
	}

	resp = e.do(t, http.MethodPost, "/v1/trust/agent-7/revoke", admin, RevokeRequest{Reason: "compromised"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin revoke status = %d, want 200", resp.StatusCode)
	}
	outcome := decode[trust.RevocationOutcome](t, resp)
	if outcome.EntityID != "agent-7" {
		t.Fatalf("outcome = %+v", outcome)
	}

	d := decode[contracts.Decision](t, e.do(t, http.MethodPost, "/v1/intents/evaluate", viewer, EvaluateRequest{
		Intent: &contracts.Intent{
			Actor: contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:  "Read a file",
		},
	}))
	if d.Decision != contracts.DecisionDeny {
		t.Fatalf("revoked agent decision = %s", d.Decision)
	}
}

func TestTrustCrossTenantHidden(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 400)
	other := e.token(t, "client-2", "globex")

	resp := e.do(t, http.MethodGet, "/v1/trust/agent-7", other, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEscalationLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 600, "financial:transaction/*")
	client := e.token(t, "client-1", "acme")
	approver := e.token(t, "operator-1", "acme", "approver")

	d := decode[contracts.Decision](t, e.do(t, http.MethodPost, "/v1/intents/evaluate", client, EvaluateRequest{
		Intent: &contracts.Intent{
			Actor:                 contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:                  "Wire transfer",
			RequestedCapabilities: []string{"financial:transaction/high"},
		},
	}))
	if d.Decision != contracts.DecisionEscalate || d.EscalationID == "" {
		t.Fatalf("decision = %+v", d)
	}

	listing := decode[map[string]json.RawMessage](t, e.do(t, http.MethodGet, "/v1/escalations", client, nil))
	var count int
	if err := json.Unmarshal(listing["count"], &count); err != nil || count != 1 {
		t.Fatalf("pending count = %d (%v)", count, err)
	}

	resp := e.do(t, http.MethodPost, "/v1/escalations/"+d.EscalationID+"/approve", approver, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	receipt := decode[escalation.Receipt](t, resp)
	if receipt.Outcome != escalation.StatusApproved || receipt.Signature == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	// A second approval conflicts: the escalation is no longer pending.
	resp = e.do(t, http.MethodPost, "/v1/escalations/"+d.EscalationID+"/approve", approver, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-approve status = %d, want 409", resp.StatusCode)
	}
}

func TestEscalationCrossTenantHidden(t *testing.T) {
	e := newTestEnv(t)
	registerAgent(t, e, "agent-7", 600, "financial:transaction/*")
	client := e.token(t, "client-1", "acme")
	outsider := e.token(t, "client-9", "globex", "approver")

	d := decode[contracts.Decision](t, e.do(t, http.MethodPost, "/v1/intents/evaluate", client, EvaluateRequest{
		Intent: &contracts.Intent{
			Actor:                 contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
			Goal:                  "Wire transfer",
			RequestedCapabilities: []string{"financial:transaction/high"},
		},
	}))
	if d.EscalationID == "" {
		t.Fatal("no escalation opened")
	}

	resp := e.do(t, http.MethodPost, "/v1/escalations/"+d.EscalationID+"/approve", outsider, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant approve status = %d, want 404", resp.StatusCode)
	}
}

func TestClientRateLimit(t *testing.T) {
	limiter := NewClientLimiter(1, 2)
	defer limiter.Close()

	e := newTestEnvWithLimiter(t, limiter)
	token := e.token(t, "client-1", "acme")

	var limited bool
	for i := 0; i < 5; i++ {
		resp := e.do(t, http.MethodGet, "/v1/audit/records", token, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			if resp.Header.Get("Retry-After") == "" {
				t.Fatal("429 without Retry-After")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst was never limited")
	}
}

func newTestEnvWithLimiter(t *testing.T, limiter *ClientLimiter) *testEnv {
	t.Helper()
	base := newTestEnv(t)
	base.server.Close()

	trustSvc := base.trust
	auditSvc, err := audit.NewService(audit.Config{Store: audit.NewMemoryStore(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	sem, err := semantic.NewService(semantic.Config{}, semantic.WithServiceLogger(testLogger()))
	if err != nil {
		t.Fatalf("semantic: %v", err)
	}
	eng, err := engine.New(engine.WithCapabilityChecker(orchestrator.CapabilityAdapter{Trust: trustSvc}), engine.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	orc, err := orchestrator.New(orchestrator.Config{
		Engine:   eng,
		Semantic: sem,
		Trust:    trustSvc,
		Audit:    auditSvc,
		Policies: &fixedSource{},
		Defaults: orchestrator.Settings{Strategy: engine.StrategyDenyOverrides, DefaultAction: contracts.DecisionAllow},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		Orchestrator:  orc,
		Audit:         auditSvc,
		Trust:         trustSvc,
		Escalations:   escalation.NewManager(escalation.WithLogger(testLogger())),
		Validator:     base.validator,
		ClientLimiter: limiter,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, validator: base.validator, trust: trustSvc}
}
