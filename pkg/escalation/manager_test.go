package escalation

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/trust"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAuditor) RecordEvent(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAuditor) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, ev := range a.events {
		out = append(out, ev.EventType)
	}
	return out
}

func testIntent() *contracts.Intent {
	return &contracts.Intent{
		ID:       "intent-1",
		TenantID: "acme",
		Actor:    contracts.Actor{Type: contracts.ActorAgent, ID: "agent-7"},
		Goal:     "Transfer funds",
	}
}

func TestOpenAndApprove(t *testing.T) {
	rec := &recordingAuditor{}
	m := NewManager(WithAuditor(rec), WithLogger(quietLogger()))

	p, err := m.Open(context.Background(), testIntent(), "capability_requires_escalation", "finance-lead", []string{"approver"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p.Status != StatusPending || m.PendingCount() != 1 {
		t.Fatalf("expected one pending escalation, got status=%s count=%d", p.Status, m.PendingCount())
	}

	r, err := m.Approve(context.Background(), p.ID, "alice", []string{"approver"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if r.Outcome != StatusApproved || r.EscalationID != p.ID {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if !strings.HasPrefix(r.ContentHash, "sha256:") {
		t.Fatalf("receipt missing content hash: %q", r.ContentHash)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("escalation still pending after approval")
	}

	got := rec.types()
	want := []string{EventRequested, EventApproved}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
}

func TestApproveRoleChecked(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()))
	p, _ := m.Open(context.Background(), testIntent(), "r", "", []string{"approver"})

	if _, err := m.Approve(context.Background(), p.ID, "bob", []string{"viewer"}); !errors.Is(err, ErrRoleDenied) {
		t.Fatalf("expected ErrRoleDenied, got %v", err)
	}
	// Requester cannot approve their own escalation even with the role.
	if _, err := m.Approve(context.Background(), p.ID, "agent-7", []string{"approver"}); !errors.Is(err, ErrSelfApprove) {
		t.Fatalf("expected ErrSelfApprove, got %v", err)
	}
}

func TestDenyCarriesReason(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()))
	p, _ := m.Open(context.Background(), testIntent(), "r", "", nil)

	r, err := m.Deny(context.Background(), p.ID, "carol", "policy violation", nil)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if r.Outcome != StatusDenied || r.Note != "policy violation" {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if _, err := m.Deny(context.Background(), p.ID, "carol", "again", nil); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on double resolve, got %v", err)
	}
}

func TestCheckTimeouts(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := &recordingAuditor{}
	m := NewManager(WithClock(clock), WithTTL(time.Minute), WithAuditor(rec), WithLogger(quietLogger()))

	p, _ := m.Open(context.Background(), testIntent(), "r", "", nil)

	receipts, err := m.CheckTimeouts(context.Background())
	if err != nil || len(receipts) != 0 {
		t.Fatalf("nothing should expire yet: %v %v", receipts, err)
	}

	now = now.Add(2 * time.Minute)
	receipts, err = m.CheckTimeouts(context.Background())
	if err != nil {
		t.Fatalf("check timeouts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Outcome != StatusExpired {
		t.Fatalf("expected one expired receipt, got %v", receipts)
	}
	if got, _ := m.Get(p.ID); got.Status != StatusExpired {
		t.Fatalf("pending not marked expired: %s", got.Status)
	}
	types := rec.types()
	if types[len(types)-1] != EventExpired {
		t.Fatalf("expected expiry audit event, got %v", types)
	}
}

func TestReceiptSignatureVerifies(t *testing.T) {
	kr, err := trust.GenerateKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	signer, err := kr.ForPurpose("escalation-receipt")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	m := NewManager(WithSigner(signer), WithLogger(quietLogger()))
	p, _ := m.Open(context.Background(), testIntent(), "r", "", nil)

	r, err := m.Approve(context.Background(), p.ID, "alice", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if r.Signature == "" || r.PublicKey == "" {
		t.Fatalf("receipt unsigned: %+v", r)
	}
	if _, err := hex.DecodeString(r.Signature); err != nil {
		t.Fatalf("signature is not hex: %v", err)
	}
}

func TestListPendingOrdered(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := NewManager(WithClock(clock), WithLogger(quietLogger()))

	first, _ := m.Open(context.Background(), testIntent(), "r", "", nil)
	now = now.Add(time.Second)
	in2 := testIntent()
	in2.ID = "intent-2"
	second, _ := m.Open(context.Background(), in2, "r", "", nil)

	got := m.ListPending("acme")
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("pending not ordered oldest first: %+v", got)
	}
	if other := m.ListPending("globex"); len(other) != 0 {
		t.Fatalf("tenant filter leaked: %+v", other)
	}
}
