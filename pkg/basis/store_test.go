package basis

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/basisworks/keel/pkg/rules"

	_ "modernc.org/sqlite"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory sqlite is per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSQLiteStoreBundleImmutability(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	b := validBundle()

	if _, err := s.SaveBundle(ctx, "tenant-a", b); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.SaveBundle(ctx, "tenant-a", b); !errors.Is(err, ErrBundleExists) {
		t.Fatalf("second save of same version = %v, want ErrBundleExists", err)
	}
	// Same version under another tenant is a distinct row.
	if _, err := s.SaveBundle(ctx, "tenant-b", b); err != nil {
		t.Fatalf("other tenant: %v", err)
	}

	got, err := s.GetBundle(ctx, "tenant-a", b.PolicyID, b.Metadata.Version)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PolicyID != b.PolicyID || len(got.Constraints) != len(b.Constraints) {
		t.Errorf("round trip lost data: %+v", got)
	}

	if _, err := s.GetBundle(ctx, "tenant-a", "missing", "1.0.0"); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("missing bundle = %v, want ErrBundleNotFound", err)
	}
}

func TestSQLiteStoreBundlesForHighestVersion(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		b := validBundle()
		b.Metadata.Version = version
		if _, err := s.SaveBundle(ctx, "tenant-a", b); err != nil {
			t.Fatal(err)
		}
	}
	other := validBundle()
	other.PolicyID = "egress-rules"
	if _, err := s.SaveBundle(ctx, "tenant-a", other); err != nil {
		t.Fatal(err)
	}

	bundles, err := s.BundlesFor(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(bundles) != 2 {
		t.Fatalf("bundles = %d, want 2", len(bundles))
	}
	if bundles[0].PolicyID != "baseline-tools" || bundles[0].Metadata.Version != "1.10.0" {
		t.Errorf("highest version not selected: %s@%s", bundles[0].PolicyID, bundles[0].Metadata.Version)
	}
}

func TestSQLiteStorePolicies(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	deny := &Policy{
		TenantID: "tenant-a",
		Name:     "no shell",
		Priority: 10,
		Effect:   EffectDeny,
		Rules: rules.Group{Logic: rules.LogicAnd, Rules: []rules.Rule{
			{Field: "intent.tools", Operator: rules.OpContains, Value: "shell_execute"},
		}},
		Conditions: &Conditions{IntentTypes: []string{"tool:*"}},
		Enabled:    true,
	}
	if err := s.SavePolicy(ctx, deny); err != nil {
		t.Fatalf("save: %v", err)
	}
	if deny.ID == "" {
		t.Fatal("save must assign an id")
	}

	disabled := &Policy{TenantID: "tenant-a", Name: "off", Priority: 5, Effect: EffectAllow, Enabled: false}
	if err := s.SavePolicy(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPolicy(ctx, deny.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "no shell" || got.Effect != EffectDeny || got.Conditions == nil {
		t.Errorf("round trip: %+v", got)
	}
	if len(got.Rules.Rules) != 1 || got.Rules.Rules[0].Operator != rules.OpContains {
		t.Errorf("rules lost: %+v", got.Rules)
	}

	// Upsert by id.
	deny.Priority = 1
	if err := s.SavePolicy(ctx, deny); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetPolicy(ctx, deny.ID)
	if got.Priority != 1 {
		t.Errorf("upsert priority = %d", got.Priority)
	}

	active, err := s.PoliciesFor(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != deny.ID {
		t.Errorf("PoliciesFor must return enabled only, got %+v", active)
	}

	if _, err := s.GetPolicy(ctx, "nope"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("missing policy = %v", err)
	}
}

func TestPostgresStoreSaveBundle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS policy_bundles").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := validBundle()
	mock.ExpectExec("INSERT INTO policy_bundles").
		WithArgs(sqlmock.AnyArg(), "tenant-a", b.PolicyID, b.Metadata.Version, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if _, err := s.SaveBundle(context.Background(), "tenant-a", b); err != nil {
		t.Errorf("save: %v", err)
	}

	mock.ExpectExec("INSERT INTO policy_bundles").
		WithArgs(sqlmock.AnyArg(), "tenant-a", b.PolicyID, b.Metadata.Version, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "policy_bundles_tenant_id_policy_id_version_key"`))
	if _, err := s.SaveBundle(context.Background(), "tenant-a", b); !errors.Is(err, ErrBundleExists) {
		t.Errorf("duplicate = %v, want ErrBundleExists", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
