package basis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// PostgresStore backs Store with PostgreSQL for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the schema if needed.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_bundles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		version TEXT NOT NULL,
		body_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, policy_id, version)
	);
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		bundle_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 100,
		effect TEXT NOT NULL,
		rules_json JSONB NOT NULL,
		conditions_json JSONB,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies (tenant_id, priority);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) SaveBundle(ctx context.Context, tenantID string, b *Bundle) (string, error) {
	body, err := Serialize(b, FormatJSON)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_bundles (id, tenant_id, policy_id, version, body_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, tenantID, b.PolicyID, b.Metadata.Version, string(body), time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrBundleExists
		}
		return "", fmt.Errorf("basis: insert bundle: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetBundle(ctx context.Context, tenantID, policyID, version string) (*Bundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body_json FROM policy_bundles
		 WHERE tenant_id = $1 AND policy_id = $2 AND version = $3`,
		tenantID, policyID, version,
	)
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBundleNotFound
		}
		return nil, err
	}
	return Parse([]byte(body), FormatJSON)
}

func (s *PostgresStore) ListBundles(ctx context.Context, tenantID string) ([]*Bundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body_json FROM policy_bundles WHERE tenant_id = $1 ORDER BY policy_id, version`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bundles []*Bundle
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		b, err := Parse([]byte(body), FormatJSON)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

func (s *PostgresStore) SavePolicy(ctx context.Context, p *Policy) error {
	rulesJSON, condJSON, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (id, tenant_id, bundle_id, name, priority, effect, rules_json, conditions_json, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			bundle_id = EXCLUDED.bundle_id,
			name = EXCLUDED.name,
			priority = EXCLUDED.priority,
			effect = EXCLUDED.effect,
			rules_json = EXCLUDED.rules_json,
			conditions_json = EXCLUDED.conditions_json,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.TenantID, p.BundleID, p.Name, p.Priority, string(p.Effect),
		rulesJSON, condJSON, p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("basis: save policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, bundle_id, name, priority, effect, rules_json, conditions_json, enabled, created_at, updated_at
		 FROM policies WHERE id = $1`, id)
	p, err := scanPolicyPg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	return p, err
}

func (s *PostgresStore) ListPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, bundle_id, name, priority, effect, rules_json, conditions_json, enabled, created_at, updated_at
		 FROM policies WHERE tenant_id = $1 ORDER BY priority, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicyPg(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// BundlesFor implements PolicySource.
func (s *PostgresStore) BundlesFor(ctx context.Context, tenantID string) ([]*Bundle, error) {
	all, err := s.ListBundles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return highestVersions(all), nil
}

// PoliciesFor implements PolicySource.
func (s *PostgresStore) PoliciesFor(ctx context.Context, tenantID string) ([]Policy, error) {
	all, err := s.ListPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// scanPolicyPg differs from the sqlite scan in timestamp handling: pq hands
// back time.Time for TIMESTAMPTZ columns.
func scanPolicyPg(scan func(dest ...any) error) (*Policy, error) {
	var (
		p         Policy
		bundleID  sql.NullString
		effect    string
		rulesJSON []byte
		condJSON  []byte
	)
	if err := scan(&p.ID, &p.TenantID, &bundleID, &p.Name, &p.Priority, &effect,
		&rulesJSON, &condJSON, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.BundleID = bundleID.String
	p.Effect = Effect(effect)
	if err := unmarshalPolicyBody(&p, rulesJSON, condJSON); err != nil {
		return nil, err
	}
	return &p, nil
}
