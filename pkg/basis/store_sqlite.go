package basis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Store persists immutable bundle rows and mutable runtime policies.
var (
	ErrBundleNotFound = errors.New("basis: bundle not found")
	ErrBundleExists   = errors.New("basis: bundle version already stored")
	ErrPolicyNotFound = errors.New("basis: policy not found")
)

// Store is the relational persistence for the policy surface. Bundle rows
// are immutable: a (tenant, policy_id, version) triple is written once.
type Store interface {
	SaveBundle(ctx context.Context, tenantID string, b *Bundle) (string, error)
	GetBundle(ctx context.Context, tenantID, policyID, version string) (*Bundle, error)
	ListBundles(ctx context.Context, tenantID string) ([]*Bundle, error)
	SavePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, tenantID string) ([]Policy, error)

	PolicySource
}

// SQLiteStore backs Store with a local sqlite database, the default for
// single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_bundles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		version TEXT NOT NULL,
		body_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (tenant_id, policy_id, version)
	);
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		bundle_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 100,
		effect TEXT NOT NULL,
		rules_json TEXT NOT NULL,
		conditions_json TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies (tenant_id, priority);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) SaveBundle(ctx context.Context, tenantID string, b *Bundle) (string, error) {
	body, err := Serialize(b, FormatJSON)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_bundles (id, tenant_id, policy_id, version, body_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, tenantID, b.PolicyID, b.Metadata.Version, string(body), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrBundleExists
		}
		return "", fmt.Errorf("basis: insert bundle: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetBundle(ctx context.Context, tenantID, policyID, version string) (*Bundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body_json FROM policy_bundles
		 WHERE tenant_id = ? AND policy_id = ? AND version = ?`,
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

func (s *SQLiteStore) ListBundles(ctx context.Context, tenantID string) ([]*Bundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body_json FROM policy_bundles WHERE tenant_id = ? ORDER BY policy_id, version`,
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

func (s *SQLiteStore) SavePolicy(ctx context.Context, p *Policy) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			bundle_id = excluded.bundle_id,
			name = excluded.name,
			priority = excluded.priority,
			effect = excluded.effect,
			rules_json = excluded.rules_json,
			conditions_json = excluded.conditions_json,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		p.ID, p.TenantID, p.BundleID, p.Name, p.Priority, string(p.Effect),
		rulesJSON, condJSON, boolToInt(p.Enabled),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("basis: save policy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, bundle_id, name, priority, effect, rules_json, conditions_json, enabled, created_at, updated_at
		 FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	return p, err
}

func (s *SQLiteStore) ListPolicies(ctx context.Context, tenantID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, bundle_id, name, priority, effect, rules_json, conditions_json, enabled, created_at, updated_at
		 FROM policies WHERE tenant_id = ? ORDER BY priority, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// BundlesFor implements PolicySource: the highest stored version per
// policy_id for the tenant.
func (s *SQLiteStore) BundlesFor(ctx context.Context, tenantID string) ([]*Bundle, error) {
	all, err := s.ListBundles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return highestVersions(all), nil
}

// PoliciesFor implements PolicySource: enabled policies sorted by priority.
func (s *SQLiteStore) PoliciesFor(ctx context.Context, tenantID string) ([]Policy, error) {
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

// highestVersions keeps one bundle per policy_id, preferring the greatest
// semver. Version strings were validated at save time.
func highestVersions(all []*Bundle) []*Bundle {
	best := make(map[string]*Bundle)
	bestVer := make(map[string]*semver.Version)
	for _, b := range all {
		ver, err := semver.StrictNewVersion(b.Metadata.Version)
		if err != nil {
			continue
		}
		if cur, ok := bestVer[b.PolicyID]; !ok || ver.GreaterThan(cur) {
			best[b.PolicyID] = b
			bestVer[b.PolicyID] = ver
		}
	}
	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Bundle, 0, len(ids))
	for _, id := range ids {
		out = append(out, best[id])
	}
	return out
}

func marshalPolicy(p *Policy) (rulesJSON string, condJSON sql.NullString, err error) {
	rb, err := json.Marshal(p.Rules)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("basis: marshal rules: %w", err)
	}
	if p.Conditions != nil {
		cb, err := json.Marshal(p.Conditions)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("basis: marshal conditions: %w", err)
		}
		condJSON = sql.NullString{String: string(cb), Valid: true}
	}
	return string(rb), condJSON, nil
}

func scanPolicy(scan func(dest ...any) error) (*Policy, error) {
	var (
		p          Policy
		bundleID   sql.NullString
		effect     string
		rulesJSON  string
		condJSON   sql.NullString
		enabled    int
		createdRaw string
		updatedRaw string
	)
	if err := scan(&p.ID, &p.TenantID, &bundleID, &p.Name, &p.Priority, &effect,
		&rulesJSON, &condJSON, &enabled, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.BundleID = bundleID.String
	p.Effect = Effect(effect)
	p.Enabled = enabled != 0
	p.CreatedAt = parseStoredTime(createdRaw)
	p.UpdatedAt = parseStoredTime(updatedRaw)
	if err := unmarshalPolicyBody(&p, []byte(rulesJSON), []byte(condJSON.String)); err != nil {
		return nil, err
	}
	return &p, nil
}

func unmarshalPolicyBody(p *Policy, rulesJSON, condJSON []byte) error {
	if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
		return fmt.Errorf("basis: rules_json: %w", err)
	}
	if len(condJSON) > 0 {
		p.Conditions = &Conditions{}
		if err := json.Unmarshal(condJSON, p.Conditions); err != nil {
			return fmt.Errorf("basis: conditions_json: %w", err)
		}
	}
	return nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
