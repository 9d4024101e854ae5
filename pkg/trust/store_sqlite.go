package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basisworks/keel/pkg/tiers"

	_ "modernc.org/sqlite"
)

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
	CREATE TABLE IF NOT EXISTS trust_profiles (
		entity_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		tier TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		domains_json TEXT NOT NULL DEFAULT '[]',
		granted_capabilities_json TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trust_profiles_tenant ON trust_profiles (tenant_id);
	CREATE TABLE IF NOT EXISTS attestations (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		issuer TEXT NOT NULL,
		scope TEXT NOT NULL,
		tier TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		expires_at DATETIME,
		evidence_json TEXT,
		signature BLOB,
		revoked INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_attestations_subject ON attestations (subject);
	CREATE TABLE IF NOT EXISTS delegations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		issuer TEXT NOT NULL,
		delegate TEXT NOT NULL,
		capabilities_json TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		revoked INTEGER NOT NULL DEFAULT 0,
		revoked_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_delegations_issuer ON delegations (issuer, revoked);
	CREATE TABLE IF NOT EXISTS access_tokens (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		delegation_id TEXT,
		issued_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_tokens_entity ON access_tokens (entity_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) GetProfile(ctx context.Context, entityID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, tenant_id, score, tier, status, domains_json, granted_capabilities_json, updated_at
		 FROM trust_profiles WHERE entity_id = ?`, entityID)
	p, err := scanProfile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

func (s *SQLiteStore) PutProfile(ctx context.Context, p *Profile) error {
	domains, caps, err := marshalProfileSets(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_profiles (entity_id, tenant_id, score, tier, status, domains_json, granted_capabilities_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			score = excluded.score,
			tier = excluded.tier,
			status = excluded.status,
			domains_json = excluded.domains_json,
			granted_capabilities_json = excluded.granted_capabilities_json,
			updated_at = excluded.updated_at`,
		p.EntityID, p.TenantID, p.Score, string(p.Tier), string(p.Status),
		domains, caps, p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("trust: save profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context, tenantID string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, tenant_id, score, tier, status, domains_json, granted_capabilities_json, updated_at
		 FROM trust_profiles WHERE tenant_id = ? ORDER BY entity_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutAttestation(ctx context.Context, a *Attestation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attestations (id, subject, issuer, scope, tier, issued_at, expires_at, evidence_json, signature, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET revoked = excluded.revoked`,
		a.ID, a.Subject, a.Issuer, a.Scope, string(a.Tier),
		a.IssuedAt.UTC().Format(time.RFC3339Nano), timeOrNil(a.ExpiresAt),
		nullableString(string(a.Evidence)), a.Signature, boolToInt(a.Revoked),
	)
	if err != nil {
		return fmt.Errorf("trust: save attestation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AttestationsFor(ctx context.Context, subject string) ([]Attestation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, issuer, scope, tier, issued_at, expires_at, evidence_json, signature, revoked
		 FROM attestations WHERE subject = ? ORDER BY id`, subject)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attestation
	for rows.Next() {
		var (
			a       Attestation
			tier    string
			issued  string
			expires sql.NullString
			ev      sql.NullString
			revoked int
		)
		if err := rows.Scan(&a.ID, &a.Subject, &a.Issuer, &a.Scope, &tier,
			&issued, &expires, &ev, &a.Signature, &revoked); err != nil {
			return nil, err
		}
		a.Tier = tierFrom(tier)
		a.IssuedAt = parseStoredTime(issued)
		a.ExpiresAt = parseStoredTime(expires.String)
		if ev.Valid && ev.String != "" {
			a.Evidence = json.RawMessage(ev.String)
		}
		a.Revoked = revoked != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RevokeAttestation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attestations SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("trust: revoke attestation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttestationNotFound
	}
	return nil
}

func (s *SQLiteStore) PutDelegation(ctx context.Context, d *Delegation) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("trust: marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delegations (id, tenant_id, issuer, delegate, capabilities_json, created_at, expires_at, revoked, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Issuer, d.Delegate, string(caps),
		d.CreatedAt.UTC().Format(time.RFC3339Nano), timeOrNil(d.ExpiresAt),
		boolToInt(d.Revoked), timeOrNil(d.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("trust: save delegation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, issuer, delegate, capabilities_json, created_at, expires_at, revoked, revoked_at
		 FROM delegations WHERE id = ?`, id)
	d, err := scanDelegation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDelegationNotFound
	}
	return d, err
}

func (s *SQLiteStore) DelegationsByIssuer(ctx context.Context, issuer string) ([]Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, issuer, delegate, capabilities_json, created_at, expires_at, revoked, revoked_at
		 FROM delegations
		 WHERE issuer = ? AND revoked = 0 AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id`,
		issuer, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDelegation(scan func(dest ...any) error) (*Delegation, error) {
	var (
		d        Delegation
		caps     string
		created  string
		expires  sql.NullString
		revoked  int
		revokedA sql.NullString
	)
	if err := scan(&d.ID, &d.TenantID, &d.Issuer, &d.Delegate, &caps,
		&created, &expires, &revoked, &revokedA); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("trust: capabilities_json: %w", err)
	}
	d.CreatedAt = parseStoredTime(created)
	d.ExpiresAt = parseStoredTime(expires.String)
	d.Revoked = revoked != 0
	d.RevokedAt = parseStoredTime(revokedA.String)
	return &d, nil
}

func (s *SQLiteStore) RevokeDelegationsByIssuer(ctx context.Context, issuer string, at time.Time) (int, error) {
	stamp := at.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET revoked = 1, revoked_at = ?
		 WHERE issuer = ? AND revoked = 0 AND (expires_at IS NULL OR expires_at > ?)`,
		stamp, issuer, stamp)
	if err != nil {
		return 0, fmt.Errorf("trust: revoke delegations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) PutToken(ctx context.Context, tok *Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_tokens (id, entity_id, delegation_id, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tok.ID, tok.EntityID, nullableString(tok.DelegationID),
		tok.IssuedAt.UTC().Format(time.RFC3339Nano), tok.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("trust: save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ExpireTokensForEntity(ctx context.Context, entityID string, at time.Time) (int, error) {
	stamp := at.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET expires_at = ? WHERE entity_id = ? AND expires_at > ?`,
		stamp, entityID, stamp)
	if err != nil {
		return 0, fmt.Errorf("trust: expire tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanProfile(scan func(dest ...any) error) (*Profile, error) {
	var (
		p          Profile
		tier       string
		status     string
		domains    string
		caps       string
		updatedRaw string
	)
	if err := scan(&p.EntityID, &p.TenantID, &p.Score, &tier, &status, &domains, &caps, &updatedRaw); err != nil {
		return nil, err
	}
	p.Tier = tierFrom(tier)
	p.Status = Status(status)
	if err := json.Unmarshal([]byte(domains), &p.Domains); err != nil {
		return nil, fmt.Errorf("trust: domains_json: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &p.GrantedCapabilities); err != nil {
		return nil, fmt.Errorf("trust: granted_capabilities_json: %w", err)
	}
	p.UpdatedAt = parseStoredTime(updatedRaw)
	return &p, nil
}

func marshalProfileSets(p *Profile) (string, string, error) {
	domains, err := json.Marshal(emptyIfNil(p.Domains))
	if err != nil {
		return "", "", fmt.Errorf("trust: marshal domains: %w", err)
	}
	caps, err := json.Marshal(emptyIfNil(p.GrantedCapabilities))
	if err != nil {
		return "", "", fmt.Errorf("trust: marshal capabilities: %w", err)
	}
	return string(domains), string(caps), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// tierFrom trusts stored tier strings but maps anything unknown to sandbox
// so damaged rows fail closed.
func tierFrom(raw string) tiers.Tier {
	t := tiers.Tier(raw)
	if !tiers.Valid(t) {
		return tiers.Sandbox
	}
	return t
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

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
