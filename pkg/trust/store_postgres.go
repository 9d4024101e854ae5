package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore backs Store with PostgreSQL for multi-node deployments.
// Domain and capability sets use native text arrays.
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
	CREATE TABLE IF NOT EXISTS trust_profiles (
		entity_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		tier TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		domains TEXT[] NOT NULL DEFAULT '{}',
		granted_capabilities TEXT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trust_profiles_tenant ON trust_profiles (tenant_id);
	CREATE TABLE IF NOT EXISTS attestations (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		issuer TEXT NOT NULL,
		scope TEXT NOT NULL,
		tier TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		evidence_json JSONB,
		signature BYTEA,
		revoked BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_attestations_subject ON attestations (subject);
	CREATE TABLE IF NOT EXISTS delegations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		issuer TEXT NOT NULL,
		delegate TEXT NOT NULL,
		capabilities TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_delegations_issuer ON delegations (issuer, revoked);
	CREATE TABLE IF NOT EXISTS access_tokens (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		delegation_id TEXT,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_tokens_entity ON access_tokens (entity_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) GetProfile(ctx context.Context, entityID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, tenant_id, score, tier, status, domains, granted_capabilities, updated_at
		 FROM trust_profiles WHERE entity_id = $1`, entityID)
	p, err := scanProfilePg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

func (s *PostgresStore) PutProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_profiles (entity_id, tenant_id, score, tier, status, domains, granted_capabilities, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (entity_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			domains = EXCLUDED.domains,
			granted_capabilities = EXCLUDED.granted_capabilities,
			updated_at = EXCLUDED.updated_at`,
		p.EntityID, p.TenantID, p.Score, string(p.Tier), string(p.Status),
		pq.Array(emptyIfNil(p.Domains)), pq.Array(emptyIfNil(p.GrantedCapabilities)), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("trust: save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context, tenantID string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, tenant_id, score, tier, status, domains, granted_capabilities, updated_at
		 FROM trust_profiles WHERE tenant_id = $1 ORDER BY entity_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Profile
	for rows.Next() {
		p, err := scanProfilePg(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutAttestation(ctx context.Context, a *Attestation) error {
	var evidence any
	if len(a.Evidence) > 0 {
		evidence = string(a.Evidence)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attestations (id, subject, issuer, scope, tier, issued_at, expires_at, evidence_json, signature, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET revoked = EXCLUDED.revoked`,
		a.ID, a.Subject, a.Issuer, a.Scope, string(a.Tier),
		a.IssuedAt.UTC(), pgTimeOrNil(a.ExpiresAt), evidence, a.Signature, a.Revoked,
	)
	if err != nil {
		return fmt.Errorf("trust: save attestation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttestationsFor(ctx context.Context, subject string) ([]Attestation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, issuer, scope, tier, issued_at, expires_at, evidence_json, signature, revoked
		 FROM attestations WHERE subject = $1 ORDER BY id`, subject)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attestation
	for rows.Next() {
		var (
			a       Attestation
			tier    string
			expires sql.NullTime
			ev      sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Subject, &a.Issuer, &a.Scope, &tier,
			&a.IssuedAt, &expires, &ev, &a.Signature, &a.Revoked); err != nil {
			return nil, err
		}
		a.Tier = tierFrom(tier)
		a.ExpiresAt = expires.Time
		if ev.Valid && ev.String != "" {
			a.Evidence = json.RawMessage(ev.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeAttestation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attestations SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("trust: revoke attestation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttestationNotFound
	}
	return nil
}

func (s *PostgresStore) PutDelegation(ctx context.Context, d *Delegation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegations (id, tenant_id, issuer, delegate, capabilities, created_at, expires_at, revoked, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.TenantID, d.Issuer, d.Delegate, pq.Array(emptyIfNil(d.Capabilities)),
		d.CreatedAt.UTC(), pgTimeOrNil(d.ExpiresAt), d.Revoked, pgTimeOrNil(d.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("trust: save delegation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, issuer, delegate, capabilities, created_at, expires_at, revoked, revoked_at
		 FROM delegations WHERE id = $1`, id)
	d, err := scanDelegationPg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDelegationNotFound
	}
	return d, err
}

func (s *PostgresStore) DelegationsByIssuer(ctx context.Context, issuer string) ([]Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, issuer, delegate, capabilities, created_at, expires_at, revoked, revoked_at
		 FROM delegations
		 WHERE issuer = $1 AND revoked = FALSE AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY id`, issuer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Delegation
	for rows.Next() {
		d, err := scanDelegationPg(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDelegationPg(scan func(dest ...any) error) (*Delegation, error) {
	var (
		d        Delegation
		expires  sql.NullTime
		revokedA sql.NullTime
	)
	if err := scan(&d.ID, &d.TenantID, &d.Issuer, &d.Delegate, pq.Array(&d.Capabilities),
		&d.CreatedAt, &expires, &d.Revoked, &revokedA); err != nil {
		return nil, err
	}
	d.ExpiresAt = expires.Time
	d.RevokedAt = revokedA.Time
	return &d, nil
}

func (s *PostgresStore) RevokeDelegationsByIssuer(ctx context.Context, issuer string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET revoked = TRUE, revoked_at = $1
		 WHERE issuer = $2 AND revoked = FALSE AND (expires_at IS NULL OR expires_at > $1)`,
		at.UTC(), issuer)
	if err != nil {
		return 0, fmt.Errorf("trust: revoke delegations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) PutToken(ctx context.Context, tok *Token) error {
	var delegationID any
	if tok.DelegationID != "" {
		delegationID = tok.DelegationID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_tokens (id, entity_id, delegation_id, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tok.ID, tok.EntityID, delegationID, tok.IssuedAt.UTC(), tok.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("trust: save token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExpireTokensForEntity(ctx context.Context, entityID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET expires_at = $1 WHERE entity_id = $2 AND expires_at > $1`,
		at.UTC(), entityID)
	if err != nil {
		return 0, fmt.Errorf("trust: expire tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanProfilePg(scan func(dest ...any) error) (*Profile, error) {
	var (
		p      Profile
		tier   string
		status string
	)
	if err := scan(&p.EntityID, &p.TenantID, &p.Score, &tier, &status,
		pq.Array(&p.Domains), pq.Array(&p.GrantedCapabilities), &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Tier = tierFrom(tier)
	p.Status = Status(status)
	return &p, nil
}

func pgTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
