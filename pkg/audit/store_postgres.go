package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/basisworks/keel/pkg/contracts"
)

// PostgresStore backs Store with PostgreSQL for multi-node deployments.
// Tags use a native text array; metadata and state snapshots are JSONB.
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
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_category TEXT NOT NULL,
		severity TEXT NOT NULL,
		actor_type TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		actor_name TEXT,
		actor_ip TEXT,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		target_name TEXT,
		request_id TEXT,
		trace_id TEXT,
		span_id TEXT,
		action TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT,
		before_state JSONB,
		after_state JSONB,
		diff_state JSONB,
		metadata JSONB,
		tags TEXT[] NOT NULL DEFAULT '{}',
		sequence_number BIGINT NOT NULL,
		previous_hash TEXT,
		record_hash TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		archived_at TIMESTAMPTZ,
		UNIQUE (tenant_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_records (tenant_id, event_time);
	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_records (tenant_id, target_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_trace ON audit_records (tenant_id, trace_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const auditColumnsPg = `id, tenant_id, event_type, event_category, severity,
	actor_type, actor_id, actor_name, actor_ip,
	target_type, target_id, target_name,
	request_id, trace_id, span_id,
	action, outcome, reason,
	before_state, after_state, diff_state, metadata, tags,
	sequence_number, previous_hash, record_hash,
	event_time, recorded_at, archived, archived_at`

func (s *PostgresStore) Head(ctx context.Context, tenantID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumnsPg+` FROM audit_records
		 WHERE tenant_id = $1 ORDER BY sequence_number DESC LIMIT 1`, tenantID)
	r, err := scanAuditRecordPg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) Insert(ctx context.Context, r *Record) error {
	var metadata any
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+auditColumnsPg+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`,
		r.ID, r.TenantID, r.EventType, string(r.Category), string(r.Severity),
		string(r.Actor.Type), r.Actor.ID, nullableString(r.Actor.Name), nullableString(r.Actor.IP),
		r.Target.Type, r.Target.ID, nullableString(r.Target.Name),
		nullableString(r.RequestID), nullableString(r.TraceID), nullableString(r.SpanID),
		r.Action, string(r.Outcome), nullableString(r.Reason),
		rawOrNil(r.BeforeState), rawOrNil(r.AfterState), rawOrNil(r.DiffState), metadata, pq.Array(tags),
		r.SequenceNumber, nullableString(r.PreviousHash), r.RecordHash,
		r.EventTime.UTC(), r.RecordedAt.UTC(), r.Archived, pgTimeOrNil(r.ArchivedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("audit: tenant %s sequence %d: %w", r.TenantID, r.SequenceNumber, ErrSequenceConflict)
		}
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumnsPg+` FROM audit_records WHERE id = $1`, id)
	r, err := scanAuditRecordPg(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

func (s *PostgresStore) Search(ctx context.Context, q *Query) ([]Record, int, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{"tenant_id = " + arg(q.TenantID)}
	if len(q.EventTypes) > 0 {
		where = append(where, "event_type = ANY("+arg(pq.Array(q.EventTypes))+")")
	}
	if len(q.Categories) > 0 {
		where = append(where, "event_category = ANY("+arg(pq.Array(stringsOf(q.Categories)))+")")
	}
	if len(q.Severities) > 0 {
		where = append(where, "severity = ANY("+arg(pq.Array(stringsOf(q.Severities)))+")")
	}
	if q.ActorID != "" {
		where = append(where, "actor_id = "+arg(q.ActorID))
	}
	if q.TargetType != "" {
		where = append(where, "target_type = "+arg(q.TargetType))
	}
	if q.TargetID != "" {
		where = append(where, "target_id = "+arg(q.TargetID))
	}
	if q.Outcome != "" {
		where = append(where, "outcome = "+arg(string(q.Outcome)))
	}
	if !q.From.IsZero() {
		where = append(where, "event_time >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		where = append(where, "event_time <= "+arg(q.To.UTC()))
	}
	if len(q.Tags) > 0 {
		where = append(where, "tags @> "+arg(pq.Array(q.Tags)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count records: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumnsPg+` FROM audit_records WHERE `+clause+`
		 ORDER BY sequence_number DESC LIMIT `+arg(limit)+` OFFSET `+arg(q.Offset),
		args...)
	if err != nil {
		return nil, 0, err
	}
	records, err := collectAuditRecordsPg(rows)
	return records, total, err
}

func (s *PostgresStore) ForTarget(ctx context.Context, tenantID, targetType, targetID string, limit int) ([]Record, error) {
	query := `SELECT ` + auditColumnsPg + ` FROM audit_records
		 WHERE tenant_id = $1 AND target_type = $2 AND target_id = $3
		 ORDER BY event_time DESC, sequence_number DESC`
	args := []any{tenantID, targetType, targetID}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAuditRecordsPg(rows)
}

func (s *PostgresStore) ByTrace(ctx context.Context, tenantID, traceID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumnsPg+` FROM audit_records
		 WHERE tenant_id = $1 AND trace_id = $2 ORDER BY sequence_number`,
		tenantID, traceID)
	if err != nil {
		return nil, err
	}
	return collectAuditRecordsPg(rows)
}

func (s *PostgresStore) ChainSlice(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]Record, error) {
	query := `SELECT ` + auditColumnsPg + ` FROM audit_records
		 WHERE tenant_id = $1 AND sequence_number >= $2 ORDER BY sequence_number`
	args := []any{tenantID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAuditRecordsPg(rows)
}

func (s *PostgresStore) InWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Record, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	where := []string{"tenant_id = " + arg(tenantID)}
	if !from.IsZero() {
		where = append(where, "event_time >= "+arg(from.UTC()))
	}
	if !to.IsZero() {
		where = append(where, "event_time <= "+arg(to.UTC()))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumnsPg+` FROM audit_records WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY sequence_number`, args...)
	if err != nil {
		return nil, err
	}
	return collectAuditRecordsPg(rows)
}

func (s *PostgresStore) Archive(ctx context.Context, tenantID string, cutoff, at time.Time) (int, error) {
	query := `UPDATE audit_records SET archived = TRUE, archived_at = $1 WHERE archived = FALSE AND event_time < $2`
	args := []any{at.UTC(), cutoff.UTC()}
	if tenantID != "" {
		query += ` AND tenant_id = $3`
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("audit: archive records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Purge(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	query := `DELETE FROM audit_records WHERE archived = TRUE AND event_time < $1`
	args := []any{cutoff.UTC()}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("audit: purge records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error) {
	stats := &Stats{
		TenantID:   tenantID,
		ByCategory: make(map[Category]int64),
		BySeverity: make(map[Severity]int64),
		ByOutcome:  make(map[Outcome]int64),
	}
	where := `tenant_id = $1`
	args := []any{tenantID}
	if !since.IsZero() {
		where += ` AND event_time >= $2`
		args = append(args, since.UTC())
	}

	groupings := []struct {
		column string
		add    func(key string, n int64)
	}{
		{"event_category", func(k string, n int64) { stats.ByCategory[Category(k)] = n; stats.TotalRecords += n }},
		{"severity", func(k string, n int64) { stats.BySeverity[Severity(k)] = n }},
		{"outcome", func(k string, n int64) { stats.ByOutcome[Outcome(k)] = n }},
	}
	for _, g := range groupings {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+g.column+`, COUNT(*) FROM audit_records WHERE `+where+` GROUP BY `+g.column, args...)
		if err != nil {
			return nil, fmt.Errorf("audit: stats by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				_ = rows.Close()
				return nil, err
			}
			g.add(key, n)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return stats, nil
}

func (s *PostgresStore) RetentionStats(ctx context.Context, tenantID string) (*RetentionStats, error) {
	stats := &RetentionStats{TenantID: tenantID}
	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE archived), MIN(event_time), MAX(event_time)
		 FROM audit_records WHERE tenant_id = $1`, tenantID).
		Scan(&stats.TotalRecords, &stats.ArchivedRecords, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("audit: retention stats: %w", err)
	}
	stats.LiveRecords = stats.TotalRecords - stats.ArchivedRecords
	stats.OldestEventTime = oldest.Time
	stats.NewestEventTime = newest.Time
	return stats, nil
}

func scanAuditRecordPg(scan func(dest ...any) error) (*Record, error) {
	var (
		r                  Record
		category, severity string
		actorType          string
		actorName, actorIP sql.NullString
		targetName         sql.NullString
		requestID, traceID sql.NullString
		spanID, reason     sql.NullString
		outcome            string
		before, after      sql.NullString
		diff, metadata     sql.NullString
		tags               []string
		prevHash           sql.NullString
		archivedAt         sql.NullTime
	)
	if err := scan(&r.ID, &r.TenantID, &r.EventType, &category, &severity,
		&actorType, &r.Actor.ID, &actorName, &actorIP,
		&r.Target.Type, &r.Target.ID, &targetName,
		&requestID, &traceID, &spanID,
		&r.Action, &outcome, &reason,
		&before, &after, &diff, &metadata, pq.Array(&tags),
		&r.SequenceNumber, &prevHash, &r.RecordHash,
		&r.EventTime, &r.RecordedAt, &r.Archived, &archivedAt); err != nil {
		return nil, err
	}
	r.Category = Category(category)
	r.Severity = Severity(severity)
	r.Actor.Type = contracts.ActorType(actorType)
	r.Actor.Name = actorName.String
	r.Actor.IP = actorIP.String
	r.Target.Name = targetName.String
	r.RequestID = requestID.String
	r.TraceID = traceID.String
	r.SpanID = spanID.String
	r.Outcome = Outcome(outcome)
	r.Reason = reason.String
	if before.Valid && before.String != "" {
		r.BeforeState = json.RawMessage(before.String)
	}
	if after.Valid && after.String != "" {
		r.AfterState = json.RawMessage(after.String)
	}
	if diff.Valid && diff.String != "" {
		r.DiffState = json.RawMessage(diff.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("audit: metadata: %w", err)
		}
	}
	r.Tags = tags
	r.PreviousHash = prevHash.String
	r.ArchivedAt = archivedAt.Time
	return &r, nil
}

func collectAuditRecordsPg(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		r, err := scanAuditRecordPg(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func pgTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
