package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basisworks/keel/pkg/contracts"

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
		before_state TEXT,
		after_state TEXT,
		diff_state TEXT,
		metadata_json TEXT,
		tags_json TEXT NOT NULL DEFAULT '[]',
		sequence_number INTEGER NOT NULL,
		previous_hash TEXT,
		record_hash TEXT NOT NULL,
		event_time DATETIME NOT NULL,
		recorded_at DATETIME NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		archived_at DATETIME,
		UNIQUE (tenant_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_records (tenant_id, event_time);
	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_records (tenant_id, target_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_trace ON audit_records (tenant_id, trace_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const auditColumns = `id, tenant_id, event_type, event_category, severity,
	actor_type, actor_id, actor_name, actor_ip,
	target_type, target_id, target_name,
	request_id, trace_id, span_id,
	action, outcome, reason,
	before_state, after_state, diff_state, metadata_json, tags_json,
	sequence_number, previous_hash, record_hash,
	event_time, recorded_at, archived, archived_at`

// storedTimeLayout is RFC 3339 with a fixed nine-digit fraction so that the
// TEXT values sqlite stores compare lexicographically in chronological
// order. RFC3339Nano strips trailing zeros and breaks that property.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func storedTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func (s *SQLiteStore) Head(ctx context.Context, tenantID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records
		 WHERE tenant_id = ? ORDER BY sequence_number DESC LIMIT 1`, tenantID)
	r, err := scanAuditRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
	metadata, tags, err := marshalRecordDocs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.EventType, string(r.Category), string(r.Severity),
		string(r.Actor.Type), r.Actor.ID, nullableString(r.Actor.Name), nullableString(r.Actor.IP),
		r.Target.Type, r.Target.ID, nullableString(r.Target.Name),
		nullableString(r.RequestID), nullableString(r.TraceID), nullableString(r.SpanID),
		r.Action, string(r.Outcome), nullableString(r.Reason),
		rawOrNil(r.BeforeState), rawOrNil(r.AfterState), rawOrNil(r.DiffState), metadata, tags,
		r.SequenceNumber, nullableString(r.PreviousHash), r.RecordHash,
		storedTime(r.EventTime), storedTime(r.RecordedAt),
		boolToInt(r.Archived), timeOrNil(r.ArchivedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("audit: tenant %s sequence %d: %w", r.TenantID, r.SequenceNumber, ErrSequenceConflict)
		}
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE id = ?`, id)
	r, err := scanAuditRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

func (s *SQLiteStore) Search(ctx context.Context, q *Query) ([]Record, int, error) {
	where := []string{"tenant_id = ?"}
	args := []any{q.TenantID}

	if len(q.EventTypes) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(q.EventTypes))+")")
		for _, et := range q.EventTypes {
			args = append(args, et)
		}
	}
	if len(q.Categories) > 0 {
		where = append(where, "event_category IN ("+placeholders(len(q.Categories))+")")
		for _, c := range q.Categories {
			args = append(args, string(c))
		}
	}
	if len(q.Severities) > 0 {
		where = append(where, "severity IN ("+placeholders(len(q.Severities))+")")
		for _, sev := range q.Severities {
			args = append(args, string(sev))
		}
	}
	if q.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if q.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, q.TargetType)
	}
	if q.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, q.TargetID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	if !q.From.IsZero() {
		where = append(where, "event_time >= ?")
		args = append(args, storedTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "event_time <= ?")
		args = append(args, storedTime(q.To))
	}
	for _, tag := range q.Tags {
		where = append(where, "tags_json LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count records: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE `+clause+`
		 ORDER BY sequence_number DESC LIMIT ? OFFSET ?`,
		append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	records, err := collectAuditRecords(rows)
	return records, total, err
}

func (s *SQLiteStore) ForTarget(ctx context.Context, tenantID, targetType, targetID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records
		 WHERE tenant_id = ? AND target_type = ? AND target_id = ?
		 ORDER BY event_time DESC, sequence_number DESC LIMIT ?`,
		tenantID, targetType, targetID, limit)
	if err != nil {
		return nil, err
	}
	return collectAuditRecords(rows)
}

func (s *SQLiteStore) ByTrace(ctx context.Context, tenantID, traceID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records
		 WHERE tenant_id = ? AND trace_id = ? ORDER BY sequence_number`,
		tenantID, traceID)
	if err != nil {
		return nil, err
	}
	return collectAuditRecords(rows)
}

func (s *SQLiteStore) ChainSlice(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records
		 WHERE tenant_id = ? AND sequence_number >= ?
		 ORDER BY sequence_number LIMIT ?`,
		tenantID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectAuditRecords(rows)
}

func (s *SQLiteStore) InWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Record, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if !from.IsZero() {
		where = append(where, "event_time >= ?")
		args = append(args, storedTime(from))
	}
	if !to.IsZero() {
		where = append(where, "event_time <= ?")
		args = append(args, storedTime(to))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY sequence_number`, args...)
	if err != nil {
		return nil, err
	}
	return collectAuditRecords(rows)
}

func (s *SQLiteStore) Archive(ctx context.Context, tenantID string, cutoff, at time.Time) (int, error) {
	query := `UPDATE audit_records SET archived = 1, archived_at = ? WHERE archived = 0 AND event_time < ?`
	args := []any{storedTime(at), storedTime(cutoff)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("audit: archive records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Purge(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	query := `DELETE FROM audit_records WHERE archived = 1 AND event_time < ?`
	args := []any{storedTime(cutoff)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("audit: purge records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error) {
	stats := &Stats{
		TenantID:   tenantID,
		ByCategory: make(map[Category]int64),
		BySeverity: make(map[Severity]int64),
		ByOutcome:  make(map[Outcome]int64),
	}
	where := `tenant_id = ?`
	args := []any{tenantID}
	if !since.IsZero() {
		where += ` AND event_time >= ?`
		args = append(args, storedTime(since))
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

func (s *SQLiteStore) RetentionStats(ctx context.Context, tenantID string) (*RetentionStats, error) {
	stats := &RetentionStats{TenantID: tenantID}
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(archived), 0), MIN(event_time), MAX(event_time)
		 FROM audit_records WHERE tenant_id = ?`, tenantID).
		Scan(&stats.TotalRecords, &stats.ArchivedRecords, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("audit: retention stats: %w", err)
	}
	stats.LiveRecords = stats.TotalRecords - stats.ArchivedRecords
	stats.OldestEventTime = parseStoredTime(oldest.String)
	stats.NewestEventTime = parseStoredTime(newest.String)
	return stats, nil
}

func scanAuditRecord(scan func(dest ...any) error) (*Record, error) {
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
		tags               string
		prevHash           sql.NullString
		eventTime          string
		recordedAt         string
		archived           int
		archivedAt         sql.NullString
	)
	if err := scan(&r.ID, &r.TenantID, &r.EventType, &category, &severity,
		&actorType, &r.Actor.ID, &actorName, &actorIP,
		&r.Target.Type, &r.Target.ID, &targetName,
		&requestID, &traceID, &spanID,
		&r.Action, &outcome, &reason,
		&before, &after, &diff, &metadata, &tags,
		&r.SequenceNumber, &prevHash, &r.RecordHash,
		&eventTime, &recordedAt, &archived, &archivedAt); err != nil {
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
			return nil, fmt.Errorf("audit: metadata_json: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("audit: tags_json: %w", err)
	}
	r.PreviousHash = prevHash.String
	r.EventTime = parseStoredTime(eventTime)
	r.RecordedAt = parseStoredTime(recordedAt)
	r.Archived = archived != 0
	r.ArchivedAt = parseStoredTime(archivedAt.String)
	return &r, nil
}

func collectAuditRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		r, err := scanAuditRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func marshalRecordDocs(r *Record) (metadata any, tags string, err error) {
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("audit: marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	tagList := r.Tags
	if tagList == nil {
		tagList = []string{}
	}
	b, err := json.Marshal(tagList)
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal tags: %w", err)
	}
	return metadata, string(b), nil
}

func rawOrNil(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isDuplicateKey matches the unique-violation messages of both backends so
// the append retry loop works against either.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
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
	return storedTime(t)
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
