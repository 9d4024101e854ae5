package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxAppendRetries bounds how often an append is retried after losing a
// sequence-number race to a concurrent writer on another node.
const maxAppendRetries = 3

// defaultQueryLimit and maxQueryLimit bound Query pagination.
const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// Config wires a Service.
type Config struct {
	// Store is required.
	Store Store
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service appends to and reads from tenant audit chains. Appends within one
// process are serialized per tenant; across processes the unique
// (tenant_id, sequence_number) constraint plus bounded retry keeps chains
// contiguous.
type Service struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewService validates cfg and returns a ready service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("audit: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  cfg.Store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenantID] = l
	}
	return l
}

// Record appends one record to the tenant's chain and returns it with its
// assigned sequence number and hashes. The write is durable before Record
// returns; there is no buffering.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Record, error) {
	if in.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if in.EventType == "" {
		return nil, ErrEmptyEventType
	}
	outcome := in.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	if !ValidOutcome(outcome) {
		return nil, fmt.Errorf("audit: invalid outcome %q", outcome)
	}
	category, severity := Classify(in.EventType)

	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = s.now()
	}
	eventTime = eventTime.UTC().Truncate(time.Millisecond)

	lock := s.tenantLock(in.TenantID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		head, err := s.store.Head(ctx, in.TenantID)
		if err != nil {
			return nil, fmt.Errorf("audit: read chain head: %w", err)
		}

		rec := &Record{
			ID:             uuid.New().String(),
			TenantID:       in.TenantID,
			EventType:      in.EventType,
			Category:       category,
			Severity:       severity,
			Actor:          in.Actor,
			Target:         in.Target,
			RequestID:      in.RequestID,
			TraceID:        in.TraceID,
			SpanID:         in.SpanID,
			Action:         in.Action,
			Outcome:        outcome,
			Reason:         in.Reason,
			BeforeState:    in.BeforeState,
			AfterState:     in.AfterState,
			DiffState:      in.DiffState,
			Metadata:       in.Metadata,
			Tags:           in.Tags,
			SequenceNumber: 1,
			EventTime:      eventTime,
			RecordedAt:     s.now().UTC().Truncate(time.Millisecond),
		}
		if head != nil {
			rec.SequenceNumber = head.SequenceNumber + 1
			rec.PreviousHash = head.RecordHash
		}
		hash, err := ComputeRecordHash(rec)
		if err != nil {
			return nil, fmt.Errorf("audit: hash record: %w", err)
		}
		rec.RecordHash = hash

		err = s.store.Insert(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ErrSequenceConflict) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("audit: append for tenant %s lost %d sequence races: %w",
		in.TenantID, maxAppendRetries, lastErr)
}

// Query returns one page of matching records, newest first.
func (s *Service) Query(ctx context.Context, q Query) (*QueryResult, error) {
	if q.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		q.Limit = maxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	records, total, err := s.store.Search(ctx, &q)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	return &QueryResult{
		Records: records,
		Total:   total,
		HasMore: q.Offset+len(records) < total,
	}, nil
}

// GetForTarget returns the most recent records touching one target.
func (s *Service) GetForTarget(ctx context.Context, tenantID, targetType, targetID string, limit int) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return s.store.ForTarget(ctx, tenantID, targetType, targetID, limit)
}

// GetByTrace returns every record sharing a trace id, in chain order, so a
// single intent's full story reads top to bottom.
func (s *Service) GetByTrace(ctx context.Context, tenantID, traceID string) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	return s.store.ByTrace(ctx, tenantID, traceID)
}

// IntegrityReport is the result of a chain verification walk.
type IntegrityReport struct {
	Valid          bool   `json:"valid"`
	RecordsChecked int    `json:"recordsChecked"`
	FirstRecord    string `json:"firstRecord,omitempty"`
	LastRecord     string `json:"lastRecord,omitempty"`
	BrokenAt       string `json:"brokenAt,omitempty"`
	Error          string `json:"error,omitempty"`
}

// VerifyChainIntegrity walks the tenant's chain ascending from startSeq
// (0 or 1 for the beginning), checking that sequence numbers are contiguous
// and that each record's previousHash equals its predecessor's recordHash.
// The walk stops at the first broken link and reports the record whose
// linkage failed. A record whose own hash was rewritten is therefore
// surfaced at its successor, the first record that no longer agrees with it.
func (s *Service) VerifyChainIntegrity(ctx context.Context, tenantID string, startSeq int64, limit int) (*IntegrityReport, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	fromStart := startSeq <= 1
	if startSeq < 1 {
		startSeq = 1
	}
	records, err := s.store.ChainSlice(ctx, tenantID, startSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain: %w", err)
	}

	report := &IntegrityReport{Valid: true}
	if len(records) == 0 {
		return report, nil
	}

	prev := &records[0]
	report.FirstRecord = prev.ID
	report.LastRecord = prev.ID
	report.RecordsChecked = 1
	if fromStart {
		if prev.SequenceNumber != 1 {
			report.Valid = false
			report.BrokenAt = prev.ID
			report.Error = fmt.Sprintf("chain starts at sequence %d, expected 1", prev.SequenceNumber)
			return report, nil
		}
		if prev.PreviousHash != "" {
			report.Valid = false
			report.BrokenAt = prev.ID
			report.Error = "first record carries a previous hash"
			return report, nil
		}
	}

	for i := 1; i < len(records); i++ {
		rec := &records[i]
		report.RecordsChecked++
		report.LastRecord = rec.ID
		if rec.SequenceNumber != prev.SequenceNumber+1 {
			report.Valid = false
			report.BrokenAt = rec.ID
			report.Error = fmt.Sprintf("sequence gap: %d follows %d", rec.SequenceNumber, prev.SequenceNumber)
			return report, nil
		}
		if rec.PreviousHash != prev.RecordHash {
			report.Valid = false
			report.BrokenAt = rec.ID
			report.Error = fmt.Sprintf("hash chain broken: record %d does not link to record %d",
				rec.SequenceNumber, prev.SequenceNumber)
			return report, nil
		}
		prev = rec
	}
	return report, nil
}

// GetStats aggregates the tenant's records over the trailing window.
// window <= 0 covers the whole chain.
func (s *Service) GetStats(ctx context.Context, tenantID string, window time.Duration) (*Stats, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	end := s.now().UTC()
	var since time.Time
	if window > 0 {
		since = end.Add(-window)
	}
	stats, err := s.store.Stats(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	stats.WindowStart = since
	stats.WindowEnd = end
	return stats, nil
}

// GetRetentionStats reports how much of the tenant's chain is archived.
func (s *Service) GetRetentionStats(ctx context.Context, tenantID string) (*RetentionStats, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	return s.store.RetentionStats(ctx, tenantID)
}

// ArchiveOldRecords marks records older than archiveAfterDays as archived.
// An empty tenantID spans all tenants.
func (s *Service) ArchiveOldRecords(ctx context.Context, tenantID string, archiveAfterDays int) (int, error) {
	if archiveAfterDays <= 0 {
		return 0, fmt.Errorf("audit: archive window must be positive, got %d days", archiveAfterDays)
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -archiveAfterDays)
	n, err := s.store.Archive(ctx, tenantID, cutoff, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("audit records archived", "tenant", tenantID, "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// PurgeOldRecords deletes archived records older than retentionDays.
// Unarchived records are never deleted, whatever their age.
func (s *Service) PurgeOldRecords(ctx context.Context, tenantID string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("audit: retention window must be positive, got %d days", retentionDays)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	n, err := s.store.Purge(ctx, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("audit records purged", "tenant", tenantID, "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// CleanupConfig carries one tenant's retention windows, in days.
type CleanupConfig struct {
	ArchiveAfterDays int `json:"archiveAfterDays" yaml:"archive_after_days"`
	RetentionDays    int `json:"retentionDays" yaml:"retention_days"`
}

// CleanupReport summarizes one RunCleanup pass.
type CleanupReport struct {
	Archived int `json:"archived"`
	Purged   int `json:"purged"`
}

// RunCleanup archives then purges. A failure in one step does not stop the
// other; all errors are joined into the returned error.
func (s *Service) RunCleanup(ctx context.Context, tenantID string, cfg CleanupConfig) (*CleanupReport, error) {
	report := &CleanupReport{}
	var errs []error

	archived, err := s.ArchiveOldRecords(ctx, tenantID, cfg.ArchiveAfterDays)
	if err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	} else {
		report.Archived = archived
	}

	purged, err := s.PurgeOldRecords(ctx, tenantID, cfg.RetentionDays)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge: %w", err))
	} else {
		report.Purged = purged
	}

	return report, errors.Join(errs...)
}
