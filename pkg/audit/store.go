package audit

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// Query filters a tenant's records. All filters are conjunctive; zero
// values mean "no filter". Results are ordered newest first (descending
// sequence number).
type Query struct {
	TenantID   string
	EventTypes []string
	Categories []Category
	Severities []Severity
	ActorID    string
	TargetType string
	TargetID   string
	Outcome    Outcome
	From       time.Time
	To         time.Time
	Tags       []string

	Limit  int
	Offset int
}

// QueryResult is one page of records plus the total match count.
type QueryResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	HasMore bool     `json:"hasMore"`
}

// Stats aggregates a tenant's records over a time window.
type Stats struct {
	TenantID     string             `json:"tenantId"`
	WindowStart  time.Time          `json:"windowStart"`
	WindowEnd    time.Time          `json:"windowEnd"`
	TotalRecords int64              `json:"totalRecords"`
	ByCategory   map[Category]int64 `json:"byCategory"`
	BySeverity   map[Severity]int64 `json:"bySeverity"`
	ByOutcome    map[Outcome]int64  `json:"byOutcome"`
}

// RetentionStats describes how much of a tenant's chain is archived.
type RetentionStats struct {
	TenantID        string    `json:"tenantId"`
	TotalRecords    int64     `json:"totalRecords"`
	ArchivedRecords int64     `json:"archivedRecords"`
	LiveRecords     int64     `json:"liveRecords"`
	OldestEventTime time.Time `json:"oldestEventTime"`
	NewestEventTime time.Time `json:"newestEventTime"`
}

// Store persists audit records. Implementations must enforce uniqueness of
// (tenant_id, sequence_number) and surface collisions as ErrSequenceConflict
// so the service can retry with a fresh head.
type Store interface {
	// Head returns the tenant's highest-sequence record, or (nil, nil) for
	// an empty chain.
	Head(ctx context.Context, tenantID string) (*Record, error)
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	Search(ctx context.Context, q *Query) ([]Record, int, error)
	ForTarget(ctx context.Context, tenantID, targetType, targetID string, limit int) ([]Record, error)
	ByTrace(ctx context.Context, tenantID, traceID string) ([]Record, error)

	// ChainSlice returns records ascending by sequence number, starting at
	// fromSeq. limit <= 0 means unbounded.
	ChainSlice(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]Record, error)
	// InWindow returns records with eventTime in [from, to], ascending by
	// sequence number. Zero bounds are open.
	InWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Record, error)

	// Archive marks unarchived records with eventTime before cutoff.
	// An empty tenantID spans all tenants.
	Archive(ctx context.Context, tenantID string, cutoff, at time.Time) (int, error)
	// Purge deletes archived records with eventTime before cutoff. Records
	// that were never archived are not touched, whatever their age.
	Purge(ctx context.Context, tenantID string, cutoff time.Time) (int, error)

	Stats(ctx context.Context, tenantID string, since time.Time) (*Stats, error)
	RetentionStats(ctx context.Context, tenantID string) (*RetentionStats, error)
}

// MemoryStore keeps chains in process memory. It backs tests and
// single-process embedding; production deployments use the sqlite or
// postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Record
	byID   map[string]*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Record),
		byID:   make(map[string]*Record),
	}
}

func (m *MemoryStore) Head(_ context.Context, tenantID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return nil, nil
	}
	return cloneRecord(chain[len(chain)-1]), nil
}

func (m *MemoryStore) Insert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.chains[r.TenantID] {
		if existing.SequenceNumber == r.SequenceNumber {
			return ErrSequenceConflict
		}
	}
	stored := cloneRecord(r)
	m.chains[r.TenantID] = append(m.chains[r.TenantID], stored)
	sort.Slice(m.chains[r.TenantID], func(i, j int) bool {
		return m.chains[r.TenantID][i].SequenceNumber < m.chains[r.TenantID][j].SequenceNumber
	})
	m.byID[stored.ID] = stored
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) Search(_ context.Context, q *Query) ([]Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Record
	for _, r := range m.chains[q.TenantID] {
		if q.matches(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SequenceNumber > matched[j].SequenceNumber
	})

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	out := make([]Record, 0, end-q.Offset)
	for _, r := range matched[q.Offset:end] {
		out = append(out, *cloneRecord(r))
	}
	return out, total, nil
}

func (q *Query) matches(r *Record) bool {
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, r.EventType) {
		return false
	}
	if len(q.Categories) > 0 && !slices.Contains(q.Categories, r.Category) {
		return false
	}
	if len(q.Severities) > 0 && !slices.Contains(q.Severities, r.Severity) {
		return false
	}
	if q.ActorID != "" && r.Actor.ID != q.ActorID {
		return false
	}
	if q.TargetType != "" && r.Target.Type != q.TargetType {
		return false
	}
	if q.TargetID != "" && r.Target.ID != q.TargetID {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	if !q.From.IsZero() && r.EventTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.EventTime.After(q.To) {
		return false
	}
	for _, tag := range q.Tags {
		if !slices.Contains(r.Tags, tag) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ForTarget(_ context.Context, tenantID, targetType, targetID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Record
	for _, r := range m.chains[tenantID] {
		if r.Target.Type == targetType && r.Target.ID == targetID {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EventTime.Equal(matched[j].EventTime) {
			return matched[i].EventTime.After(matched[j].EventTime)
		}
		return matched[i].SequenceNumber > matched[j].SequenceNumber
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Record, 0, len(matched))
	for _, r := range matched {
		out = append(out, *cloneRecord(r))
	}
	return out, nil
}

func (m *MemoryStore) ByTrace(_ context.Context, tenantID, traceID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.chains[tenantID] {
		if r.TraceID == traceID {
			out = append(out, *cloneRecord(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) ChainSlice(_ context.Context, tenantID string, fromSeq int64, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.chains[tenantID] {
		if r.SequenceNumber < fromSeq {
			continue
		}
		out = append(out, *cloneRecord(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) InWindow(_ context.Context, tenantID string, from, to time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.chains[tenantID] {
		if !from.IsZero() && r.EventTime.Before(from) {
			continue
		}
		if !to.IsZero() && r.EventTime.After(to) {
			continue
		}
		out = append(out, *cloneRecord(r))
	}
	return out, nil
}

func (m *MemoryStore) Archive(_ context.Context, tenantID string, cutoff, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for tenant, chain := range m.chains {
		if tenantID != "" && tenant != tenantID {
			continue
		}
		for _, r := range chain {
			if !r.Archived && r.EventTime.Before(cutoff) {
				r.Archived = true
				r.ArchivedAt = at
				count++
			}
		}
	}
	return count, nil
}

func (m *MemoryStore) Purge(_ context.Context, tenantID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for tenant, chain := range m.chains {
		if tenantID != "" && tenant != tenantID {
			continue
		}
		kept := chain[:0]
		for _, r := range chain {
			if r.Archived && r.EventTime.Before(cutoff) {
				delete(m.byID, r.ID)
				count++
				continue
			}
			kept = append(kept, r)
		}
		m.chains[tenant] = kept
	}
	return count, nil
}

func (m *MemoryStore) Stats(_ context.Context, tenantID string, since time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TenantID:   tenantID,
		ByCategory: make(map[Category]int64),
		BySeverity: make(map[Severity]int64),
		ByOutcome:  make(map[Outcome]int64),
	}
	for _, r := range m.chains[tenantID] {
		if !since.IsZero() && r.EventTime.Before(since) {
			continue
		}
		stats.TotalRecords++
		stats.ByCategory[r.Category]++
		stats.BySeverity[r.Severity]++
		stats.ByOutcome[r.Outcome]++
	}
	return stats, nil
}

func (m *MemoryStore) RetentionStats(_ context.Context, tenantID string) (*RetentionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &RetentionStats{TenantID: tenantID}
	for _, r := range m.chains[tenantID] {
		stats.TotalRecords++
		if r.Archived {
			stats.ArchivedRecords++
		}
		if stats.OldestEventTime.IsZero() || r.EventTime.Before(stats.OldestEventTime) {
			stats.OldestEventTime = r.EventTime
		}
		if r.EventTime.After(stats.NewestEventTime) {
			stats.NewestEventTime = r.EventTime
		}
	}
	stats.LiveRecords = stats.TotalRecords - stats.ArchivedRecords
	return stats, nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	c.Tags = slices.Clone(r.Tags)
	c.BeforeState = slices.Clone(r.BeforeState)
	c.AfterState = slices.Clone(r.AfterState)
	c.DiffState = slices.Clone(r.DiffState)
	return &c
}
