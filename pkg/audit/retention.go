package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs retention once a day, at 03:00 UTC.
const DefaultCleanupSchedule = "0 3 * * *"

// cleanupPollInterval is how often the janitor checks whether the schedule
// is due. Schedules are minute-granular, so polling every 30s is enough.
const cleanupPollInterval = 30 * time.Second

// RetentionPolicy binds one tenant to its cleanup windows. An empty
// TenantID applies the windows across all tenants.
type RetentionPolicy struct {
	TenantID string
	CleanupConfig
}

// PolicySource yields the retention policies to apply on each due run.
// It is re-read every run so tenant profile changes take effect without a
// restart.
type PolicySource func(ctx context.Context) ([]RetentionPolicy, error)

// Janitor runs RunCleanup for every tenant policy on a cron schedule.
type Janitor struct {
	svc      *Service
	source   PolicySource
	schedule cron.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticker  *time.Ticker
	lastRun time.Time
	wg      sync.WaitGroup

	now func() time.Time
}

// NewJanitor parses the cron spec (standard five-field form; empty means
// DefaultCleanupSchedule) and returns a janitor ready to Start.
func NewJanitor(svc *Service, source PolicySource, scheduleSpec string, logger *slog.Logger) (*Janitor, error) {
	if scheduleSpec == "" {
		scheduleSpec = DefaultCleanupSchedule
	}
	schedule, err := cron.ParseStandard(scheduleSpec)
	if err != nil {
		return nil, fmt.Errorf("audit: cleanup schedule %q: %w", scheduleSpec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		svc:      svc,
		source:   source,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins background scheduling. It is safe to call Start more than
// once; extra calls are ignored.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.ticker != nil {
		j.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.ticker = time.NewTicker(cleanupPollInterval)
	j.lastRun = j.now().UTC()
	ticker := j.ticker
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				j.tick(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts background scheduling and waits for an in-flight run.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if j.ticker == nil {
		j.mu.Unlock()
		return
	}
	j.ticker.Stop()
	j.ticker = nil
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Janitor) tick(ctx context.Context, now time.Time) {
	j.mu.Lock()
	due := !j.schedule.Next(j.lastRun).After(now)
	if due {
		j.lastRun = now
	}
	j.mu.Unlock()
	if due {
		j.RunNow(ctx)
	}
}

// RunNow applies every policy immediately, regardless of schedule. Errors
// are logged per tenant; one tenant's failure does not stop the others.
func (j *Janitor) RunNow(ctx context.Context) {
	policies, err := j.source(ctx)
	if err != nil {
		j.logger.Error("audit cleanup: load retention policies", "error", err)
		return
	}
	for _, policy := range policies {
		report, err := j.svc.RunCleanup(ctx, policy.TenantID, policy.CleanupConfig)
		if err != nil {
			j.logger.Error("audit cleanup failed",
				"tenant", policy.TenantID, "error", err)
			continue
		}
		if report.Archived > 0 || report.Purged > 0 {
			j.logger.Info("audit cleanup complete",
				"tenant", policy.TenantID, "archived", report.Archived, "purged", report.Purged)
		}
	}
}
