package basis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
)

// PolicySource supplies the policy surface for one tenant: parsed bundles
// (constraints + obligations) and runtime policies. Implemented by DirLoader
// (same bundles for every tenant) and by the relational stores.
type PolicySource interface {
	BundlesFor(ctx context.Context, tenantID string) ([]*Bundle, error)
	PoliciesFor(ctx context.Context, tenantID string) ([]Policy, error)
}

// Snapshot is an immutable view of a loaded bundle set. Lookups are safe for
// concurrent use; updates install a whole new snapshot.
type Snapshot struct {
	bundles  map[string]*Bundle
	order    []string
	loadedAt time.Time
}

func newSnapshot(bundles map[string]*Bundle, now time.Time) *Snapshot {
	order := make([]string, 0, len(bundles))
	for id := range bundles {
		order = append(order, id)
	}
	sort.Strings(order)
	return &Snapshot{bundles: bundles, order: order, loadedAt: now}
}

// Bundle returns the highest-version bundle for a policy id.
func (s *Snapshot) Bundle(policyID string) (*Bundle, bool) {
	b, ok := s.bundles[policyID]
	return b, ok
}

// Bundles returns all bundles ordered by policy id. The slice is fresh; the
// bundles are shared and must not be mutated.
func (s *Snapshot) Bundles() []*Bundle {
	out := make([]*Bundle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.bundles[id])
	}
	return out
}

// Len reports how many distinct policy ids the snapshot holds.
func (s *Snapshot) Len() int { return len(s.bundles) }

// LoadedAt is when this snapshot was installed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// DirLoader loads every bundle file (.json, .yaml, .yml) from one directory
// into an immutable snapshot, keeping the highest semver per policy_id. The
// initial Load fails on any invalid file; reloads triggered by the watcher
// keep the previous snapshot when the directory no longer validates.
type DirLoader struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex // serializes reloads and onSwap registration
	onSwap func(*Snapshot)
	snap   atomic.Pointer[Snapshot]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// DirOption configures a DirLoader.
type DirOption func(*DirLoader)

// WithLogger sets the loader's logger.
func WithLogger(l *slog.Logger) DirOption {
	return func(d *DirLoader) { d.logger = l }
}

// WithDebounce sets how long the watcher coalesces filesystem events before
// reloading. Default 250ms.
func WithDebounce(dur time.Duration) DirOption {
	return func(d *DirLoader) { d.debounce = dur }
}

// NewDirLoader creates a loader for dir. Call Load before serving.
func NewDirLoader(dir string, opts ...DirOption) *DirLoader {
	l := &DirLoader{
		dir:      dir,
		logger:   slog.Default().With("component", "basis.loader"),
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and validates the directory and installs the first snapshot.
// Any unparsable or invalid file is a config error: the caller must refuse
// to serve rather than run with a partial policy surface.
func (l *DirLoader) Load() error {
	snap, err := l.loadDir()
	if err != nil {
		return err
	}
	l.swap(snap)
	return nil
}

// Snapshot returns the current snapshot, or nil before the first Load.
func (l *DirLoader) Snapshot() *Snapshot { return l.snap.Load() }

// OnSwap registers a callback invoked after each snapshot install,
// including the initial Load.
func (l *DirLoader) OnSwap(fn func(*Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSwap = fn
}

// BundlesFor implements PolicySource. Directory bundles apply to every tenant.
func (l *DirLoader) BundlesFor(_ context.Context, _ string) ([]*Bundle, error) {
	snap := l.snap.Load()
	if snap == nil {
		return nil, fmt.Errorf("basis: loader has no snapshot (Load not called)")
	}
	return snap.Bundles(), nil
}

// PoliciesFor implements PolicySource. Runtime policies live in the
// relational store, not in bundle directories.
func (l *DirLoader) PoliciesFor(_ context.Context, _ string) ([]Policy, error) {
	return nil, nil
}

// Watch starts a filesystem watcher on the bundle directory. Events are
// debounced; each burst triggers one reload. Watch returns once the watcher
// is registered and stops when ctx is done or Close is called.
func (l *DirLoader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("basis: watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("basis: watch %s: %w", l.dir, err)
	}
	l.watcher = w

	go func() {
		defer w.Close()
		var timer *time.Timer
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !bundleFile(ev.Name) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(l.debounce)
					pending = timer.C
				} else {
					timer.Reset(l.debounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Error("bundle watcher error", "error", err)
			case <-pending:
				timer = nil
				pending = nil
				l.Reload()
			}
		}
	}()
	return nil
}

// Close stops the watcher goroutine.
func (l *DirLoader) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

// Reload re-reads the directory. On failure the previous snapshot stays
// installed and the error is logged and returned.
func (l *DirLoader) Reload() error {
	snap, err := l.loadDir()
	if err != nil {
		l.logger.Error("bundle reload failed, keeping previous snapshot", "dir", l.dir, "error", err)
		return err
	}
	l.swap(snap)
	l.logger.Info("bundle snapshot installed", "dir", l.dir, "bundles", snap.Len())
	return nil
}

func (l *DirLoader) swap(snap *Snapshot) {
	l.mu.Lock()
	l.snap.Store(snap)
	callback := l.onSwap
	l.mu.Unlock()
	if callback != nil {
		callback(snap)
	}
}

func (l *DirLoader) loadDir() (*Snapshot, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("basis: read dir %s: %w", l.dir, err)
	}

	best := make(map[string]*Bundle)
	bestVer := make(map[string]*semver.Version)
	for _, entry := range entries {
		if entry.IsDir() || !bundleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("basis: read %s: %w", entry.Name(), err)
		}
		b, err := Parse(data, FormatAuto)
		if err != nil {
			return nil, fmt.Errorf("basis: %s: %w", entry.Name(), err)
		}
		if issues := Validate(b); len(issues) > 0 {
			return nil, fmt.Errorf("basis: %s: %w", entry.Name(), ErrorList(issues))
		}
		ver, err := semver.StrictNewVersion(b.Metadata.Version)
		if err != nil {
			return nil, fmt.Errorf("basis: %s: version: %w", entry.Name(), err)
		}
		if cur, ok := bestVer[b.PolicyID]; !ok || ver.GreaterThan(cur) {
			best[b.PolicyID] = b
			bestVer[b.PolicyID] = ver
		}
	}
	return newSnapshot(best, time.Now().UTC()), nil
}

func bundleFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
