package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr1hm/go-civictrack/internal/config"
	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/metrics"
	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/repository"
	"github.com/mr1hm/go-civictrack/internal/worker"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrNotStarted    = errors.New("ingestion manager not started")
)

// Source produces external issues on demand.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]*models.Issue, error)
}

// Store is the part of the issue repository ingestion writes to.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, is *models.Issue) error
}

// Notifier is told once per batch that added at least one issue.
type Notifier interface {
	NotifyIngested() error
}

// ExternalID namespaces an upstream id so it cannot collide with local ids.
func ExternalID(source, id string) string {
	return models.ExternalIDPrefix + source + "_" + id
}

type registration struct {
	source   Source
	interval time.Duration
}

type Manager struct {
	cfg      *config.Config
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	pool     *worker.WorkerPool
	wg       sync.WaitGroup

	mu      sync.RWMutex
	sources map[string]registration
}

func NewManager(cfg *config.Config, store Store, notifier Notifier, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		metrics:  m,
		sources:  make(map[string]registration),
	}
}

// Register adds a source. A positive interval polls it in the background
// once the manager starts; otherwise it only runs through FetchNow.
func (m *Manager) Register(src Source, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.Name()] = registration{source: src, interval: interval}
}

func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	return names
}

func (m *Manager) Start(ctx context.Context) {
	m.pool = worker.NewWorkerPool(m.cfg.Worker.Count, m.cfg.Worker.BufferSize, m.process)
	m.pool.Start(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, reg := range m.sources {
		if reg.interval <= 0 {
			continue
		}
		m.wg.Add(1)
		go m.runPoller(ctx, reg.source, reg.interval)
	}
}

type job struct {
	issue  *models.Issue
	source string
	batch  *batch
}

type batch struct {
	pending atomic.Int64
	added   atomic.Int64
	done    chan struct{}
}

func newBatch(n int) *batch {
	b := &batch{done: make(chan struct{})}
	b.pending.Store(int64(n))
	if n == 0 {
		close(b.done)
	}
	return b
}

func (b *batch) finish(n int64, added bool) {
	if added {
		b.added.Add(1)
	}
	if b.pending.Add(-n) == 0 {
		close(b.done)
	}
}

func (m *Manager) process(ctx context.Context, j worker.Job) error {
	jb := j.(*job)
	added := false
	defer func() { jb.batch.finish(1, added) }()

	is := jb.issue
	if !geo.Valid(is.Location) {
		return fmt.Errorf("%w: %s", repository.ErrInvalidCoordinates, is.ID)
	}

	exists, err := m.store.Exists(ctx, is.ID)
	if err != nil {
		slog.Error("error checking existence", "id", is.ID, "error", err)
		return err
	}
	if exists {
		return nil
	}

	if err := m.store.Add(ctx, is); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		slog.Error("error adding issue", "id", is.ID, "error", err)
		return err
	}
	added = true

	slog.Info("added issue", "id", is.ID, "category", is.Category, "source", jb.source)
	return nil
}

// Ingest stores a batch of external issues through the worker pool and
// waits for it to finish. Issues already stored are skipped. The notifier
// fires once if anything was added.
func (m *Manager) Ingest(ctx context.Context, source string, issues []*models.Issue) (int, error) {
	if m.pool == nil {
		return 0, ErrNotStarted
	}

	now := time.Now().UTC()
	b := newBatch(len(issues))
	for i, is := range issues {
		is.Origin = models.OriginExternal
		if is.CreatedAt.IsZero() {
			is.CreatedAt = now
		}
		if err := m.pool.Submit(ctx, &job{issue: is, source: source, batch: b}); err != nil {
			b.finish(int64(len(issues)-i), false)
			return int(b.added.Load()), fmt.Errorf("error submitting issues from %s: %w", source, err)
		}
	}

	select {
	case <-b.done:
	case <-ctx.Done():
		return int(b.added.Load()), ctx.Err()
	}

	added := int(b.added.Load())
	if added > 0 {
		m.metrics.Ingested(source, added)
		m.notify()
	}
	return added, nil
}

// FetchNow runs a single fetch of the named source and ingests the result.
func (m *Manager) FetchNow(ctx context.Context, name string) (int, error) {
	m.mu.RLock()
	reg, ok := m.sources[name]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return m.poll(ctx, reg.source)
}

func (m *Manager) runPoller(ctx context.Context, src Source, interval time.Duration) {
	defer m.wg.Done()
	slog.Info("starting poller", "source", src.Name(), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx, src)

	for {
		select {
		case <-ctx.Done():
			slog.Info("poller shutting down", "source", src.Name())
			return
		case <-ticker.C:
			m.poll(ctx, src)
		}
	}
}

func (m *Manager) poll(ctx context.Context, src Source) (int, error) {
	slog.Debug("polling", "source", src.Name())

	issues, err := src.Fetch(ctx)
	if errors.Is(err, ErrNoReference) {
		slog.Debug("poll skipped, no reference location", "source", src.Name())
		return 0, err
	}
	if err != nil {
		m.metrics.IngestFailed(src.Name())
		slog.Error("poll failed", "source", src.Name(), "error", err)
		return 0, err
	}

	added, err := m.Ingest(ctx, src.Name(), issues)
	if err != nil {
		return added, err
	}

	slog.Debug("poll complete", "source", src.Name(), "count", len(issues), "added", added)
	return added, nil
}

func (m *Manager) notify() {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyIngested(); err != nil {
		slog.Debug("ingest notification not delivered", "error", err)
	}
}

func (m *Manager) Stop() {
	m.wg.Wait()
	if m.pool != nil {
		m.pool.Stop()
	}
	slog.Info("ingestion manager stopped")
}
