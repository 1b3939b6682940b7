package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/metrics"
)

// Store is the part of the issue repository retention needs.
type Store interface {
	DeleteExternalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Notifier interface {
	NotifyChanged() error
}

// Sweeper periodically removes external issues older than maxAge.
type Sweeper struct {
	scheduler *gocron.Scheduler
	store     Store
	notifier  Notifier
	metrics   *metrics.Metrics
	maxAge    time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewSweeper(store Store, notifier Notifier, m *metrics.Metrics, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store,
		notifier:  notifier,
		metrics:   m,
		maxAge:    maxAge,
		interval:  interval,
		now:       time.Now,
	}
}

// Start schedules the sweep. The first run happens one interval from now.
func (s *Sweeper) Start() error {
	_, err := s.scheduler.Every(s.interval).WaitForSchedule().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("error scheduling retention sweep: %w", err)
	}

	s.scheduler.StartAsync()
	slog.Info("retention sweeper started", "interval", s.interval, "max_age", s.maxAge)
	return nil
}

// Sweep deletes expired external issues and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.DeleteExternalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	slog.Info("removed expired external issues", "count", n, "cutoff", cutoff)
	s.metrics.Swept(n)
	if s.notifier != nil {
		if err := s.notifier.NotifyChanged(); err != nil && !errors.Is(err, feed.ErrNotRunning) {
			slog.Debug("feed notification not delivered", "error", err)
		}
	}
	return n, nil
}

func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
