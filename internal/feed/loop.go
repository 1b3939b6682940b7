package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/models"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultRadiusKm = 3.0
)

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrInvalidLocation     = errors.New("invalid location")
	ErrInvalidRadius       = errors.New("invalid radius")
	ErrStopped             = errors.New("feed loop stopped")
	ErrNotRunning          = errors.New("feed loop not running")
)

type State int32

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Trigger names the reason a snapshot was recomputed.
type Trigger string

const (
	TriggerLocation Trigger = "location"
	TriggerTick     Trigger = "tick"
	TriggerRadius   Trigger = "radius"
	TriggerManual   Trigger = "manual"
	TriggerIngest   Trigger = "ingest"
	TriggerStore    Trigger = "store"
)

// Source supplies every known issue in insertion order. The loop never
// writes to it.
type Source interface {
	AllIssues(ctx context.Context) ([]models.Issue, error)
}

// Sink receives every update the loop publishes. Publish is called from the
// loop goroutine and must not block; the update must be treated as read-only.
type Sink interface {
	Publish(u Update)
}

// Update is either a ranked snapshot (Available) or a notice that the
// reference location could not be resolved.
type Update struct {
	State     State
	Trigger   Trigger
	Available bool
	Failure   location.FailureKind
	Snapshot  Snapshot
	NewIDs    IDSet
	RadiusKm  float64
}

type Options struct {
	Interval time.Duration
	RadiusKm float64
}

type eventKind int

const (
	eventRefresh eventKind = iota
	eventLocation
	eventLocationFailed
	eventRadius
)

type event struct {
	kind    eventKind
	trigger Trigger
	coord   models.Coordinate
	failure location.FailureKind
	radius  float64
	seq     uint64
	reply   chan error
}

// Loop keeps the proximity feed current. A single goroutine owns the
// refresh state, so snapshots are computed one at a time and in order.
type Loop struct {
	source   Source
	sinks    []Sink
	interval time.Duration
	now      func() time.Time

	events   chan event
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	seq      atomic.Uint64
	inflight sync.WaitGroup

	// cancelled by Stop so pending resolutions give up
	resolveCtx    context.Context
	cancelResolve context.CancelFunc

	mu        sync.RWMutex
	started   bool
	state     State
	reference *models.Coordinate
	radius    float64
	failure   location.FailureKind
	last      *Update

	// owned by the run goroutine
	ticker     *Ticker
	previous   IDSet
	published  bool
	appliedSeq uint64
}

func NewLoop(source Source, opts Options, sinks ...Sink) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = DefaultRadiusKm
	}

	resolveCtx, cancelResolve := context.WithCancel(context.Background())

	return &Loop{
		source:        source,
		sinks:         sinks,
		interval:      opts.Interval,
		now:           time.Now,
		events:        make(chan event),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		resolveCtx:    resolveCtx,
		cancelResolve: cancelResolve,
		state:         StateIdle,
		radius:        opts.RadiusKm,
	}
}

// Start launches the loop goroutine. The loop runs until Stop is called or
// ctx is cancelled. A stopped loop cannot be started again.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateStopped {
		return ErrStopped
	}
	if l.started {
		return nil
	}
	l.started = true

	go l.run(ctx)
	return nil
}

// Stop cancels the periodic refresh and pending location resolutions, then
// waits for the loop goroutine and the resolutions to exit. No update is
// published after Stop returns.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		close(l.quit)
		l.mu.Unlock()
		l.cancelResolve()

		l.mu.RLock()
		started := l.started
		l.mu.RUnlock()
		if started {
			<-l.done
		}
		l.inflight.Wait()

		l.setState(StateStopped)
	})
}

// SetLocation applies a manually entered reference point.
func (l *Loop) SetLocation(c models.Coordinate) error {
	if !geo.Valid(c) {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, c)
	}
	return l.send(event{kind: eventLocation, coord: c, seq: l.seq.Add(1)})
}

// ResolveLocation resolves the reference point asynchronously and returns
// the request sequence number. Results of requests older than the last
// applied one are dropped. The resolver's context is also cancelled by Stop.
func (l *Loop) ResolveLocation(ctx context.Context, r location.Resolver) (uint64, error) {
	if err := l.checkRunning(); err != nil {
		return 0, err
	}

	// quit is closed under mu, so no resolution is added once Stop waits.
	l.mu.Lock()
	select {
	case <-l.quit:
		l.mu.Unlock()
		return 0, ErrStopped
	default:
	}
	l.inflight.Add(1)
	l.mu.Unlock()

	seq := l.seq.Add(1)
	go func() {
		defer l.inflight.Done()

		rctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(l.resolveCtx, cancel)()

		ev := event{kind: eventLocation, seq: seq}
		c, err := r.Resolve(rctx)
		if err == nil && !geo.Valid(c) {
			err = &location.Error{Kind: location.FailureFailed, Err: fmt.Errorf("%w: %v", ErrInvalidLocation, c)}
		}
		if err != nil {
			slog.Warn("location resolution failed", "seq", seq, "error", err)
			ev.kind = eventLocationFailed
			ev.failure = location.KindOf(err)
		} else {
			ev.coord = c
		}

		select {
		case l.events <- ev:
		case <-l.quit:
		case <-l.done:
		}
	}()

	return seq, nil
}

// ReportLocationFailure records that the client could not produce a
// reference point.
func (l *Loop) ReportLocationFailure(kind location.FailureKind) error {
	return l.send(event{kind: eventLocationFailed, failure: kind, seq: l.seq.Add(1)})
}

func (l *Loop) SetRadius(km float64) error {
	if math.IsNaN(km) || math.IsInf(km, 0) || km < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, km)
	}
	return l.send(event{kind: eventRadius, radius: km})
}

// Refresh recomputes the feed on request. It fails with
// ErrLocationUnavailable while the loop is idle.
func (l *Loop) Refresh() error {
	return l.send(event{kind: eventRefresh, trigger: TriggerManual})
}

// NotifyIngested signals that new issues were added to the source.
func (l *Loop) NotifyIngested() error {
	return l.send(event{kind: eventRefresh, trigger: TriggerIngest})
}

// NotifyChanged signals that existing issues were updated or removed.
func (l *Loop) NotifyChanged() error {
	return l.send(event{kind: eventRefresh, trigger: TriggerStore})
}

// Current returns the last published snapshot. Before the first snapshot it
// returns an error wrapping ErrLocationUnavailable.
func (l *Loop) Current() (Update, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.last == nil {
		return Update{State: l.state, Failure: l.failure, RadiusKm: l.radius}, l.unavailableLocked()
	}
	u := *l.last
	u.State = l.state
	return u, nil
}

func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) Reference() (models.Coordinate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reference == nil {
		return models.Coordinate{}, false
	}
	return *l.reference, true
}

func (l *Loop) Radius() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.radius
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer func() {
		if l.ticker != nil {
			l.ticker.Cancel()
		}
		l.setState(StateStopped)
		slog.Info("feed loop stopped")
	}()

	for {
		var tick <-chan time.Time
		if l.ticker != nil {
			tick = l.ticker.C()
		}

		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-tick:
			if l.halted(ctx) {
				return
			}
			l.refresh(ctx, TriggerTick)
		case ev := <-l.events:
			if l.halted(ctx) {
				return
			}
			err := l.handle(ctx, ev)
			if ev.reply != nil {
				ev.reply <- err
			}
		}
	}
}

// halted reports whether shutdown was requested. Work that was already
// queued when it happened is discarded.
func (l *Loop) halted(ctx context.Context) bool {
	select {
	case <-l.quit:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (l *Loop) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventLocation:
		if ev.seq <= l.appliedSeq {
			slog.Debug("dropping stale location", "seq", ev.seq, "applied", l.appliedSeq)
			return nil
		}
		l.appliedSeq = ev.seq

		c := ev.coord
		l.mu.Lock()
		l.reference = &c
		l.failure = ""
		activated := l.state == StateIdle
		if activated {
			l.state = StateActive
		}
		l.mu.Unlock()

		if activated {
			l.ticker = NewTicker(l.interval)
			slog.Info("feed loop active", "latitude", c.Latitude, "longitude", c.Longitude, "interval", l.interval)
		}
		return l.refresh(ctx, TriggerLocation)

	case eventLocationFailed:
		if ev.seq <= l.appliedSeq {
			slog.Debug("dropping stale location failure", "seq", ev.seq, "applied", l.appliedSeq)
			return nil
		}
		l.appliedSeq = ev.seq

		if l.State() == StateActive {
			slog.Warn("location unavailable, keeping previous reference", "reason", ev.failure)
			return nil
		}

		l.mu.Lock()
		l.failure = ev.failure
		radius := l.radius
		l.mu.Unlock()

		l.publish(Update{
			State:    StateIdle,
			Trigger:  TriggerLocation,
			Failure:  ev.failure,
			RadiusKm: radius,
		})
		return nil

	case eventRadius:
		l.mu.Lock()
		l.radius = ev.radius
		active := l.state == StateActive
		l.mu.Unlock()

		if !active {
			return nil
		}
		return l.refresh(ctx, TriggerRadius)

	case eventRefresh:
		if l.State() != StateActive {
			if ev.trigger == TriggerManual {
				l.mu.RLock()
				err := l.unavailableLocked()
				l.mu.RUnlock()
				return err
			}
			return nil
		}
		return l.refresh(ctx, ev.trigger)
	}

	return fmt.Errorf("unknown event kind %d", ev.kind)
}

func (l *Loop) refresh(ctx context.Context, trigger Trigger) error {
	issues, err := l.source.AllIssues(ctx)
	if err != nil {
		slog.Error("feed refresh failed", "trigger", trigger, "error", err)
		return fmt.Errorf("error loading issues: %w", err)
	}

	l.mu.RLock()
	ref := *l.reference
	radius := l.radius
	l.mu.RUnlock()

	snap := Rank(issues, ref, radius)
	snap.ComputedAt = l.now()

	// The first snapshot establishes the baseline and flags nothing.
	fresh := make(IDSet)
	if l.published {
		fresh = DiffNew(l.previous, snap.Entries)
	}
	l.previous = snap.IDs()
	l.published = true

	u := Update{
		State:     StateActive,
		Trigger:   trigger,
		Available: true,
		Snapshot:  snap,
		NewIDs:    fresh,
		RadiusKm:  radius,
	}

	l.mu.Lock()
	l.last = &u
	l.mu.Unlock()

	l.publish(u)
	slog.Debug("feed refreshed", "trigger", trigger, "entries", len(snap.Entries), "new", len(fresh))
	return nil
}

func (l *Loop) publish(u Update) {
	for _, s := range l.sinks {
		s.Publish(u)
	}
}

func (l *Loop) send(ev event) error {
	if err := l.checkRunning(); err != nil {
		return err
	}

	ev.reply = make(chan error, 1)
	select {
	case l.events <- ev:
	case <-l.quit:
		return ErrStopped
	case <-l.done:
		return ErrStopped
	}

	select {
	case err := <-ev.reply:
		return err
	case <-l.done:
		select {
		case err := <-ev.reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) checkRunning() error {
	select {
	case <-l.quit:
		return ErrStopped
	case <-l.done:
		return ErrStopped
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.started {
		return ErrNotRunning
	}
	return nil
}

func (l *Loop) unavailableLocked() error {
	if l.state == StateStopped {
		return ErrStopped
	}
	if l.failure == "" {
		return ErrLocationUnavailable
	}
	return &location.Error{Kind: l.failure, Err: ErrLocationUnavailable}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
