package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memSource struct {
	mu     sync.Mutex
	issues []models.Issue
	err    error
}

func (s *memSource) AllIssues(ctx context.Context) ([]models.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.Issue, len(s.issues))
	copy(out, s.issues)
	return out, nil
}

func (s *memSource) add(is ...models.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, is...)
}

type recordingSink struct {
	updates chan Update
}

func newRecordingSink() *recordingSink {
	return &recordingSink{updates: make(chan Update, 64)}
}

func (r *recordingSink) Publish(u Update) {
	select {
	case r.updates <- u:
	default:
	}
}

func (r *recordingSink) next(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-r.updates:
		return u
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}
	return Update{}
}

func (r *recordingSink) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case u := <-r.updates:
		t.Fatalf("unexpected update: trigger=%s available=%v", u.Trigger, u.Available)
	case <-time.After(wait):
	}
}

func startLoop(t *testing.T, src Source, opts Options) (*Loop, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	l := NewLoop(src, opts, sink)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l, sink
}

func TestLoop_IdleUntilLocationResolved(t *testing.T) {
	src := &memSource{issues: []models.Issue{issueAt("a", nyc)}}
	l, sink := startLoop(t, src, Options{})

	if l.State() != StateIdle {
		t.Fatalf("expected idle, got %s", l.State())
	}
	if _, err := l.Current(); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("expected ErrLocationUnavailable, got %v", err)
	}
	if err := l.Refresh(); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("expected manual refresh to fail while idle, got %v", err)
	}
	if err := l.NotifyIngested(); err != nil {
		t.Errorf("NotifyIngested while idle: %v", err)
	}
	if err := l.SetRadius(1); err != nil {
		t.Errorf("SetRadius while idle: %v", err)
	}
	sink.expectNone(t, 20*time.Millisecond)

	if err := l.SetLocation(nyc); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}

	u := sink.next(t)
	if !u.Available || u.Trigger != TriggerLocation || u.State != StateActive {
		t.Errorf("unexpected first update: %+v", u)
	}
	if u.RadiusKm != 1 {
		t.Errorf("expected radius set while idle to apply, got %v", u.RadiusKm)
	}
	if l.State() != StateActive {
		t.Errorf("expected active, got %s", l.State())
	}
	if ref, ok := l.Reference(); !ok || ref != nyc {
		t.Errorf("unexpected reference %v %v", ref, ok)
	}
}

func TestLoop_FirstRefreshFlagsNothing(t *testing.T) {
	src := &memSource{issues: []models.Issue{
		issueAt("a", northOf(nyc, 0.5)),
		issueAt("b", northOf(nyc, 0.1)),
	}}
	l, sink := startLoop(t, src, Options{RadiusKm: 3})

	if err := l.SetLocation(nyc); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}
	first := sink.next(t)
	if len(first.Snapshot.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(first.Snapshot.Entries))
	}
	if len(first.NewIDs) != 0 {
		t.Errorf("expected no new ids on first refresh, got %v", first.NewIDs.Sorted())
	}

	src.add(issueAt("ext_city311_1", northOf(nyc, 0.2)))
	if err := l.NotifyIngested(); err != nil {
		t.Fatalf("NotifyIngested failed: %v", err)
	}
	second := sink.next(t)
	if second.Trigger != TriggerIngest {
		t.Errorf("expected ingest trigger, got %s", second.Trigger)
	}
	if got := second.NewIDs.Sorted(); !equalIDs(got, []string{"ext_city311_1"}) {
		t.Errorf("expected [ext_city311_1] new, got %v", got)
	}
	if got := entryIDs(second.Snapshot.Entries); !equalIDs(got, []string{"b", "ext_city311_1", "a"}) {
		t.Errorf("unexpected order %v", got)
	}

	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	third := sink.next(t)
	if len(third.NewIDs) != 0 {
		t.Errorf("expected nothing new on unchanged refresh, got %v", third.NewIDs.Sorted())
	}

	cur, err := l.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.Trigger != TriggerManual || len(cur.Snapshot.Entries) != 3 {
		t.Errorf("Current does not match last publication: %+v", cur)
	}
}

func TestLoop_RadiusShrinkOnlyRemoves(t *testing.T) {
	src := &memSource{issues: []models.Issue{
		issueAt("two_km", northOf(nyc, 2)),
		issueAt("fifty_m", northOf(nyc, 0.05)),
		issueAt("half_km", northOf(nyc, 0.5)),
		issueAt("ten_km", northOf(nyc, 10)),
	}}
	l, sink := startLoop(t, src, Options{RadiusKm: 3})

	l.SetLocation(nyc)
	before := sink.next(t)
	if got := entryIDs(before.Snapshot.Entries); !equalIDs(got, []string{"fifty_m", "half_km", "two_km"}) {
		t.Fatalf("unexpected initial feed %v", got)
	}

	if err := l.SetRadius(1); err != nil {
		t.Fatalf("SetRadius failed: %v", err)
	}
	after := sink.next(t)
	if after.Trigger != TriggerRadius || after.RadiusKm != 1 {
		t.Errorf("unexpected update %s / %v", after.Trigger, after.RadiusKm)
	}
	if got := entryIDs(after.Snapshot.Entries); !equalIDs(got, []string{"fifty_m", "half_km"}) {
		t.Errorf("expected [fifty_m half_km], got %v", got)
	}
	if len(after.NewIDs) != 0 {
		t.Errorf("shrinking radius flagged new ids %v", after.NewIDs.Sorted())
	}
	prev := before.Snapshot.IDs()
	for _, e := range after.Snapshot.Entries {
		if !prev.Has(e.Issue.ID) {
			t.Errorf("entry %s appeared after radius shrink", e.Issue.ID)
		}
	}
}

func TestLoop_InvalidInputRejected(t *testing.T) {
	l, _ := startLoop(t, &memSource{}, Options{})

	if err := l.SetRadius(-1); !errors.Is(err, ErrInvalidRadius) {
		t.Errorf("expected ErrInvalidRadius, got %v", err)
	}
	if err := l.SetLocation(models.Coordinate{Latitude: 120}); !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("expected ErrInvalidLocation, got %v", err)
	}
}

func TestLoop_LocationFailureWhileIdle(t *testing.T) {
	l, sink := startLoop(t, &memSource{}, Options{})

	if err := l.ReportLocationFailure(location.FailureDenied); err != nil {
		t.Fatalf("ReportLocationFailure failed: %v", err)
	}

	u := sink.next(t)
	if u.Available {
		t.Fatal("expected unavailable update")
	}
	if u.Failure != location.FailureDenied || u.State != StateIdle {
		t.Errorf("unexpected update %+v", u)
	}
	if l.State() != StateIdle {
		t.Errorf("expected idle, got %s", l.State())
	}

	_, err := l.Current()
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
	if location.KindOf(err) != location.FailureDenied {
		t.Errorf("expected denied kind, got %s", location.KindOf(err))
	}
}

func TestLoop_ResolverFailureWhileActiveKeepsReference(t *testing.T) {
	l, sink := startLoop(t, &memSource{}, Options{})

	l.SetLocation(nyc)
	sink.next(t)

	failing := location.ResolverFunc(func(ctx context.Context) (models.Coordinate, error) {
		return models.Coordinate{}, &location.Error{Kind: location.FailureNotFound}
	})
	if _, err := l.ResolveLocation(context.Background(), failing); err != nil {
		t.Fatalf("ResolveLocation failed: %v", err)
	}
	l.inflight.Wait()
	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	u := sink.next(t)
	if u.Trigger != TriggerManual || !u.Available {
		t.Errorf("expected the manual refresh to be the only update, got %+v", u)
	}
	if ref, _ := l.Reference(); ref != nyc {
		t.Errorf("reference changed to %v", ref)
	}
}

func TestLoop_StaleResolutionDropped(t *testing.T) {
	l, sink := startLoop(t, &memSource{}, Options{})

	slowCoord := northOf(nyc, 5)
	release := make(chan struct{})
	slow := location.ResolverFunc(func(ctx context.Context) (models.Coordinate, error) {
		<-release
		return slowCoord, nil
	})

	first, _ := l.ResolveLocation(context.Background(), slow)
	second, _ := l.ResolveLocation(context.Background(), location.Fixed(nyc))
	if second <= first {
		t.Fatalf("expected increasing sequence numbers, got %d then %d", first, second)
	}

	u := sink.next(t)
	if u.Snapshot.Reference != nyc {
		t.Fatalf("expected newer request to win, got %v", u.Snapshot.Reference)
	}

	close(release)
	l.inflight.Wait()
	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	u = sink.next(t)
	if u.Trigger != TriggerManual {
		t.Errorf("expected stale result to be dropped, got trigger %s", u.Trigger)
	}
	if ref, _ := l.Reference(); ref != nyc {
		t.Errorf("stale resolution overwrote reference: %v", ref)
	}
}

func TestLoop_StopSuppressesInFlightResolution(t *testing.T) {
	src := &memSource{issues: []models.Issue{issueAt("a", northOf(nyc, 0.2))}}
	l, sink := startLoop(t, src, Options{})

	l.SetLocation(nyc)
	published := sink.next(t)

	// Finishes with a coordinate even after its context is cancelled.
	started := make(chan struct{})
	late := location.ResolverFunc(func(ctx context.Context) (models.Coordinate, error) {
		close(started)
		<-ctx.Done()
		return northOf(nyc, 1), nil
	})
	if _, err := l.ResolveLocation(context.Background(), late); err != nil {
		t.Fatalf("ResolveLocation failed: %v", err)
	}
	<-started

	l.Stop()

	sink.expectNone(t, 30*time.Millisecond)
	if l.State() != StateStopped {
		t.Errorf("expected stopped, got %s", l.State())
	}

	cur, err := l.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if !cur.Snapshot.ComputedAt.Equal(published.Snapshot.ComputedAt) || cur.Snapshot.Reference != nyc {
		t.Errorf("last snapshot changed after stop")
	}
}

func TestLoop_StopWaitsForPendingResolution(t *testing.T) {
	l, _ := startLoop(t, &memSource{}, Options{})

	started := make(chan struct{})
	var returned atomic.Bool
	var cause error
	blocked := location.ResolverFunc(func(ctx context.Context) (models.Coordinate, error) {
		defer returned.Store(true)
		close(started)
		<-ctx.Done()
		cause = ctx.Err()
		return models.Coordinate{}, &location.Error{Kind: location.FailureTimeout, Err: ctx.Err()}
	})

	// The caller's context never ends, as with a request that already returned.
	if _, err := l.ResolveLocation(context.WithoutCancel(context.Background()), blocked); err != nil {
		t.Fatalf("ResolveLocation failed: %v", err)
	}
	<-started

	l.Stop()

	if !returned.Load() {
		t.Fatal("Stop returned while the resolver was still running")
	}
	if !errors.Is(cause, context.Canceled) {
		t.Errorf("expected resolver context to be cancelled, got %v", cause)
	}
	if _, err := l.ResolveLocation(context.Background(), location.Fixed(nyc)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestLoop_StopIsIdempotentAndFinal(t *testing.T) {
	l, _ := startLoop(t, &memSource{}, Options{})

	l.Stop()
	l.Stop()

	if err := l.SetLocation(nyc); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from SetLocation, got %v", err)
	}
	if err := l.Refresh(); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Refresh, got %v", err)
	}
	if _, err := l.ResolveLocation(context.Background(), location.Fixed(nyc)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from ResolveLocation, got %v", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected restart to fail, got %v", err)
	}
}

func TestLoop_NotStarted(t *testing.T) {
	l := NewLoop(&memSource{}, Options{})
	defer l.Stop()

	if err := l.SetLocation(nyc); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestLoop_ContextCancelStops(t *testing.T) {
	l := NewLoop(&memSource{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	deadline := time.Now().Add(time.Second)
	for l.State() != StateStopped && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.State() != StateStopped {
		t.Fatalf("expected stopped after cancel, got %s", l.State())
	}

	l.Stop()
	if err := l.NotifyChanged(); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestLoop_TimerTicks(t *testing.T) {
	src := &memSource{issues: []models.Issue{issueAt("a", nyc)}}
	l, sink := startLoop(t, src, Options{Interval: 20 * time.Millisecond})

	l.SetLocation(nyc)
	if u := sink.next(t); u.Trigger != TriggerLocation {
		t.Fatalf("expected location trigger first, got %s", u.Trigger)
	}

	u := sink.next(t)
	if u.Trigger != TriggerTick {
		t.Errorf("expected tick trigger, got %s", u.Trigger)
	}
	if len(u.NewIDs) != 0 {
		t.Errorf("tick with unchanged data flagged %v", u.NewIDs.Sorted())
	}

	l.Stop()
	for len(sink.updates) > 0 {
		<-sink.updates
	}
	sink.expectNone(t, 60*time.Millisecond)
}

func TestLoop_SourceErrorKeepsLastSnapshot(t *testing.T) {
	src := &memSource{issues: []models.Issue{issueAt("a", nyc)}}
	l, sink := startLoop(t, src, Options{})

	l.SetLocation(nyc)
	sink.next(t)

	src.mu.Lock()
	src.err = errors.New("disk on fire")
	src.mu.Unlock()

	if err := l.Refresh(); err == nil {
		t.Error("expected refresh to surface the source error")
	}
	sink.expectNone(t, 20*time.Millisecond)

	cur, err := l.Current()
	if err != nil || len(cur.Snapshot.Entries) != 1 {
		t.Errorf("expected previous snapshot to survive, got %+v, %v", cur, err)
	}
}
