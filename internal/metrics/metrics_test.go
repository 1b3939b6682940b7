package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/location"
)

func TestFeedSink_RecordsSnapshots(t *testing.T) {
	m := New()
	sink := m.FeedSink()

	sink.Publish(feed.Update{
		Available: true,
		Trigger:   feed.TriggerTick,
		Snapshot:  feed.Snapshot{Entries: make([]feed.Entry, 4)},
		NewIDs:    feed.IDSet{"a": {}, "b": {}},
	})
	sink.Publish(feed.Update{
		Available: true,
		Trigger:   feed.TriggerTick,
		Snapshot:  feed.Snapshot{Entries: make([]feed.Entry, 2)},
	})
	sink.Publish(feed.Update{Failure: location.FailureDenied})

	if got := testutil.ToFloat64(m.FeedRefreshes.WithLabelValues("tick")); got != 2 {
		t.Errorf("expected 2 tick refreshes, got %v", got)
	}
	if got := testutil.ToFloat64(m.FeedEntries); got != 2 {
		t.Errorf("expected gauge at 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.FeedNewEntries); got != 2 {
		t.Errorf("expected 2 new entries, got %v", got)
	}
	if got := testutil.ToFloat64(m.FeedUnavailable.WithLabelValues("denied")); got != 1 {
		t.Errorf("expected 1 denied, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Ingested("simulated", 3)
	m.IngestFailed("geojson")
	m.Swept(2)
	m.FeedSink().Publish(feed.Update{Available: true})
}

func TestMetrics_WatchStreamDrops(t *testing.T) {
	m := New()
	var dropped uint64 = 5
	m.WatchStreamDrops(func() uint64 { return dropped })

	if n, err := testutil.GatherAndCount(m.registry, "civictrack_stream_dropped_total"); err != nil || n != 1 {
		t.Fatalf("expected one stream_dropped_total series, got %d (err %v)", n, err)
	}

	dropped = 7
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "civictrack_stream_dropped_total 7") {
		t.Errorf("expected drop counter to read through at scrape time")
	}

	var none *Metrics
	none.WatchStreamDrops(func() uint64 { return 1 })
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Ingested("simulated", 3)
	m.Swept(1)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`civictrack_issues_ingested_total{source="simulated"} 3`,
		`civictrack_external_issues_swept_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
