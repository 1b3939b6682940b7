package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mr1hm/go-civictrack/internal/feed"
)

const namespace = "civictrack"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	FeedRefreshes   *prometheus.CounterVec
	FeedEntries     prometheus.Gauge
	FeedNewEntries  prometheus.Counter
	FeedUnavailable *prometheus.CounterVec
	IssuesIngested  *prometheus.CounterVec
	IngestFailures  *prometheus.CounterVec
	IssuesSwept     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FeedRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_refreshes_total",
			Help:      "Feed snapshots published, by trigger.",
		}, []string{"trigger"}),
		FeedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_entries",
			Help:      "Entries in the most recent feed snapshot.",
		}),
		FeedNewEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_new_entries_total",
			Help:      "Entries flagged as new across all snapshots.",
		}),
		FeedUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_location_unavailable_total",
			Help:      "Location failures reported while the feed was idle, by reason.",
		}, []string{"reason"}),
		IssuesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_ingested_total",
			Help:      "Issues stored, by source.",
		}, []string{"source"}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Failed external fetches, by source.",
		}, []string{"source"}),
		IssuesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_issues_swept_total",
			Help:      "External issues removed by retention.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FeedRefreshes,
		m.FeedEntries,
		m.FeedNewEntries,
		m.FeedUnavailable,
		m.IssuesIngested,
		m.IngestFailures,
		m.IssuesSwept,
	)

	return m
}

// WatchStreamDrops exports the stream's dropped-update count, read at scrape
// time.
func (m *Metrics) WatchStreamDrops(dropped func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_dropped_total",
		Help:      "Feed updates skipped because a stream subscriber was not keeping up.",
	}, func() float64 { return float64(dropped()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Ingested(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IssuesIngested.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) IngestFailed(source string) {
	if m == nil {
		return
	}
	m.IngestFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.IssuesSwept.Add(float64(n))
}

// FeedSink records every feed update.
type FeedSink struct {
	m *Metrics
}

func (m *Metrics) FeedSink() *FeedSink {
	return &FeedSink{m: m}
}

func (s *FeedSink) Publish(u feed.Update) {
	if s.m == nil {
		return
	}
	if !u.Available {
		s.m.FeedUnavailable.WithLabelValues(string(u.Failure)).Inc()
		return
	}
	s.m.FeedRefreshes.WithLabelValues(string(u.Trigger)).Inc()
	s.m.FeedEntries.Set(float64(len(u.Snapshot.Entries)))
	s.m.FeedNewEntries.Add(float64(len(u.NewIDs)))
}
