package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return mqttQoS }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestDecodeIssueMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"id":"42","source":"City 311","title":"Dark street","category":"lighting","status":"resolved","latitude":40.7,"longitude":-74}`, false},
		{"status defaults", `{"id":"43","category":"water","latitude":40.7,"longitude":-74}`, false},
		{"missing id", `{"category":"water","latitude":40.7,"longitude":-74}`, true},
		{"unknown category", `{"id":"44","category":"noise"}`, true},
		{"unknown status", `{"id":"45","category":"water","status":"closed"}`, true},
		{"not json", `{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is, err := DecodeIssueMessage([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !is.IsExternal() {
				t.Error("expected external origin")
			}
			if is.Status == "" || len(is.Timeline) != 1 {
				t.Errorf("expected status and initial timeline, got %q / %d entries", is.Status, len(is.Timeline))
			}
		})
	}

	is, _ := DecodeIssueMessage([]byte(`{"id":"42","category":"lighting"}`))
	if is.ID != "ext_mqtt_42" || is.Source != "mqtt" || is.Status != models.StatusReported {
		t.Errorf("unexpected defaults: %+v", is)
	}
}

func TestSubscriber_Handle(t *testing.T) {
	store := newMockStore()
	notifier := &countingNotifier{}
	mgr := NewManager(testConfig(1, 4), store, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		mgr.Stop()
	}()
	mgr.Start(ctx)

	sub := NewSubscriber(nil, "civictrack/issues", mgr)
	sub.ctx = ctx

	payload, _ := json.Marshal(IssueMessage{
		ID:        "7",
		Title:     "Water main break",
		Category:  "water",
		Latitude:  nyc.Latitude,
		Longitude: nyc.Longitude,
		Timestamp: time.Now(),
	})
	sub.handle(nil, &fakeMessage{topic: "civictrack/issues", payload: payload})
	sub.handle(nil, &fakeMessage{topic: "civictrack/issues", payload: []byte("garbage")})

	if store.addCount.Load() != 1 {
		t.Errorf("expected 1 stored issue, got %d", store.addCount.Load())
	}
	if notifier.calls.Load() != 1 {
		t.Errorf("expected 1 notification, got %d", notifier.calls.Load())
	}
}

func TestNewSnapshotMessage(t *testing.T) {
	u := feed.Update{
		State:     feed.StateActive,
		Trigger:   feed.TriggerIngest,
		Available: true,
		RadiusKm:  3,
		Snapshot: feed.Snapshot{
			Reference: nyc,
			Entries: []feed.Entry{
				{Issue: models.Issue{ID: "b"}, DistanceKm: 0.1},
				{Issue: models.Issue{ID: "a"}, DistanceKm: 0.2},
			},
		},
		NewIDs: feed.IDSet{"a": {}},
	}

	msg := NewSnapshotMessage(u)
	if msg.State != "active" || msg.Trigger != "ingest" {
		t.Errorf("unexpected state/trigger: %s/%s", msg.State, msg.Trigger)
	}
	if len(msg.IssueIDs) != 2 || msg.IssueIDs[0] != "b" {
		t.Errorf("expected ranked ids, got %v", msg.IssueIDs)
	}
	if len(msg.NewIDs) != 1 || msg.NewIDs[0] != "a" {
		t.Errorf("expected new ids [a], got %v", msg.NewIDs)
	}
	if msg.Reference == nil || *msg.Reference != nyc {
		t.Errorf("expected reference %v, got %v", nyc, msg.Reference)
	}

	unavailable := NewSnapshotMessage(feed.Update{State: feed.StateIdle, Failure: "denied"})
	if unavailable.Available || unavailable.Reference != nil || unavailable.Failure != "denied" {
		t.Errorf("unexpected unavailable message: %+v", unavailable)
	}
}
