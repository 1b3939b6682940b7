package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/models"
)

const (
	mqttSourceName = "mqtt"
	mqttQoS        = byte(1)
)

// IssueMessage is the payload published on the external issues topic.
type IssueMessage struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Status      string    `json:"status"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
}

func ConnectMQTT(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("timed out connecting to %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", broker, err)
	}
	slog.Info("connected to MQTT broker", "broker", broker, "client_id", clientID)
	return client, nil
}

// Subscriber ingests issues pushed to an MQTT topic.
type Subscriber struct {
	client  mqtt.Client
	topic   string
	manager *Manager
	timeout time.Duration
	ctx     context.Context
}

func NewSubscriber(client mqtt.Client, topic string, manager *Manager) *Subscriber {
	return &Subscriber{
		client:  client,
		topic:   topic,
		manager: manager,
		timeout: 10 * time.Second,
		ctx:     context.Background(),
	}
}

func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	token := s.client.Subscribe(s.topic, mqttQoS, s.handle)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("timed out subscribing to %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error subscribing to %s: %w", s.topic, err)
	}
	slog.Info("subscribed to external issues", "topic", s.topic)
	return nil
}

func (s *Subscriber) Stop() {
	s.client.Unsubscribe(s.topic).WaitTimeout(s.timeout)
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	is, err := DecodeIssueMessage(msg.Payload())
	if err != nil {
		slog.Warn("dropping malformed issue message", "topic", msg.Topic(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if _, err := s.manager.Ingest(ctx, mqttSourceName, []*models.Issue{is}); err != nil {
		slog.Error("error ingesting issue message", "id", is.ID, "error", err)
	}
}

func DecodeIssueMessage(payload []byte) (*models.Issue, error) {
	var m IssueMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("error decoding payload: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("missing id")
	}

	category := models.Category(m.Category)
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", m.Category)
	}
	status := models.Status(m.Status)
	if m.Status == "" {
		status = models.StatusReported
	}
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", m.Status)
	}
	source := m.Source
	if source == "" {
		source = mqttSourceName
	}
	reported := m.Timestamp.UTC()
	if m.Timestamp.IsZero() {
		reported = time.Now().UTC()
	}

	return &models.Issue{
		ID:          ExternalID(mqttSourceName, m.ID),
		Title:       m.Title,
		Description: m.Description,
		Category:    category,
		Status:      status,
		Origin:      models.OriginExternal,
		Source:      source,
		Location:    models.Coordinate{Latitude: m.Latitude, Longitude: m.Longitude},
		Reporter:    "External Source",
		Timeline:    []models.TimelineEntry{{Status: status, Note: "Imported from " + source, At: reported}},
		Timestamp:   reported,
	}, nil
}

// SnapshotMessage summarizes a feed update for MQTT consumers.
type SnapshotMessage struct {
	State     string             `json:"state"`
	Trigger   string             `json:"trigger"`
	Available bool               `json:"location_available"`
	Failure   string             `json:"failure,omitempty"`
	RadiusKm  float64            `json:"radius_km"`
	Reference *models.Coordinate `json:"reference,omitempty"`
	IssueIDs  []string           `json:"issue_ids"`
	NewIDs    []string           `json:"new_ids"`
	At        time.Time          `json:"computed_at"`
}

func NewSnapshotMessage(u feed.Update) SnapshotMessage {
	msg := SnapshotMessage{
		State:     u.State.String(),
		Trigger:   string(u.Trigger),
		Available: u.Available,
		Failure:   string(u.Failure),
		RadiusKm:  u.RadiusKm,
		IssueIDs:  make([]string, 0, len(u.Snapshot.Entries)),
		NewIDs:    u.NewIDs.Sorted(),
		At:        u.Snapshot.ComputedAt,
	}
	if u.Available {
		ref := u.Snapshot.Reference
		msg.Reference = &ref
	}
	for _, e := range u.Snapshot.Entries {
		msg.IssueIDs = append(msg.IssueIDs, e.Issue.ID)
	}
	return msg
}

// Publisher forwards feed updates to an MQTT topic. It implements
// feed.Sink and never waits on the broker.
type Publisher struct {
	client mqtt.Client
	topic  string
}

func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

func (p *Publisher) Publish(u feed.Update) {
	data, err := json.Marshal(NewSnapshotMessage(u))
	if err != nil {
		slog.Error("error encoding snapshot", "error", err)
		return
	}
	p.client.Publish(p.topic, 0, false, data)
}
