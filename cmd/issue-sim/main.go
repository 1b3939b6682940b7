package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/ingestion"
	"github.com/mr1hm/go-civictrack/internal/logging"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type template struct {
	title    string
	category models.Category
}

var templates = []template{
	{"Pothole reported by resident", models.CategoryRoads},
	{"Flickering street light", models.CategoryLighting},
	{"Water main leak on sidewalk", models.CategoryWater},
	{"Overflowing trash bins", models.CategoryCleanliness},
	{"Broken crosswalk signal", models.CategorySafety},
	{"Abandoned scooter blocking path", models.CategoryObstructions},
}

func main() {
	_ = godotenv.Load()

	broker := flag.String("broker", envOr("MQTT_BROKER", "tcp://localhost:1883"), "MQTT broker address")
	topic := flag.String("topic", envOr("MQTT_ISSUES_TOPIC", "civictrack/issues"), "Topic to publish issues on")
	source := flag.String("source", "Sensor Network", "Source name attached to every issue")
	lat := flag.Float64("lat", 40.7128, "Center latitude")
	lon := flag.Float64("lon", -74.0060, "Center longitude")
	spread := flag.Float64("spread-km", 1, "Maximum offset in kilometers from the center, along each axis")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published issues")
	count := flag.Int("count", 0, "Stop after this many issues (0 runs until interrupted)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logging.Setup(*logLevel, "text")

	clientID := fmt.Sprintf("issue-sim-%d", time.Now().UnixNano())
	client, err := ingestion.ConnectMQTT(*broker, clientID, 10*time.Second)
	if err != nil {
		logging.Fatalf("failed to connect to broker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	publish := func() {
		msg := newMessage(*source, *lat, *lon, *spread, sent)
		if err := send(client, *topic, msg); err != nil {
			slog.Error("publish error", "error", err)
			return
		}
		sent++
		slog.Info("published issue", "topic", *topic, "id", msg.ID, "category", msg.Category)
	}

	publish()

	for *count == 0 || sent < *count {
		select {
		case <-ctx.Done():
			slog.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
	client.Disconnect(250)
}

func newMessage(source string, lat, lon, spreadKm float64, n int) ingestion.IssueMessage {
	t := templates[rand.IntN(len(templates))]
	at := geo.Offset(models.Coordinate{Latitude: lat, Longitude: lon}, jitter(spreadKm), jitter(spreadKm))
	return ingestion.IssueMessage{
		ID:          fmt.Sprintf("%d_%d", time.Now().UnixNano(), n),
		Source:      source,
		Title:       t.title,
		Description: "Automatically generated by issue-sim",
		Category:    string(t.category),
		Status:      string(models.StatusReported),
		Latitude:    at.Latitude,
		Longitude:   at.Longitude,
		Timestamp:   time.Now().UTC(),
	}
}

func jitter(spread float64) float64 {
	return (rand.Float64()*2 - 1) * spread
}

func send(client mqtt.Client, topic string, msg ingestion.IssueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	token := client.Publish(topic, 1, false, data)
	token.Wait()
	return token.Error()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
