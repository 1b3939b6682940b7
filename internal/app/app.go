package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-civictrack/internal/accounts"
	"github.com/mr1hm/go-civictrack/internal/api"
	"github.com/mr1hm/go-civictrack/internal/config"
	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/fetch"
	"github.com/mr1hm/go-civictrack/internal/ingestion"
	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/maintenance"
	"github.com/mr1hm/go-civictrack/internal/metrics"
	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/reports"
	"github.com/mr1hm/go-civictrack/internal/repository"
	"github.com/mr1hm/go-civictrack/internal/stream"
)

const (
	mqttConnectTimeout = 10 * time.Second
	geojsonTimeout     = 30 * time.Second
)

// App owns every long-lived component of the service. It is built by New,
// started by Run, halted by Stop and torn down by Close.
type App struct {
	cfg *config.Config

	db         *repository.SQLiteDB
	stream     *stream.Broadcaster
	metrics    *metrics.Metrics
	feed       *feed.Loop
	ingestion  *ingestion.Manager
	reports    *reports.Service
	accounts   *accounts.Service
	sweeper    *maintenance.Sweeper
	mqtt       mqtt.Client
	subscriber *ingestion.Subscriber
	router     *gin.Engine
	settings   models.Settings

	cancel   context.CancelFunc
	stopOnce sync.Once
}

func New(cfg *config.Config) (*App, error) {
	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{
		cfg:     cfg,
		db:      db,
		stream:  stream.NewBroadcaster(),
		metrics: metrics.New(),
	}
	a.metrics.WatchStreamDrops(a.stream.Dropped)

	a.settings, err = db.GetSettings(context.Background(), a.defaultSettings())
	if err != nil {
		db.Close()
		return nil, err
	}

	sinks := []feed.Sink{a.stream, a.metrics.FeedSink()}
	if cfg.Sources.MQTTEnabled {
		a.mqtt, err = ingestion.ConnectMQTT(cfg.Sources.MQTTBroker, cfg.Sources.MQTTClientID, mqttConnectTimeout)
		if err != nil {
			db.Close()
			return nil, err
		}
		if cfg.Sources.MQTTFeedTopic != "" {
			sinks = append(sinks, ingestion.NewPublisher(a.mqtt, cfg.Sources.MQTTFeedTopic))
		}
	}

	a.feed = feed.NewLoop(db, feed.Options{
		Interval: cfg.Feed.RefreshInterval,
		RadiusKm: a.startRadius(),
	}, sinks...)

	a.ingestion = ingestion.NewManager(cfg, db, a.feed, a.metrics)
	if cfg.Sources.SimulatedEnabled {
		a.ingestion.Register(ingestion.NewSimulated(a.feed.Reference), cfg.Sources.SimulatedInterval)
	}
	if cfg.Sources.GeoJSONEnabled {
		client := fetch.NewClient("geojson", cfg.Geocoder.UserAgent, geojsonTimeout)
		a.ingestion.Register(ingestion.NewGeoJSON("geojson", cfg.Sources.GeoJSONURL, client), cfg.Sources.GeoJSONPollInterval)
	}
	if a.mqtt != nil {
		a.subscriber = ingestion.NewSubscriber(a.mqtt, cfg.Sources.MQTTIssuesTopic, a.ingestion)
	}

	a.reports = reports.NewService(db, db, a.feed)
	a.accounts = accounts.NewService(db)
	a.sweeper = maintenance.NewSweeper(db, a.feed, a.metrics, cfg.Retention.ExternalMaxAge, cfg.Retention.SweepInterval)

	deps := api.Deps{
		Feed:            a.feed,
		Stream:          a.stream,
		Reports:         a.reports,
		Accounts:        a.accounts,
		Settings:        db,
		Ingestion:       a.ingestion,
		Metrics:         a.metrics.Handler(),
		RadiusOptions:   cfg.Feed.RadiusOptions,
		DefaultSettings: a.defaultSettings(),
	}
	if cfg.Geocoder.URL != "" {
		deps.Geocoder = location.NewGeocoder(cfg.Geocoder.URL, cfg.Geocoder.UserAgent, cfg.Geocoder.Timeout)
	}

	a.router = gin.New()
	a.router.Use(gin.Recovery())
	a.router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must stay false with wildcard origins
	}))
	a.router.Use(api.RateLimitMiddleware(cfg.Server.RateLimit))
	api.NewHandler(deps).RegisterRoutes(a.router)

	return a, nil
}

func (a *App) defaultSettings() models.Settings {
	return models.Settings{
		DefaultRadiusKm: a.cfg.Feed.DefaultRadiusKm,
		AutoLocation:    a.cfg.Feed.AutoLocate,
		Notifications: models.NotificationSettings{
			NewIssues:    true,
			IssueUpdates: true,
		},
	}
}

// startRadius prefers the saved default radius while it is still offered.
func (a *App) startRadius() float64 {
	if slices.Contains(a.cfg.Feed.RadiusOptions, a.settings.DefaultRadiusKm) {
		return a.settings.DefaultRadiusKm
	}
	return a.cfg.Feed.DefaultRadiusKm
}

func (a *App) Handler() http.Handler {
	return a.router
}

func (a *App) Feed() *feed.Loop {
	return a.feed
}

// Run starts the background components and returns. They keep running
// until ctx is cancelled or Close is called.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.feed.Start(ctx); err != nil {
		return err
	}
	a.ingestion.Start(ctx)
	if a.subscriber != nil {
		if err := a.subscriber.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.sweeper.Start(); err != nil {
		return err
	}

	if _, err := a.accounts.EnsureAdmin(ctx, a.cfg.Admin.Name, a.cfg.Admin.Email, a.cfg.Admin.Password); err != nil {
		return fmt.Errorf("error creating admin account: %w", err)
	}

	if a.cfg.SeedSampleData {
		if err := a.seed(ctx); err != nil {
			return err
		}
	}

	if a.cfg.Feed.AutoLocate && a.settings.AutoLocation {
		c := models.Coordinate{Latitude: a.cfg.Feed.DefaultLatitude, Longitude: a.cfg.Feed.DefaultLongitude}
		if err := a.feed.SetLocation(c); err != nil {
			return fmt.Errorf("error setting default location: %w", err)
		}
	}

	slog.Info("application started",
		"radius_km", a.feed.Radius(),
		"sources", a.ingestion.Sources(),
		"mqtt", a.mqtt != nil,
	)
	return nil
}

func (a *App) seed(ctx context.Context) error {
	users, err := a.accounts.SeedSampleUsers(ctx)
	if err != nil {
		return fmt.Errorf("error seeding users: %w", err)
	}
	issues, err := a.reports.SeedSampleData(ctx, a.db)
	if err != nil {
		return fmt.Errorf("error seeding issues: %w", err)
	}
	slog.Info("sample data seeded", "users", users, "issues", issues)
	return nil
}

// Stop halts every background component in dependency order. The store stays
// open so in-flight HTTP requests can finish; Close releases it.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.sweeper.Stop()
		if a.subscriber != nil {
			a.subscriber.Stop()
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.ingestion.Stop()
		a.feed.Stop()
		a.stream.Close()
		if a.mqtt != nil {
			a.mqtt.Disconnect(250)
		}
	})
}

// Close stops the app if needed and closes the store.
func (a *App) Close() error {
	a.Stop()
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("error closing database: %w", err)
	}
	return nil
}
