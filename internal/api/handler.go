package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-civictrack/internal/accounts"
	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/fetch"
	"github.com/mr1hm/go-civictrack/internal/ingestion"
	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/reports"
	"github.com/mr1hm/go-civictrack/internal/repository"
	"github.com/mr1hm/go-civictrack/internal/stream"
)

const userIDHeader = "X-User-ID"

var ErrGeocoderDisabled = errors.New("location search is not configured")

// Feed is the live proximity feed as seen by the API.
type Feed interface {
	Current() (feed.Update, error)
	SetLocation(c models.Coordinate) error
	ResolveLocation(ctx context.Context, r location.Resolver) (uint64, error)
	ReportLocationFailure(kind location.FailureKind) error
	SetRadius(km float64) error
	Refresh() error
	Radius() float64
}

type Fetcher interface {
	FetchNow(ctx context.Context, source string) (int, error)
}

type Geocoder interface {
	Search(ctx context.Context, query string) (location.Place, error)
	Query(query string) location.Resolver
}

type Deps struct {
	Feed            Feed
	Stream          *stream.Broadcaster
	Reports         *reports.Service
	Accounts        *accounts.Service
	Settings        repository.SettingsRepository
	Ingestion       Fetcher
	Geocoder        Geocoder // nil disables location search
	Metrics         http.Handler
	RadiusOptions   []float64
	DefaultSettings models.Settings
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	registerValidators()

	r.GET("/health", h.health)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	api := r.Group("/api")

	api.GET("/feed", h.getFeed)
	api.GET("/feed/stream", h.streamFeed)
	api.POST("/feed/refresh", h.refreshFeed)
	api.PUT("/feed/radius", h.setRadius)

	api.PUT("/location", h.setLocation)
	api.POST("/location/search", h.searchLocation)
	api.POST("/location/unavailable", h.locationUnavailable)
	api.GET("/geocode", h.geocode)

	api.GET("/issues", h.listIssues)
	api.POST("/issues", h.createIssue)
	api.GET("/issues/:id", h.getIssue)
	api.POST("/issues/:id/flag", h.flagIssue)
	api.POST("/external/fetch", h.fetchExternal)

	api.POST("/users/signup", h.signup)
	api.POST("/users/login", h.login)
	api.POST("/users/reset-password", h.resetPassword)
	api.PUT("/users/password", h.changePassword)

	api.GET("/settings", h.getSettings)
	api.PUT("/settings", h.putSettings)

	admin := api.Group("/admin", h.requireAdmin)
	admin.GET("/stats", h.stats)
	admin.GET("/issues", h.adminIssues)
	admin.PATCH("/issues/:id/status", h.updateStatus)
	admin.DELETE("/issues/:id", h.deleteIssue)
	admin.GET("/users", h.listUsers)
	admin.POST("/users/:id/ban", h.banUser)
	admin.POST("/users/:id/unban", h.unbanUser)
	admin.POST("/users/:id/promote", h.promoteUser)
	admin.POST("/users/:id/demote", h.demoteUser)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, ingestion.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, accounts.ErrEmailTaken),
		errors.Is(err, reports.ErrLocationRequired),
		errors.Is(err, feed.ErrLocationUnavailable),
		errors.Is(err, ingestion.ErrNoReference):
		return http.StatusConflict
	case errors.Is(err, repository.ErrInvalidCoordinates),
		errors.Is(err, reports.ErrInvalidIssue),
		errors.Is(err, reports.ErrInvalidStatus),
		errors.Is(err, accounts.ErrInvalidInput),
		errors.Is(err, accounts.ErrPasswordMismatch),
		errors.Is(err, accounts.ErrPasswordTooShort),
		errors.Is(err, accounts.ErrPasswordTooLong),
		errors.Is(err, feed.ErrInvalidLocation),
		errors.Is(err, feed.ErrInvalidRadius):
		return http.StatusBadRequest
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, accounts.ErrBanned),
		errors.Is(err, accounts.ErrForbidden),
		errors.Is(err, reports.ErrReporterBanned):
		return http.StatusForbidden
	case errors.Is(err, feed.ErrStopped),
		errors.Is(err, feed.ErrNotRunning),
		errors.Is(err, ingestion.ErrNotStarted),
		errors.Is(err, fetch.ErrCircuitOpen),
		errors.Is(err, ErrGeocoderDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	var le *location.Error
	if errors.As(err, &le) {
		body["failure"] = string(le.Kind)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
