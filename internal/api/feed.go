package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/models"
)

const streamHeartbeat = 15 * time.Second

func (h *Handler) getFeed(c *gin.Context) {
	u, err := h.Feed.Current()
	if err != nil && !errors.Is(err, feed.ErrLocationUnavailable) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newFeedResponse(u))
}

// streamFeed sends the current feed followed by every update as
// server-sent "feed" events.
func (h *Handler) streamFeed(c *gin.Context) {
	id, updates := h.Stream.Subscribe()
	defer h.Stream.Unsubscribe(id)

	if u, err := h.Feed.Current(); err == nil || errors.Is(err, feed.ErrLocationUnavailable) {
		c.SSEvent("feed", newFeedResponse(u))
		c.Writer.Flush()
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("feed", newFeedResponse(u))
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) refreshFeed(c *gin.Context) {
	if err := h.Feed.Refresh(); err != nil {
		writeError(c, err)
		return
	}
	h.getFeed(c)
}

type radiusRequest struct {
	RadiusKm float64 `json:"radius_km" binding:"required,gt=0"`
}

func (h *Handler) validRadius(km float64) error {
	if len(h.RadiusOptions) > 0 && !slices.Contains(h.RadiusOptions, km) {
		return fmt.Errorf("%w: %v km is not one of %v", feed.ErrInvalidRadius, km, h.RadiusOptions)
	}
	return nil
}

func (h *Handler) setRadius(c *gin.Context) {
	var req radiusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.validRadius(req.RadiusKm); err != nil {
		writeError(c, err)
		return
	}
	if err := h.Feed.SetRadius(req.RadiusKm); err != nil {
		writeError(c, err)
		return
	}
	h.getFeed(c)
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required,latitude"`
	Longitude *float64 `json:"longitude" binding:"required,longitude"`
}

func (h *Handler) setLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	coord := models.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude}
	if err := h.Feed.SetLocation(coord); err != nil {
		writeError(c, err)
		return
	}
	h.getFeed(c)
}

type searchRequest struct {
	Query string `json:"query" binding:"required,max=200"`
}

// searchLocation geocodes in the background. The feed publishes the
// result, or a location failure, when it completes.
func (h *Handler) searchLocation(c *gin.Context) {
	if h.Geocoder == nil {
		writeError(c, ErrGeocoderDisabled)
		return
	}
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	// The resolution outlives this request.
	ctx := context.WithoutCancel(c.Request.Context())
	seq, err := h.Feed.ResolveLocation(ctx, h.Geocoder.Query(req.Query))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_seq": seq, "query": req.Query})
}

func (h *Handler) geocode(c *gin.Context) {
	if h.Geocoder == nil {
		writeError(c, ErrGeocoderDisabled)
		return
	}
	place, err := h.Geocoder.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		var le *location.Error
		if errors.As(err, &le) && le.Kind == location.FailureNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "failure": string(le.Kind)})
			return
		}
		if errors.As(err, &le) && le.Kind == location.FailureTimeout {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "failure": string(le.Kind)})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"display_name": place.DisplayName,
		"location":     coordinateDTO{Latitude: place.Coordinate.Latitude, Longitude: place.Coordinate.Longitude},
	})
}

type unavailableRequest struct {
	Reason string `json:"reason" binding:"required,failure"`
}

func (h *Handler) locationUnavailable(c *gin.Context) {
	var req unavailableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	kind, _ := location.ParseFailureKind(req.Reason)
	if err := h.Feed.ReportLocationFailure(kind); err != nil {
		writeError(c, err)
		return
	}
	h.getFeed(c)
}
