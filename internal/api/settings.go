package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-civictrack/internal/feed"
)

func (h *Handler) getSettings(c *gin.Context) {
	s, err := h.Settings.GetSettings(c.Request.Context(), h.DefaultSettings)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsDTO(s))
}

// putSettings stores the settings and applies the default radius to the
// running feed.
func (h *Handler) putSettings(c *gin.Context) {
	var req settingsDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.validRadius(req.DefaultRadiusKm); err != nil {
		writeError(c, err)
		return
	}

	s := req.model()
	if err := h.Settings.SaveSettings(c.Request.Context(), s); err != nil {
		writeError(c, err)
		return
	}
	if err := h.Feed.SetRadius(s.DefaultRadiusKm); err != nil && !errors.Is(err, feed.ErrNotRunning) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSettingsDTO(s))
}
