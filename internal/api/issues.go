package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/reports"
)

const defaultSource = "simulated"

// parseListOptions reads the issue filters shared by the public and admin
// listings. Unknown enum values are rejected rather than ignored.
func parseListOptions(c *gin.Context) (reports.ListOptions, error) {
	var opts reports.ListOptions

	if s := c.Query("status"); s != "" {
		st := models.Status(s)
		if !st.Valid() {
			return opts, errors.New("invalid status filter")
		}
		opts.Status = &st
	}
	if s := c.Query("category"); s != "" {
		cat := models.Category(s)
		if !cat.Valid() {
			return opts, errors.New("invalid category filter")
		}
		opts.Category = &cat
	}
	if s := c.Query("origin"); s != "" {
		o := models.Origin(s)
		if o != models.OriginLocal && o != models.OriginExternal {
			return opts, errors.New("invalid origin filter")
		}
		opts.Origin = &o
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return opts, errors.New("since must be YYYY-MM-DD")
		}
		opts.Since = &t
	}
	if s := c.Query("flagged"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return opts, errors.New("flagged must be a boolean")
		}
		opts.FlaggedOnly = b
	}
	if s := c.Query("newest"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return opts, errors.New("newest must be a boolean")
		}
		opts.NewestFirst = b
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			opts.Limit = lim
		}
	}
	if o := c.Query("offset"); o != "" {
		if off, err := strconv.Atoi(o); err == nil && off >= 0 {
			opts.Offset = off
		}
	}
	if d := c.Query("distance_km"); d != "" {
		km, err := strconv.ParseFloat(d, 64)
		if err != nil || km <= 0 {
			return opts, errors.New("distance_km must be a positive number")
		}
		opts.DistanceKm = km
	}
	return opts, nil
}

func (h *Handler) listIssues(c *gin.Context) {
	opts, err := parseListOptions(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	issues, err := h.Reports.List(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}

	fc := toGeoJSON(issues)
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, fc)
}

type createIssueRequest struct {
	Title       string   `json:"title" binding:"required,max=200"`
	Description string   `json:"description" binding:"max=2000"`
	Category    string   `json:"category" binding:"required,category"`
	Latitude    *float64 `json:"latitude" binding:"required_with=Longitude,omitempty,latitude"`
	Longitude   *float64 `json:"longitude" binding:"required_with=Latitude,omitempty,longitude"`
	Photos      []string `json:"photos" binding:"max=3"`
	Anonymous   bool     `json:"anonymous"`
}

func (h *Handler) createIssue(c *gin.Context) {
	var req createIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sub := reports.Submission{
		Title:       req.Title,
		Description: req.Description,
		Category:    models.Category(req.Category),
		Photos:      req.Photos,
		Anonymous:   req.Anonymous,
		ReporterID:  c.GetHeader(userIDHeader),
	}
	if req.Latitude != nil && req.Longitude != nil {
		sub.Location = &models.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	is, err := h.Reports.Submit(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newIssueResponse(*is))
}

func (h *Handler) getIssue(c *gin.Context) {
	is, err := h.Reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newIssueResponse(*is))
}

func (h *Handler) flagIssue(c *gin.Context) {
	flags, err := h.Reports.Flag(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "flags": flags})
}

func (h *Handler) fetchExternal(c *gin.Context) {
	source := c.DefaultQuery("source", defaultSource)
	added, err := h.Ingestion.FetchNow(c.Request.Context(), source)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "added": added})
}

func (h *Handler) adminIssues(c *gin.Context) {
	opts, err := parseListOptions(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	issues, err := h.Reports.List(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]issueResponse, 0, len(issues))
	for _, is := range issues {
		resp = append(resp, newIssueResponse(is))
	}
	c.JSON(http.StatusOK, gin.H{"issues": resp, "count": len(resp)})
}

type statusRequest struct {
	Status string `json:"status" binding:"required,status"`
	Note   string `json:"note" binding:"max=500"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	is, err := h.Reports.UpdateStatus(c.Request.Context(), c.Param("id"), models.Status(req.Status), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newIssueResponse(*is))
}

func (h *Handler) deleteIssue(c *gin.Context) {
	if err := h.Reports.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.Reports.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       st.Total,
		"reported":    st.Reported,
		"in_progress": st.InProgress,
		"resolved":    st.Resolved,
		"flagged":     st.Flagged,
		"users":       st.Users,
	})
}
