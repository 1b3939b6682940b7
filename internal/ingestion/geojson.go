package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mr1hm/go-civictrack/internal/fetch"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type geoJSONResponse struct {
	Features []geoJSONFeature `json:"features"`
}

type geoJSONFeature struct {
	ID         string            `json:"id"`
	Properties geoJSONProperties `json:"properties"`
	Geometry   geoJSONGeometry   `json:"geometry"`
}

type geoJSONProperties struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	Source      string `json:"source"`
	Time        int64  `json:"time"` // unix millis
}

type geoJSONGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"` // [lon, lat]
}

// GeoJSON polls a FeatureCollection of point features, such as an open
// 311 dataset export.
type GeoJSON struct {
	name   string
	url    string
	client *fetch.Client
}

func NewGeoJSON(name, url string, client *fetch.Client) *GeoJSON {
	return &GeoJSON{name: name, url: url, client: client}
}

func (g *GeoJSON) Name() string { return g.name }

func (g *GeoJSON) Fetch(ctx context.Context) ([]*models.Issue, error) {
	var data geoJSONResponse
	if err := g.client.GetJSON(ctx, g.url, &data); err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", g.name, err)
	}

	issues := make([]*models.Issue, 0, len(data.Features))
	for _, f := range data.Features {
		is, err := g.toIssue(f)
		if err != nil {
			slog.Warn("skipping feature", "source", g.name, "id", f.ID, "error", err)
			continue
		}
		issues = append(issues, is)
	}
	return issues, nil
}

func (g *GeoJSON) toIssue(f geoJSONFeature) (*models.Issue, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if f.Geometry.Type != "" && f.Geometry.Type != "Point" {
		return nil, fmt.Errorf("unsupported geometry %q", f.Geometry.Type)
	}
	if len(f.Geometry.Coordinates) < 2 {
		return nil, fmt.Errorf("expected [lon, lat], got %d coordinates", len(f.Geometry.Coordinates))
	}

	category := models.Category(f.Properties.Category)
	if !category.Valid() {
		category = models.CategoryObstructions
	}
	status := models.Status(f.Properties.Status)
	if !status.Valid() {
		status = models.StatusReported
	}
	source := f.Properties.Source
	if source == "" {
		source = g.name
	}

	reported := time.Now().UTC()
	if f.Properties.Time > 0 {
		reported = time.UnixMilli(f.Properties.Time).UTC()
	}

	return &models.Issue{
		ID:          ExternalID(g.name, f.ID),
		Title:       f.Properties.Title,
		Description: f.Properties.Description,
		Category:    category,
		Status:      status,
		Origin:      models.OriginExternal,
		Source:      source,
		Location: models.Coordinate{
			Longitude: f.Geometry.Coordinates[0],
			Latitude:  f.Geometry.Coordinates[1],
		},
		Reporter:  "External Source",
		Timeline:  []models.TimelineEntry{{Status: status, Note: "Imported from " + source, At: reported}},
		Timestamp: reported,
	}, nil
}
