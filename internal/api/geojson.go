package api

import (
	"github.com/mr1hm/go-civictrack/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func toGeoJSON(issues []models.Issue) FeatureCollection {
	features := make([]Feature, 0, len(issues))

	for _, is := range issues {
		f := Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{is.Location.Longitude, is.Location.Latitude},
			},
			Properties: map[string]any{
				"id":          is.ID,
				"title":       is.Title,
				"description": is.Description,
				"category":    is.Category,
				"status":      is.Status,
				"origin":      is.Origin,
				"source":      is.Source,
				"reporter":    is.Reporter,
				"flags":       is.Flags,
				"photos":      len(is.Photos),
				"timestamp":   is.Timestamp,
			},
		}
		features = append(features, f)
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
