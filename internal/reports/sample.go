package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/repository"
)

type sampleStep struct {
	status models.Status
	ago    time.Duration
	note   string
}

type sampleIssue struct {
	title       string
	description string
	category    models.Category
	lat, lng    float64
	photos      []string
	reporter    string // email, empty for anonymous
	flags       int
	timeline    []sampleStep
}

var sampleIssues = []sampleIssue{
	{
		title:       "Streetlight not working",
		description: "Street light not working for past week, causing safety concerns for pedestrians at night",
		category:    models.CategoryLighting,
		lat:         40.7120,
		lng:         -74.0055,
		photos:      []string{"https://picsum.photos/seed/light1/600/400.jpg", "https://picsum.photos/seed/light2/600/400.jpg"},
		reporter:    "jane@example.com",
		flags:       1,
		timeline: []sampleStep{
			{models.StatusReported, 48 * time.Hour, "Issue reported"},
			{models.StatusInProgress, 12 * time.Hour, "Maintenance team assigned"},
		},
	},
	{
		title:       "Pothole on main road",
		description: "Large pothole causing traffic issues and potential damage to vehicles",
		category:    models.CategoryRoads,
		lat:         40.7135,
		lng:         -74.0072,
		photos:      []string{"https://picsum.photos/seed/pothole1/600/400.jpg"},
		reporter:    "john@example.com",
		timeline: []sampleStep{
			{models.StatusReported, 24 * time.Hour, "Issue reported"},
		},
	},
	{
		title:       "Garbage not collected",
		description: "Public garbage bin overflowing and attracting pests, creating health hazard",
		category:    models.CategoryCleanliness,
		lat:         40.7115,
		lng:         -74.0065,
		photos:      []string{"https://picsum.photos/seed/trash1/600/400.jpg"},
		reporter:    "mike@example.com",
		flags:       2,
		timeline: []sampleStep{
			{models.StatusReported, time.Hour, "Issue reported"},
		},
	},
	{
		title:       "Fallen tree blocking sidewalk",
		description: "Large tree fell during storm and is blocking pedestrian path, forcing people onto the street",
		category:    models.CategoryObstructions,
		lat:         40.7125,
		lng:         -74.0045,
		photos: []string{
			"https://picsum.photos/seed/tree1/600/400.jpg",
			"https://picsum.photos/seed/tree2/600/400.jpg",
			"https://picsum.photos/seed/tree3/600/400.jpg",
		},
		reporter: "sarah@example.com",
		timeline: []sampleStep{
			{models.StatusReported, 2 * time.Hour, "Issue reported"},
			{models.StatusInProgress, time.Hour, "Cleanup crew dispatched"},
		},
	},
	{
		title:       "Water leak",
		description: "Significant water leak near the park, wasting water and creating slippery surfaces",
		category:    models.CategoryWater,
		lat:         40.7140,
		lng:         -74.0080,
		photos:      []string{"https://picsum.photos/seed/water1/600/400.jpg"},
		timeline: []sampleStep{
			{models.StatusReported, 72 * time.Hour, "Issue reported"},
			{models.StatusInProgress, 60 * time.Hour, "Repair team dispatched"},
			{models.StatusResolved, 24 * time.Hour, "Issue resolved"},
		},
	},
}

// SeedSampleData stores the demo issues around lower Manhattan. Reporters
// are looked up by email; unknown emails are stored anonymously. Issues
// that already exist are skipped.
func (s *Service) SeedSampleData(ctx context.Context, reporters repository.UserRepository) (int, error) {
	now := s.now().UTC()
	added := 0

	for i, sample := range sampleIssues {
		is := &models.Issue{
			ID:          models.LocalIDPrefix + "sample_" + strconv.Itoa(i+1),
			Title:       sample.title,
			Description: sample.description,
			Category:    sample.category,
			Origin:      models.OriginLocal,
			Location:    models.Coordinate{Latitude: sample.lat, Longitude: sample.lng},
			Photos:      sample.photos,
			Reporter:    models.AnonymousName,
			Anonymous:   true,
			Flags:       sample.flags,
			CreatedAt:   now,
		}
		for _, step := range sample.timeline {
			is.Timeline = append(is.Timeline, models.TimelineEntry{Status: step.status, Note: step.note, At: now.Add(-step.ago)})
		}
		is.Status = is.Timeline[len(is.Timeline)-1].Status
		is.Timestamp = is.Timeline[0].At

		if sample.reporter != "" && reporters != nil {
			u, err := reporters.GetUserByEmail(ctx, sample.reporter)
			if err != nil {
				return added, err
			}
			if u != nil {
				is.Reporter, is.ReporterID, is.Anonymous = u.Name, u.ID, false
			}
		}

		if err := s.repo.Add(ctx, is); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return added, fmt.Errorf("error seeding %s: %w", is.ID, err)
		}
		added++
	}

	if added > 0 {
		slog.Info("seeded sample issues", "count", added)
		s.notify(s.feed.NotifyIngested)
	}
	return added, nil
}
