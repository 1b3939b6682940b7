package ingestion

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/mr1hm/go-civictrack/internal/models"
)

var ErrNoReference = errors.New("no reference location")

// simulatedSpread is the maximum offset in degrees from the reference point.
const simulatedSpread = 0.005

type simulatedTemplate struct {
	title       string
	description string
	category    models.Category
	status      models.Status
	source      string
	age         time.Duration
}

var simulatedTemplates = []simulatedTemplate{
	{
		title:       "Traffic signal malfunction at downtown intersection",
		description: "Traffic light not working properly causing traffic congestion",
		category:    models.CategoryRoads,
		status:      models.StatusReported,
		source:      "City 311",
	},
	{
		title:       "Broken sidewalk panel near city park",
		description: "Concrete panel broken creating tripping hazard for pedestrians",
		category:    models.CategorySafety,
		status:      models.StatusReported,
		source:      "Community Report",
		age:         time.Hour,
	},
	{
		title:       "Overflowing public trash bin",
		description: "Trash bin overflowing, needs immediate attention",
		category:    models.CategoryCleanliness,
		status:      models.StatusInProgress,
		source:      "Social Media",
		age:         2 * time.Hour,
	},
}

// Simulated generates a fixed set of external reports scattered around
// the current reference location.
type Simulated struct {
	reference func() (models.Coordinate, bool)
	now       func() time.Time
	jitter    func() float64
}

func NewSimulated(reference func() (models.Coordinate, bool)) *Simulated {
	return &Simulated{
		reference: reference,
		now:       time.Now,
		jitter:    func() float64 { return rand.Float64() - 0.5 },
	}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Fetch(ctx context.Context) ([]*models.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, ok := s.reference()
	if !ok {
		return nil, ErrNoReference
	}

	now := s.now().UTC()
	issues := make([]*models.Issue, 0, len(simulatedTemplates))
	for i, t := range simulatedTemplates {
		reported := now.Add(-t.age)
		issues = append(issues, &models.Issue{
			ID:          ExternalID(s.Name(), strconv.FormatInt(now.UnixNano()+int64(i), 10)),
			Title:       t.title,
			Description: t.description,
			Category:    t.category,
			Status:      t.status,
			Origin:      models.OriginExternal,
			Source:      t.source,
			Location: models.Coordinate{
				Latitude:  ref.Latitude + s.jitter()*2*simulatedSpread,
				Longitude: ref.Longitude + s.jitter()*2*simulatedSpread,
			},
			Reporter:  "External Source",
			Timeline:  []models.TimelineEntry{{Status: t.status, Note: "Imported from " + t.source, At: reported}},
			Timestamp: reported,
		})
	}
	return issues, nil
}
