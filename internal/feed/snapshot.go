package feed

import (
	"sort"
	"time"

	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type Entry struct {
	Issue      models.Issue
	DistanceKm float64
}

// Snapshot is one ranked feed computation, nearest first.
type Snapshot struct {
	Reference  models.Coordinate
	RadiusKm   float64
	Entries    []Entry
	ComputedAt time.Time
}

func (s Snapshot) IDs() IDSet {
	ids := make(IDSet, len(s.Entries))
	for _, e := range s.Entries {
		ids.Add(e.Issue.ID)
	}
	return ids
}

// FilterWithinRadius keeps the issues whose distance to ref is at most
// radiusKm, in input order. A nil ref means the reference point is unknown
// and nothing is returned.
func FilterWithinRadius(issues []models.Issue, ref *models.Coordinate, radiusKm float64) []models.Issue {
	if ref == nil {
		return nil
	}

	var out []models.Issue
	for _, is := range issues {
		if geo.Distance(*ref, is.Location) <= radiusKm {
			out = append(out, is)
		}
	}
	return out
}

// Rank filters issues to radiusKm around ref and orders them by ascending
// distance. Equal distances keep their input order.
func Rank(issues []models.Issue, ref models.Coordinate, radiusKm float64) Snapshot {
	entries := make([]Entry, 0, len(issues))
	for _, is := range issues {
		d := geo.Distance(ref, is.Location)
		if d <= radiusKm {
			entries = append(entries, Entry{Issue: is, DistanceKm: d})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DistanceKm < entries[j].DistanceKm
	})

	return Snapshot{
		Reference: ref,
		RadiusKm:  radiusKm,
		Entries:   entries,
	}
}
