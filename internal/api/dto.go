package api

import (
	"time"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type coordinateDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type timelineDTO struct {
	Status models.Status `json:"status"`
	Note   string        `json:"note"`
	At     time.Time     `json:"at"`
}

type issueResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    models.Category `json:"category"`
	Status      models.Status   `json:"status"`
	Origin      models.Origin   `json:"origin"`
	Source      string          `json:"source,omitempty"`
	Location    coordinateDTO   `json:"location"`
	Photos      []string        `json:"photos"`
	Reporter    string          `json:"reporter"`
	ReporterID  string          `json:"reporter_id,omitempty"`
	Anonymous   bool            `json:"anonymous"`
	Flags       int             `json:"flags"`
	Timeline    []timelineDTO   `json:"timeline"`
	Timestamp   time.Time       `json:"timestamp"`
}

func newIssueResponse(is models.Issue) issueResponse {
	resp := issueResponse{
		ID:          is.ID,
		Title:       is.Title,
		Description: is.Description,
		Category:    is.Category,
		Status:      is.Status,
		Origin:      is.Origin,
		Source:      is.Source,
		Location:    coordinateDTO{Latitude: is.Location.Latitude, Longitude: is.Location.Longitude},
		Photos:      is.Photos,
		Reporter:    is.Reporter,
		ReporterID:  is.ReporterID,
		Anonymous:   is.Anonymous,
		Flags:       is.Flags,
		Timeline:    make([]timelineDTO, 0, len(is.Timeline)),
		Timestamp:   is.Timestamp,
	}
	if resp.Photos == nil {
		resp.Photos = []string{}
	}
	for _, e := range is.Timeline {
		resp.Timeline = append(resp.Timeline, timelineDTO{Status: e.Status, Note: e.Note, At: e.At})
	}
	return resp
}

type feedEntryResponse struct {
	issueResponse
	DistanceKm float64 `json:"distance_km"`
	IsNew      bool    `json:"is_new"`
}

type feedResponse struct {
	State             string              `json:"state"`
	Trigger           string              `json:"trigger,omitempty"`
	LocationAvailable bool                `json:"location_available"`
	Failure           string              `json:"failure,omitempty"`
	RadiusKm          float64             `json:"radius_km"`
	Reference         *coordinateDTO      `json:"reference,omitempty"`
	ComputedAt        *time.Time          `json:"computed_at,omitempty"`
	Count             int                 `json:"count"`
	NewCount          int                 `json:"new_count"`
	Entries           []feedEntryResponse `json:"entries"`
}

func newFeedResponse(u feed.Update) feedResponse {
	resp := feedResponse{
		State:             u.State.String(),
		Trigger:           string(u.Trigger),
		LocationAvailable: u.Available,
		Failure:           string(u.Failure),
		RadiusKm:          u.RadiusKm,
		Entries:           make([]feedEntryResponse, 0, len(u.Snapshot.Entries)),
	}
	if !u.Available {
		return resp
	}

	ref := u.Snapshot.Reference
	at := u.Snapshot.ComputedAt
	resp.Reference = &coordinateDTO{Latitude: ref.Latitude, Longitude: ref.Longitude}
	resp.ComputedAt = &at
	for _, e := range u.Snapshot.Entries {
		resp.Entries = append(resp.Entries, feedEntryResponse{
			issueResponse: newIssueResponse(e.Issue),
			DistanceKm:    e.DistanceKm,
			IsNew:         u.NewIDs.Has(e.Issue.ID),
		})
	}
	resp.Count = len(resp.Entries)
	resp.NewCount = len(u.NewIDs)
	return resp
}

type userResponse struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	IsAdmin  bool      `json:"is_admin"`
	Banned   bool      `json:"banned"`
	JoinedAt time.Time `json:"joined_at"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Name:     u.Name,
		Email:    u.Email,
		IsAdmin:  u.IsAdmin,
		Banned:   u.Banned,
		JoinedAt: u.JoinedAt,
	}
}

type settingsDTO struct {
	DefaultRadiusKm float64 `json:"default_radius_km"`
	AutoLocation    bool    `json:"auto_location"`
	Notifications   struct {
		NewIssues    bool `json:"new_issues"`
		IssueUpdates bool `json:"issue_updates"`
	} `json:"notifications"`
}

func newSettingsDTO(s models.Settings) settingsDTO {
	var dto settingsDTO
	dto.DefaultRadiusKm = s.DefaultRadiusKm
	dto.AutoLocation = s.AutoLocation
	dto.Notifications.NewIssues = s.Notifications.NewIssues
	dto.Notifications.IssueUpdates = s.Notifications.IssueUpdates
	return dto
}

func (d settingsDTO) model() models.Settings {
	return models.Settings{
		DefaultRadiusKm: d.DefaultRadiusKm,
		AutoLocation:    d.AutoLocation,
		Notifications: models.NotificationSettings{
			NewIssues:    d.Notifications.NewIssues,
			IssueUpdates: d.Notifications.IssueUpdates,
		},
	}
}
