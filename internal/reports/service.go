package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/repository"
)

var (
	ErrLocationRequired = errors.New("unable to determine your location")
	ErrInvalidIssue     = errors.New("invalid issue")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrReporterBanned   = errors.New("reporter is banned")
)

// Feed is the slice of the live feed the service reads and notifies.
type Feed interface {
	Reference() (models.Coordinate, bool)
	NotifyIngested() error
	NotifyChanged() error
}

// Users resolves reporter names.
type Users interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type Service struct {
	repo  repository.IssueRepository
	users Users
	feed  Feed
	now   func() time.Time
	newID func() string
}

func NewService(repo repository.IssueRepository, users Users, f Feed) *Service {
	return &Service{
		repo:  repo,
		users: users,
		feed:  f,
		now:   time.Now,
		newID: func() string { return models.LocalIDPrefix + uuid.NewString() },
	}
}

type Submission struct {
	Title       string
	Description string
	Category    models.Category
	Location    *models.Coordinate // nil uses the feed's reference point
	Photos      []string
	Anonymous   bool
	ReporterID  string
}

func (s *Service) Submit(ctx context.Context, sub Submission) (*models.Issue, error) {
	title := strings.TrimSpace(sub.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidIssue)
	}
	if !sub.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidIssue, sub.Category)
	}
	if len(sub.Photos) > models.MaxPhotos {
		return nil, fmt.Errorf("%w: maximum %d photos allowed", ErrInvalidIssue, models.MaxPhotos)
	}

	var loc models.Coordinate
	if sub.Location != nil {
		loc = *sub.Location
	} else {
		ref, ok := s.feed.Reference()
		if !ok {
			return nil, ErrLocationRequired
		}
		loc = ref
	}
	if !geo.Valid(loc) {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidCoordinates, loc)
	}

	reporter, reporterID := models.AnonymousName, ""
	anonymous := sub.Anonymous || sub.ReporterID == ""
	if !anonymous {
		u, err := s.users.GetUserByID(ctx, sub.ReporterID)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("%w: user %s", repository.ErrNotFound, sub.ReporterID)
		}
		if u.Banned {
			return nil, ErrReporterBanned
		}
		reporter, reporterID = u.Name, u.ID
	}

	now := s.now().UTC()
	is := &models.Issue{
		ID:          s.newID(),
		Title:       title,
		Description: strings.TrimSpace(sub.Description),
		Category:    sub.Category,
		Status:      models.StatusReported,
		Origin:      models.OriginLocal,
		Location:    loc,
		Photos:      sub.Photos,
		Reporter:    reporter,
		ReporterID:  reporterID,
		Anonymous:   anonymous,
		Timeline:    []models.TimelineEntry{{Status: models.StatusReported, Note: "Issue reported", At: now}},
		Timestamp:   now,
		CreatedAt:   now,
	}
	if err := s.repo.Add(ctx, is); err != nil {
		return nil, err
	}

	slog.Info("issue reported", "id", is.ID, "category", is.Category, "anonymous", is.Anonymous)
	s.notify(s.feed.NotifyIngested)
	return is, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Issue, error) {
	is, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if is == nil {
		return nil, fmt.Errorf("%w: issue %s", repository.ErrNotFound, id)
	}
	return is, nil
}

// Flag marks an issue for moderator review and returns its flag count.
func (s *Service) Flag(ctx context.Context, id string) (int, error) {
	flags, err := s.repo.Flag(ctx, id)
	if err != nil {
		return 0, err
	}
	slog.Info("issue flagged", "id", id, "flags", flags)
	s.notify(s.feed.NotifyChanged)
	return flags, nil
}

// UpdateStatus moves an issue to status and records it on the timeline.
// An empty note is replaced by a generated one.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.Status, note string) (*models.Issue, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if note = strings.TrimSpace(note); note == "" {
		note = "Status updated to " + status.Label()
	}

	entry := models.TimelineEntry{Status: status, Note: note, At: s.now().UTC()}
	if err := s.repo.UpdateStatus(ctx, id, entry); err != nil {
		return nil, err
	}

	slog.Info("issue status updated", "id", id, "status", status)
	s.notify(s.feed.NotifyChanged)
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("issue deleted", "id", id)
	s.notify(s.feed.NotifyChanged)
	return nil
}

type ListOptions struct {
	repository.Filter
	// DistanceKm keeps only issues within this radius of the feed's
	// reference point. Zero disables the distance filter.
	DistanceKm float64
}

// List returns issues matching opts. With a distance filter the radius is
// applied before Limit and Offset so every page is full.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]models.Issue, error) {
	if opts.DistanceKm <= 0 {
		return s.repo.ListIssues(ctx, opts.Filter)
	}

	ref, ok := s.feed.Reference()
	if !ok {
		return nil, ErrLocationRequired
	}

	f := opts.Filter
	f.Limit, f.Offset = 0, 0
	issues, err := s.repo.ListIssues(ctx, f)
	if err != nil {
		return nil, err
	}
	issues = feed.FilterWithinRadius(issues, &ref, opts.DistanceKm)

	if opts.Offset >= len(issues) {
		return []models.Issue{}, nil
	}
	issues = issues[max(opts.Offset, 0):]
	if opts.Limit > 0 && opts.Limit < len(issues) {
		issues = issues[:opts.Limit]
	}
	return issues, nil
}

func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	return s.repo.Stats(ctx)
}

func (s *Service) notify(fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, feed.ErrNotRunning) {
		slog.Debug("feed notification not delivered", "error", err)
	}
}
