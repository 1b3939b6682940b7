package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/go-civictrack/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)

type Filter struct {
	Limit       int
	Offset      int
	Since       *time.Time
	Status      *models.Status
	Category    *models.Category
	Origin      *models.Origin
	FlaggedOnly bool
	NewestFirst bool // default is insertion order
}

type IssueRepository interface {
	Add(ctx context.Context, is *models.Issue) error
	GetByID(ctx context.Context, id string) (*models.Issue, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListIssues(ctx context.Context, opts Filter) ([]models.Issue, error)
	AllIssues(ctx context.Context) ([]models.Issue, error)
	UpdateStatus(ctx context.Context, id string, entry models.TimelineEntry) error
	Flag(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteExternalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type UserRepository interface {
	AddUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	SetBanned(ctx context.Context, id string, banned bool) error
	SetAdmin(ctx context.Context, id string, admin bool) error
}

type SettingsRepository interface {
	GetSettings(ctx context.Context, defaults models.Settings) (models.Settings, error)
	SaveSettings(ctx context.Context, s models.Settings) error
}
