package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/repository"
)

const (
	MinPasswordLength  = 6
	MaxPasswordLength  = 72 // bcrypt input limit, in bytes
	tempPasswordLength = 10
	tempPasswordChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong    = fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, MaxPasswordLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrBanned             = errors.New("account is banned")
	ErrForbidden          = errors.New("admin privileges required")
)

// Service manages simulated local accounts. There are no sessions: callers
// identify themselves by user id.
type Service struct {
	repo  repository.UserRepository
	cost  int
	now   func() time.Time
	newID func() string
}

func NewService(repo repository.UserRepository) *Service {
	return &Service{
		repo:  repo,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
		newID: func() string { return "user_" + uuid.NewString() },
	}
}

type SignupRequest struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

func (s *Service) Signup(ctx context.Context, req SignupRequest) (*models.User, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(req.Email)
	if name == "" || email == "" {
		return nil, fmt.Errorf("%w: name and email are required", ErrInvalidInput)
	}
	if req.Password != req.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}
	if len(req.Password) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}
	if len(req.Password) > MaxPasswordLength {
		return nil, ErrPasswordTooLong
	}

	return s.create(ctx, name, email, req.Password, false)
}

func (s *Service) create(ctx context.Context, name, email, password string, admin bool) (*models.User, error) {
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}

	u := &models.User{
		ID:           s.newID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		IsAdmin:      admin,
		JoinedAt:     s.now().UTC(),
	}
	if err := s.repo.AddUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	slog.Info("user registered", "id", u.ID, "admin", admin)
	return u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if u.Banned {
		return nil, ErrBanned
	}
	return u, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next, confirm string) error {
	if current == "" || next == "" || confirm == "" {
		return fmt.Errorf("%w: all password fields are required", ErrInvalidInput)
	}
	if next != confirm {
		return ErrPasswordMismatch
	}
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(next) > MaxPasswordLength {
		return ErrPasswordTooLong
	}

	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)) != nil {
		return ErrInvalidCredentials
	}

	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, u.ID, hash)
}

// ResetPassword replaces the password of an active account with a random
// temporary one and returns it. Delivery is left to the caller.
func (s *Service) ResetPassword(ctx context.Context, email string) (string, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if u == nil || u.Banned {
		return "", fmt.Errorf("%w: email not found", repository.ErrNotFound)
	}

	temp, err := tempPassword()
	if err != nil {
		return "", err
	}
	hash, err := s.hash(temp)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdatePassword(ctx, u.ID, hash); err != nil {
		return "", err
	}

	slog.Info("password reset", "id", u.ID)
	return temp, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %s", repository.ErrNotFound, id)
	}
	return u, nil
}

func (s *Service) Search(ctx context.Context, query string) ([]models.User, error) {
	return s.repo.SearchUsers(ctx, query)
}

// Authorize returns the user behind id if it is an active admin.
func (s *Service) Authorize(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrForbidden
	}
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsAdmin || u.Banned {
		return nil, ErrForbidden
	}
	return u, nil
}

func (s *Service) Ban(ctx context.Context, actorID, id string) error {
	if actorID == id {
		return fmt.Errorf("%w: cannot ban yourself", ErrForbidden)
	}
	return s.set(ctx, id, "banned", func() error { return s.repo.SetBanned(ctx, id, true) })
}

func (s *Service) Unban(ctx context.Context, id string) error {
	return s.set(ctx, id, "unbanned", func() error { return s.repo.SetBanned(ctx, id, false) })
}

func (s *Service) Promote(ctx context.Context, id string) error {
	return s.set(ctx, id, "promoted", func() error { return s.repo.SetAdmin(ctx, id, true) })
}

func (s *Service) Demote(ctx context.Context, actorID, id string) error {
	if actorID == id {
		return fmt.Errorf("%w: cannot remove your own admin privileges", ErrForbidden)
	}
	return s.set(ctx, id, "demoted", func() error { return s.repo.SetAdmin(ctx, id, false) })
}

func (s *Service) set(ctx context.Context, id, action string, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	slog.Info("user "+action, "id", id)
	return nil
}

// EnsureAdmin creates the configured admin account, or grants admin to an
// existing account with that email.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password string) (*models.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return s.create(ctx, name, email, password, true)
	}
	if !u.IsAdmin {
		if err := s.repo.SetAdmin(ctx, u.ID, true); err != nil {
			return nil, err
		}
		u.IsAdmin = true
	}
	return u, nil
}

var sampleUsers = []struct {
	name, email string
	age         time.Duration
}{
	{"John Doe", "john@example.com", 7 * 24 * time.Hour},
	{"Jane Smith", "jane@example.com", 5 * 24 * time.Hour},
	{"Mike Johnson", "mike@example.com", 3 * 24 * time.Hour},
	{"Sarah Williams", "sarah@example.com", 2 * 24 * time.Hour},
}

// SeedSampleUsers registers the demo accounts, all with password
// "password123". Existing emails are left alone.
func (s *Service) SeedSampleUsers(ctx context.Context) (int, error) {
	hash, err := s.hash("password123")
	if err != nil {
		return 0, err
	}

	added := 0
	now := s.now().UTC()
	for _, su := range sampleUsers {
		err := s.repo.AddUser(ctx, &models.User{
			ID:           s.newID(),
			Name:         su.name,
			Email:        su.email,
			PasswordHash: hash,
			JoinedAt:     now.Add(-su.age),
		})
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("error hashing password: %w", err)
	}
	return string(b), nil
}

func tempPassword() (string, error) {
	out := make([]byte, tempPasswordLength)
	limit := big.NewInt(int64(len(tempPasswordChars)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("error generating password: %w", err)
		}
		out[i] = tempPasswordChars[n.Int64()]
	}
	return string(out), nil
}
