package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mr1hm/go-civictrack/internal/models"
)

const userColumns = `id, name, email, password_hash, is_admin, banned, joined_at`

func (s *SQLiteDB) AddUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.IsAdmin, u.Banned, formatTime(u.JoinedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: user %s", ErrConflict, u.Email)
		}
		return fmt.Errorf("error inserting user: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail matches email case-insensitively.
func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.TrimSpace(email))
}

func (s *SQLiteDB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}
	return &u, nil
}

// SearchUsers returns users whose name or email contains query, ignoring
// case. An empty query lists everyone.
func (s *SQLiteDB) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE lower(name) LIKE ? ESCAPE '\' OR lower(email) LIKE ? ESCAPE '\'
		 ORDER BY joined_at ASC`,
		pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("error searching users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteDB) UpdatePassword(ctx context.Context, id, hash string) error {
	return s.updateUser(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, id)
}

func (s *SQLiteDB) SetBanned(ctx context.Context, id string, banned bool) error {
	return s.updateUser(ctx, `UPDATE users SET banned = ? WHERE id = ?`, banned, id)
}

func (s *SQLiteDB) SetAdmin(ctx context.Context, id string, admin bool) error {
	return s.updateUser(ctx, `UPDATE users SET is_admin = ? WHERE id = ?`, admin, id)
}

func (s *SQLiteDB) updateUser(ctx context.Context, query string, value any, id string) error {
	res, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("error updating user %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func scanUser(row scanner) (models.User, error) {
	var (
		u        models.User
		joinedAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.Banned, &joinedAt); err != nil {
		return models.User{}, err
	}
	u.JoinedAt = parseTime(joinedAt)
	return u, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
