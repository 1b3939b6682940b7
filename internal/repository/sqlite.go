package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/models"
)

// Fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const issueColumns = `id, title, description, category, status, origin, source, latitude, longitude,
	photos, reporter, reporter_id, anonymous, flags, timestamp, created_at`

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while migrating database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS issues (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			origin TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			photos TEXT NOT NULL DEFAULT '[]',
			reporter TEXT NOT NULL DEFAULT '',
			reporter_id TEXT NOT NULL DEFAULT '',
			anonymous INTEGER NOT NULL DEFAULT 0,
			flags INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS issue_timeline (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_id TEXT NOT NULL,
			status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL,
			FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			banned INTEGER NOT NULL DEFAULT 0,
			joined_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
		CREATE INDEX IF NOT EXISTS idx_issues_origin_created ON issues(origin, created_at);
		CREATE INDEX IF NOT EXISTS idx_issue_timeline_issue_id ON issue_timeline(issue_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) Add(ctx context.Context, is *models.Issue) error {
	if !geo.Valid(is.Location) {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinates, is.Location)
	}

	photos := is.Photos
	if photos == nil {
		photos = []string{}
	}
	rawPhotos, err := json.Marshal(photos)
	if err != nil {
		return fmt.Errorf("error encoding photos: %w", err)
	}

	createdAt := is.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		is.ID, is.Title, is.Description, string(is.Category), string(is.Status), string(is.Origin), is.Source,
		is.Location.Latitude, is.Location.Longitude, string(rawPhotos), is.Reporter, is.ReporterID,
		is.Anonymous, is.Flags, formatTime(is.Timestamp), formatTime(createdAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: issue %s", ErrConflict, is.ID)
		}
		return fmt.Errorf("error inserting issue: %w", err)
	}

	for _, e := range is.Timeline {
		if err := insertTimeline(ctx, tx, is.ID, e); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteDB) GetByID(ctx context.Context, id string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	is, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting issue %s: %w", id, err)
	}

	issues := []models.Issue{is}
	if err := s.loadTimelines(ctx, issues); err != nil {
		return nil, err
	}
	return &issues[0], nil
}

func (s *SQLiteDB) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issues WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking issue %s: %w", id, err)
	}
	return exists, nil
}

func (s *SQLiteDB) ListIssues(ctx context.Context, opts Filter) ([]models.Issue, error) {
	var (
		conds []string
		args  []any
	)

	if opts.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*opts.Status))
	}
	if opts.Category != nil {
		conds = append(conds, "category = ?")
		args = append(args, string(*opts.Category))
	}
	if opts.Origin != nil {
		conds = append(conds, "origin = ?")
		args = append(args, string(*opts.Origin))
	}
	if opts.FlaggedOnly {
		conds = append(conds, "flags > 0")
	}

	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if opts.NewestFirst {
		query += " ORDER BY timestamp DESC, seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		// SQLite only accepts OFFSET after a LIMIT; -1 means no limit.
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing issues: %w", err)
	}

	var issues []models.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning issue: %w", err)
		}
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	// Release the only connection before the timeline query.
	rows.Close()

	if err := s.loadTimelines(ctx, issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// AllIssues returns every issue in insertion order.
func (s *SQLiteDB) AllIssues(ctx context.Context) ([]models.Issue, error) {
	return s.ListIssues(ctx, Filter{})
}

func (s *SQLiteDB) UpdateStatus(ctx context.Context, id string, entry models.TimelineEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE issues SET status = ? WHERE id = ?`, string(entry.Status), id)
	if err != nil {
		return fmt.Errorf("error updating issue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: issue %s", ErrNotFound, id)
	}

	if err := insertTimeline(ctx, tx, id, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) Flag(ctx context.Context, id string) (int, error) {
	var flags int
	err := s.db.QueryRowContext(ctx, `UPDATE issues SET flags = flags + 1 WHERE id = ? RETURNING flags`, id).Scan(&flags)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: issue %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("error flagging issue %s: %w", id, err)
	}
	return flags, nil
}

func (s *SQLiteDB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting issue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: issue %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteDB) DeleteExternalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM issues WHERE origin = ? AND created_at < ?`,
		string(models.OriginExternal), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("error deleting external issues: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts locally reported issues and registered users.
func (s *SQLiteDB) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN flags > 0 THEN 1 ELSE 0 END), 0)
		FROM issues WHERE origin = ?`,
		string(models.StatusReported), string(models.StatusInProgress), string(models.StatusResolved),
		string(models.OriginLocal),
	).Scan(&st.Total, &st.Reported, &st.InProgress, &st.Resolved, &st.Flagged)
	if err != nil {
		return models.Stats{}, fmt.Errorf("error counting issues: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return models.Stats{}, fmt.Errorf("error counting users: %w", err)
	}
	return st, nil
}

func (s *SQLiteDB) loadTimelines(ctx context.Context, issues []models.Issue) error {
	const chunk = 500

	index := make(map[string]int, len(issues))
	for i := range issues {
		index[issues[i].ID] = i
	}

	for start := 0; start < len(issues); start += chunk {
		end := min(start+chunk, len(issues))

		args := make([]any, 0, end-start)
		for _, is := range issues[start:end] {
			args = append(args, is.ID)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT issue_id, status, note, at FROM issue_timeline WHERE issue_id IN (`+placeholders+`) ORDER BY id`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("error loading timelines: %w", err)
		}

		for rows.Next() {
			var (
				issueID, status, note, at string
			)
			if err := rows.Scan(&issueID, &status, &note, &at); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning timeline: %w", err)
			}
			i, ok := index[issueID]
			if !ok {
				continue
			}
			issues[i].Timeline = append(issues[i].Timeline, models.TimelineEntry{
				Status: models.Status(status),
				Note:   note,
				At:     parseTime(at),
			})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating timelines: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (models.Issue, error) {
	var (
		is                                 models.Issue
		category, status, origin, rawPhoto string
		timestamp, createdAt               string
	)

	err := row.Scan(
		&is.ID, &is.Title, &is.Description, &category, &status, &origin, &is.Source,
		&is.Location.Latitude, &is.Location.Longitude, &rawPhoto, &is.Reporter, &is.ReporterID,
		&is.Anonymous, &is.Flags, &timestamp, &createdAt,
	)
	if err != nil {
		return models.Issue{}, err
	}

	is.Category = models.Category(category)
	is.Status = models.Status(status)
	is.Origin = models.Origin(origin)
	is.Timestamp = parseTime(timestamp)
	is.CreatedAt = parseTime(createdAt)

	if err := json.Unmarshal([]byte(rawPhoto), &is.Photos); err != nil {
		return models.Issue{}, fmt.Errorf("error decoding photos for %s: %w", is.ID, err)
	}
	return is, nil
}

func insertTimeline(ctx context.Context, tx *sql.Tx, issueID string, e models.TimelineEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO issue_timeline (issue_id, status, note, at) VALUES (?, ?, ?, ?)`,
		issueID, string(e.Status), e.Note, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("error inserting timeline for %s: %w", issueID, err)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
