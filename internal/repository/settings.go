package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr1hm/go-civictrack/internal/models"
)

const settingsKey = "settings"

type settingsRecord struct {
	DefaultRadiusKm float64 `json:"default_radius_km"`
	AutoLocation    bool    `json:"auto_location"`
	NotifyNew       bool    `json:"notify_new_issues"`
	NotifyUpdates   bool    `json:"notify_issue_updates"`
}

// GetSettings returns the saved settings, or defaults if none were saved.
func (s *SQLiteDB) GetSettings(ctx context.Context, defaults models.Settings) (models.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return defaults, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("error getting settings: %w", err)
	}

	var rec settingsRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.Settings{}, fmt.Errorf("error decoding settings: %w", err)
	}

	return models.Settings{
		DefaultRadiusKm: rec.DefaultRadiusKm,
		AutoLocation:    rec.AutoLocation,
		Notifications: models.NotificationSettings{
			NewIssues:    rec.NotifyNew,
			IssueUpdates: rec.NotifyUpdates,
		},
	}, nil
}

func (s *SQLiteDB) SaveSettings(ctx context.Context, st models.Settings) error {
	raw, err := json.Marshal(settingsRecord{
		DefaultRadiusKm: st.DefaultRadiusKm,
		AutoLocation:    st.AutoLocation,
		NotifyNew:       st.Notifications.NewIssues,
		NotifyUpdates:   st.Notifications.IssueUpdates,
	})
	if err != nil {
		return fmt.Errorf("error encoding settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKey, string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("error saving settings: %w", err)
	}
	return nil
}
