package models

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	IsAdmin      bool
	Banned       bool
	JoinedAt     time.Time
}

type NotificationSettings struct {
	NewIssues    bool
	IssueUpdates bool
}

type Settings struct {
	DefaultRadiusKm float64
	AutoLocation    bool
	Notifications   NotificationSettings
}
