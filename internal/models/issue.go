package models

import "time"

type Status string

const (
	StatusReported   Status = "reported"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusReported, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// Label is the human readable form used in timeline notes.
func (s Status) Label() string {
	switch s {
	case StatusReported:
		return "Reported"
	case StatusInProgress:
		return "In Progress"
	case StatusResolved:
		return "Resolved"
	}
	return string(s)
}

type Category string

const (
	CategoryRoads        Category = "roads"
	CategoryLighting     Category = "lighting"
	CategoryWater        Category = "water"
	CategoryCleanliness  Category = "cleanliness"
	CategorySafety       Category = "safety"
	CategoryObstructions Category = "obstructions"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryRoads, CategoryLighting, CategoryWater, CategoryCleanliness, CategorySafety, CategoryObstructions:
		return true
	}
	return false
}

func (c Category) Label() string {
	switch c {
	case CategoryRoads:
		return "Roads"
	case CategoryLighting:
		return "Lighting"
	case CategoryWater:
		return "Water Supply"
	case CategoryCleanliness:
		return "Cleanliness"
	case CategorySafety:
		return "Public Safety"
	case CategoryObstructions:
		return "Obstructions"
	}
	return string(c)
}

type Origin string

const (
	OriginLocal    Origin = "local"
	OriginExternal Origin = "external"
)

const (
	LocalIDPrefix    = "local_"
	ExternalIDPrefix = "ext_"
	MaxPhotos        = 3
	AnonymousName    = "Anonymous User"
)

type TimelineEntry struct {
	Status Status
	Note   string
	At     time.Time
}

type Issue struct {
	ID          string // "local_<uuid>" or "ext_<source>_<id>"
	Title       string
	Description string
	Category    Category
	Status      Status
	Origin      Origin
	Source      string // external feed name, e.g. "City 311"
	Location    Coordinate
	Photos      []string
	Reporter    string
	ReporterID  string
	Anonymous   bool
	Flags       int
	Timeline    []TimelineEntry
	Timestamp   time.Time // when the issue was reported
	CreatedAt   time.Time // when we stored it
}

func (i *Issue) IsExternal() bool {
	return i.Origin == OriginExternal
}

type Stats struct {
	Total      int
	Reported   int
	InProgress int
	Resolved   int
	Flagged    int
	Users      int
}
