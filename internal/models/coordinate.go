package models

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}
