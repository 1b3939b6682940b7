package geo

import (
	"math"

	"github.com/mr1hm/go-civictrack/internal/models"
)

const EarthRadiusKm = 6371.0

// Distance returns the great-circle distance between a and b in kilometers
// using the haversine formula. Both points must satisfy Valid; NaN or
// out-of-range input produces an unspecified result.
func Distance(a, b models.Coordinate) float64 {
	dLat := deg2rad(b.Latitude - a.Latitude)
	dLon := deg2rad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(deg2rad(a.Latitude))*math.Cos(deg2rad(b.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// Valid reports whether c is finite and inside [-90,90] x [-180,180].
func Valid(c models.Coordinate) bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// Offset moves c by the given distances north and east. It is a flat-earth
// approximation meant for small offsets.
func Offset(c models.Coordinate, northKm, eastKm float64) models.Coordinate {
	dLat := northKm / EarthRadiusKm
	dLon := eastKm / (EarthRadiusKm * math.Cos(deg2rad(c.Latitude)))
	return models.Coordinate{
		Latitude:  c.Latitude + rad2deg(dLat),
		Longitude: c.Longitude + rad2deg(dLon),
	}
}

func deg2rad(deg float64) float64 {
	return deg * math.Pi / 180
}

func rad2deg(rad float64) float64 {
	return rad * 180 / math.Pi
}
