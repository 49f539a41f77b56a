package calculator

import (
	"math"

	"kit-tracker/internal/models"
)

const earthRadiusKm = 6371.0

// Unit conversions shared by every component that crosses a km/mile boundary.
const (
	KmPerMile  = 1.60934
	MilesPerKm = 0.621371
)

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Haversine computes the great-circle distance between two points in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)

	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// DistanceKm is Haversine over two captured coordinates.
func DistanceKm(a, b models.Coordinate) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

func MilesToKm(miles float64) float64 {
	return miles * KmPerMile
}

func KmToMiles(km float64) float64 {
	return km * MilesPerKm
}
