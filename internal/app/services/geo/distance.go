// Package geo computes great-circle distances and ranks cached service
// points by proximity. Pure computation, no I/O.
package geo

import (
	"fmt"
	"math"
	"sort"

	"github.com/collectix/marketplace/internal/app/domain/shipping"
)

// EarthRadiusKm is the mean Earth radius used by the Haversine formula.
const EarthRadiusKm = 6371.0

// ValidateCoordinates rejects latitudes outside [-90,90] and longitudes
// outside [-180,180].
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", lat)
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", lng)
	}
	return nil
}

// Distance returns the great-circle distance in kilometers between two
// coordinates using the Haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// RankedPoint pairs a service point with its computed distance from the
// search origin.
type RankedPoint struct {
	Point      shipping.ServicePoint `json:"point"`
	DistanceKm float64               `json:"distance_km"`
}

// RankWithin filters points to those within radiusKm of the origin, orders
// them ascending by distance and truncates to limit. A non-positive limit
// means no truncation.
func RankWithin(lat, lng float64, points []shipping.ServicePoint, radiusKm float64, limit int) []RankedPoint {
	ranked := make([]RankedPoint, 0, len(points))
	for _, p := range points {
		d := Distance(lat, lng, p.Latitude, p.Longitude)
		if d > radiusKm {
			continue
		}
		ranked = append(ranked, RankedPoint{Point: p, DistanceKm: d})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].DistanceKm < ranked[j].DistanceKm })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
