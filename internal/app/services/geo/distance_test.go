package geo

import (
	"math"
	"testing"

	"github.com/collectix/marketplace/internal/app/domain/shipping"
)

func TestDistance_KnownPairs(t *testing.T) {
	// Berlin -> Paris is roughly 878 km.
	d := Distance(52.5200, 13.4050, 48.8566, 2.3522)
	if math.Abs(d-878) > 5 {
		t.Fatalf("Berlin-Paris distance = %v, want ~878", d)
	}

	// Identical coordinates.
	if d := Distance(40.0, -3.7, 40.0, -3.7); d != 0 {
		t.Fatalf("zero distance expected, got %v", d)
	}

	// Antipodal points approach half the Earth's circumference.
	d = Distance(0, 0, 0, 180)
	if math.Abs(d-math.Pi*EarthRadiusKm) > 1 {
		t.Fatalf("antipodal distance = %v", d)
	}
}

func TestValidateCoordinates(t *testing.T) {
	if err := ValidateCoordinates(45, 90); err != nil {
		t.Fatalf("valid coordinates rejected: %v", err)
	}
	for _, pair := range [][2]float64{{91, 0}, {-91, 0}, {0, 181}, {0, -181}} {
		if err := ValidateCoordinates(pair[0], pair[1]); err == nil {
			t.Fatalf("coordinates %v accepted", pair)
		}
	}
}

func TestRankWithin(t *testing.T) {
	points := []shipping.ServicePoint{
		{ProviderID: "far", Latitude: 52.52, Longitude: 13.60},   // ~13 km east
		{ProviderID: "near", Latitude: 52.525, Longitude: 13.41}, // well under 1 km
		{ProviderID: "out", Latitude: 53.52, Longitude: 13.40},   // ~111 km north
	}

	ranked := RankWithin(52.52, 13.405, points, 50, 10)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 points within 50 km, got %d", len(ranked))
	}
	if ranked[0].Point.ProviderID != "near" || ranked[1].Point.ProviderID != "far" {
		t.Fatalf("wrong ordering: %s, %s", ranked[0].Point.ProviderID, ranked[1].Point.ProviderID)
	}
	for _, r := range ranked {
		if r.DistanceKm > 50 {
			t.Fatalf("point %s beyond radius: %v", r.Point.ProviderID, r.DistanceKm)
		}
	}

	if got := RankWithin(52.52, 13.405, points, 50, 1); len(got) != 1 {
		t.Fatalf("limit not applied: %d", len(got))
	}
}
