package shipping

import (
	"context"
	"fmt"
	"strings"

	shipdomain "github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/services/geo"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/pkg/logger"
)

// PointQuery describes a coordinate search of the service-point cache.
type PointQuery struct {
	Country   string
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	Limit     int
	// CourierID enables the cache-aside provider lookup when the cache
	// cannot satisfy the radius. Empty means cache-only.
	CourierID string
}

// PointCache serves pickup/drop-off point searches from the local cache and
// refreshes it from the carrier when a courier-scoped search misses.
type PointCache struct {
	points storage.ServicePointStore
	client CarrierClient
	log    *logger.Logger
}

// NewPointCache constructs the service-point cache.
func NewPointCache(points storage.ServicePointStore, client CarrierClient, log *logger.Logger) *PointCache {
	if log == nil {
		log = logger.NewDefault("service-points")
	}
	return &PointCache{points: points, client: client, log: log}
}

// SearchByCoordinates returns cached points within the radius ordered by
// distance. On a miss with a courier id, it pulls fresh points from the
// carrier, upserts them and re-queries.
func (c *PointCache) SearchByCoordinates(ctx context.Context, q PointQuery) ([]geo.RankedPoint, error) {
	if err := geo.ValidateCoordinates(q.Latitude, q.Longitude); err != nil {
		return nil, err
	}
	if q.RadiusKm <= 0 {
		return nil, fmt.Errorf("radius must be positive, got %v", q.RadiusKm)
	}

	ranked, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ranked) > 0 || q.CourierID == "" {
		return ranked, nil
	}

	fresh, err := c.client.GetPickupPoints(ctx, q.CourierID, q.Latitude, q.Longitude, q.RadiusKm)
	if err != nil {
		return nil, err
	}
	if len(fresh) > 0 {
		if err := c.points.UpsertServicePoints(ctx, fresh); err != nil {
			return nil, fmt.Errorf("upsert service points: %w", err)
		}
		c.log.WithField("courier_id", q.CourierID).
			WithField("count", len(fresh)).
			Info("service point cache refreshed")
	}

	return c.query(ctx, q)
}

// SearchByPostalCode is a plain equality filter without distance ranking.
func (c *PointCache) SearchByPostalCode(ctx context.Context, country, postalCode string) ([]shipdomain.ServicePoint, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	postalCode = strings.TrimSpace(postalCode)
	if country == "" || postalCode == "" {
		return nil, fmt.Errorf("country and postal code are required")
	}
	return c.points.ListServicePointsByPostalCode(ctx, country, postalCode)
}

func (c *PointCache) query(ctx context.Context, q PointQuery) ([]geo.RankedPoint, error) {
	cached, err := c.points.ListServicePointsByCountry(ctx, strings.ToUpper(q.Country))
	if err != nil {
		return nil, fmt.Errorf("list service points: %w", err)
	}
	return geo.RankWithin(q.Latitude, q.Longitude, cached, q.RadiusKm, q.Limit), nil
}
