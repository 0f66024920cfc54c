// Package fare is the fare collaborator: a deterministic quote for
// offers, and recalculation plus payment capture on trip completion.
package fare

import (
	"time"

	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/models"
)

// Pricing holds the tariff used for quotes and finalization.
type Pricing struct {
	Base   float64 // flagfall
	PerKm  float64
	PerMin float64
}

func DefaultPricing() Pricing {
	return Pricing{Base: 1.5, PerKm: 0.9, PerMin: 0.25}
}

// Quote estimates the fare for a pickup/dropoff pair before any driver
// is assigned.
func (p Pricing) Quote(pickup, dropoff models.Coord, etaSeconds float64) float64 {
	distKm := geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon) / 1000.0
	return round2(p.Base + p.PerKm*distKm + p.PerMin*etaSeconds/60.0)
}

// Finalize recalculates a completed trip's fare from actual duration.
// Returns the before/after pair pushed to the customer.
func (p Pricing) Finalize(t *models.Trip, startedAt, endedAt time.Time) (before, after float64) {
	before = t.EstimatedFare
	distKm := geo.Haversine(t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Dropoff.Coord.Lat, t.Dropoff.Coord.Lon) / 1000.0
	minutes := endedAt.Sub(startedAt).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	after = round2(p.Base + p.PerKm*distKm + p.PerMin*minutes)
	return before, after
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
