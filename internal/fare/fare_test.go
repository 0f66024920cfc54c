package fare

import (
	"testing"
	"time"

	"github.com/example/dispatch-hub/internal/models"
)

func TestQuoteDeterministic(t *testing.T) {
	p := DefaultPricing()
	pickup := models.Coord{Lat: 52.2297, Lon: 21.0122}
	dropoff := models.Coord{Lat: 52.2500, Lon: 21.0500}

	a := p.Quote(pickup, dropoff, 600)
	b := p.Quote(pickup, dropoff, 600)
	if a != b {
		t.Fatalf("same input quoted %v and %v", a, b)
	}
	if a <= p.Base {
		t.Fatalf("quote %v not above flagfall %v", a, p.Base)
	}
}

func TestQuoteGrowsWithDistance(t *testing.T) {
	p := DefaultPricing()
	pickup := models.Coord{Lat: 52.0, Lon: 21.0}

	short := p.Quote(pickup, models.Coord{Lat: 52.01, Lon: 21.0}, 120)
	long := p.Quote(pickup, models.Coord{Lat: 52.2, Lon: 21.0}, 120)
	if long <= short {
		t.Fatalf("longer ride quoted %v <= shorter %v", long, short)
	}
}

func TestFinalizeUsesActualDuration(t *testing.T) {
	p := DefaultPricing()
	trip := &models.Trip{
		Pickup:        models.Place{Coord: models.Coord{Lat: 52.0, Lon: 21.0}},
		Dropoff:       models.Place{Coord: models.Coord{Lat: 52.05, Lon: 21.0}},
		EstimatedFare: 10.00,
	}
	start := time.Now().Add(-40 * time.Minute)

	before, quickAfter := p.Finalize(trip, start, start.Add(10*time.Minute))
	_, slowAfter := p.Finalize(trip, start, start.Add(40*time.Minute))

	if before != 10.00 {
		t.Fatalf("before = %v, want the estimate", before)
	}
	if slowAfter <= quickAfter {
		t.Fatalf("slow trip fare %v <= quick trip fare %v", slowAfter, quickAfter)
	}
}

func TestFinalizeNegativeDurationClamped(t *testing.T) {
	p := DefaultPricing()
	trip := &models.Trip{
		Pickup:  models.Place{Coord: models.Coord{Lat: 52.0, Lon: 21.0}},
		Dropoff: models.Place{Coord: models.Coord{Lat: 52.05, Lon: 21.0}},
	}
	now := time.Now()

	_, after := p.Finalize(trip, now.Add(time.Hour), now)
	_, zero := p.Finalize(trip, now, now)
	if after != zero {
		t.Fatalf("negative duration fare %v != zero duration fare %v", after, zero)
	}
}
