package dispatch

import (
	"testing"

	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/models"
)

func TestGeoRankerRatingBreaksTie(t *testing.T) {
	idx := geo.NewIndex()
	loc := models.Coord{Lat: 52.2297, Lon: 21.0122}
	idx.Upsert(models.Driver{ID: "low", Loc: loc, Rating: 3.0})
	idx.Upsert(models.Driver{ID: "high", Loc: loc, Rating: 4.9})

	r := &GeoRanker{Geo: idx, DefaultSpeedMps: 10, TopN: 5}
	got := r.Rank(loc)

	if len(got) != 2 {
		t.Fatalf("ranked %d candidates, want 2", len(got))
	}
	if got[0].Driver.ID != "high" {
		t.Fatalf("first candidate = %s, want the higher-rated driver", got[0].Driver.ID)
	}
	if got[0].Cost >= got[1].Cost {
		t.Fatalf("costs not ascending: %v >= %v", got[0].Cost, got[1].Cost)
	}
}

func TestGeoRankerProximityDominates(t *testing.T) {
	idx := geo.NewIndex()
	pickup := models.Coord{Lat: 52.2297, Lon: 21.0122}
	// near driver with a worse rating vs a far driver with a perfect one;
	// 0.2 degrees of latitude is ~22km, dwarfing the rating term
	idx.Upsert(models.Driver{ID: "near", Loc: models.Coord{Lat: 52.231, Lon: 21.013}, Rating: 3.5})
	idx.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 52.43, Lon: 21.013}, Rating: 5.0})

	r := &GeoRanker{Geo: idx, DefaultSpeedMps: 10, TopN: 5}
	got := r.Rank(pickup)

	if got[0].Driver.ID != "near" {
		t.Fatalf("first candidate = %s, want near", got[0].Driver.ID)
	}
}

func TestGeoRankerTopN(t *testing.T) {
	idx := geo.NewIndex()
	pickup := models.Coord{Lat: 52.0, Lon: 21.0}
	for _, d := range []models.Driver{
		{ID: "a", Loc: models.Coord{Lat: 52.001, Lon: 21.0}, Rating: 4},
		{ID: "b", Loc: models.Coord{Lat: 52.002, Lon: 21.0}, Rating: 4},
		{ID: "c", Loc: models.Coord{Lat: 52.003, Lon: 21.0}, Rating: 4},
	} {
		idx.Upsert(d)
	}

	r := &GeoRanker{Geo: idx, DefaultSpeedMps: 10, TopN: 2}
	if got := r.Rank(pickup); len(got) != 2 {
		t.Fatalf("ranked %d candidates with TopN=2", len(got))
	}
}
