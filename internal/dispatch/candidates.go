package dispatch

import (
	"sort"

	"github.com/example/dispatch-hub/internal/eta"
	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/models"
)

// Candidate is a driver eligible to receive an offer, with the pickup
// ETA used for ranking and later for the assignment event.
type Candidate struct {
	Driver     models.Driver
	ETASeconds float64
	Cost       float64
}

// Ranker builds the ordered candidate list for a session.
type Ranker interface {
	Rank(pickup models.Coord) []Candidate
}

// GeoRanker ranks nearby online drivers by cost = eta + w*(5 - rating).
type GeoRanker struct {
	Geo             geo.Store
	ETAClient       eta.Client // optional OSRM client
	ETACache        *eta.Cache // optional ETA cache
	DefaultSpeedMps float64
	TopN            int
}

func (r *GeoRanker) Rank(pickup models.Coord) []Candidate {
	topN := r.TopN
	if topN <= 0 {
		topN = 10
	}
	drivers := r.Geo.Nearby(pickup.Lat, pickup.Lon, topN)
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		etaSec := r.estimate(d.Loc, pickup)
		cost := etaSec + 30.0*(5.0-d.Rating) // cost = w1*eta + w2*(5 - rating)
		out = append(out, Candidate{Driver: d, ETASeconds: etaSec, Cost: cost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out
}

func (r *GeoRanker) estimate(from, to models.Coord) float64 {
	if r.ETACache != nil {
		if v, ok := r.ETACache.Get(from, to); ok {
			return v
		}
	}
	if r.ETAClient != nil {
		if v, err := r.ETAClient.EstimateSeconds(from, to); err == nil {
			if r.ETACache != nil {
				r.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, r.DefaultSpeedMps)
}
