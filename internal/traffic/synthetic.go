package traffic

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Synthetic estimates traffic from the departure hour and route distance.
// It is deterministic and never fails.
type Synthetic struct{}

var _ Provider = Synthetic{}

// NewSynthetic returns the last-resort estimator.
func NewSynthetic() Synthetic { return Synthetic{} }

func (Synthetic) Name() string    { return "synthetic" }
func (Synthetic) Priority() int   { return chain.FallbackPriority }
func (Synthetic) Available() bool { return true }

func (Synthetic) Attempt(_ context.Context, req Request) (Result, error) {
	normal := baseDuration(req.Origin, req.Destination)

	at := req.DepartureTime
	if at.IsZero() {
		at = time.Unix(0, 0).UTC()
	}
	factor := congestionFactor(at.Hour())

	// Small per-route jitter so routes are not all identical.
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Origin.Address + "|" + req.Destination.Address))
	jitter := float64(h.Sum32()%10) / 100

	estimated := time.Duration(float64(normal) * (1 + factor + jitter))
	return resultFrom(normal, estimated), nil
}

func congestionFactor(hour int) float64 {
	switch {
	case hour >= 7 && hour < 10, hour >= 16 && hour < 19:
		return 0.35
	case hour >= 10 && hour < 16:
		return 0.15
	default:
		return 0.05
	}
}

// baseDuration assumes 50 km/h over the great-circle distance, or 30 minutes
// when coordinates are missing.
func baseDuration(a, b api.Location) time.Duration {
	if !a.HasCoordinates() || !b.HasCoordinates() {
		return 30 * time.Minute
	}
	km := haversineKm(*a.Lat, *a.Lng, *b.Lat, *b.Lng)
	d := time.Duration(km / 50 * float64(time.Hour))
	if d < 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const r = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat, dLng := rad(lat2-lat1), rad(lng2-lng1)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * r * math.Asin(math.Sqrt(s))
}
