// Package traffic provides the route traffic lookup chain: Google Maps and
// Mapbox providers backed by a synthetic estimator that cannot fail.
package traffic

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/internal/delay"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Request asks for current traffic between two locations.
type Request struct {
	Origin        api.Location
	Destination   api.Location
	DepartureTime time.Time
}

// Result is a traffic lookup answer.
type Result struct {
	DelayMinutes      int
	Condition         api.TrafficCondition
	NormalDuration    time.Duration
	EstimatedDuration time.Duration
}

// Provider is a traffic lookup implementation.
type Provider = chain.Provider[Request, Result]

// Chain is the traffic lookup chain.
type Chain = chain.Chain[Request, Result]

// NewChain builds the traffic chain from providers and always appends the
// synthetic estimator as the last resort.
func NewChain(providers []Provider, opts ...chain.Option) *Chain {
	all := append(append([]Provider{}, providers...), NewSynthetic())
	return chain.New("traffic", all, opts...)
}

// resultFrom derives the delay and condition from normal and in-traffic durations.
func resultFrom(normal, estimated time.Duration) Result {
	delayMin := int(math.Round((estimated - normal).Minutes()))
	if delayMin < 0 {
		delayMin = 0
	}
	return Result{
		DelayMinutes:      delayMin,
		Condition:         delay.ConditionOf(delayMin),
		NormalDuration:    normal,
		EstimatedDuration: estimated,
	}
}

// formatLocation renders coordinates when present, otherwise the address.
func formatLocation(l api.Location) string {
	if l.HasCoordinates() {
		return fmt.Sprintf("%s,%s",
			strconv.FormatFloat(*l.Lat, 'f', 6, 64),
			strconv.FormatFloat(*l.Lng, 'f', 6, 64))
	}
	return l.Address
}
