package traffic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"github.com/petrijr/delaywatch/internal/chain"
)

const googleHTTPTimeout = 15 * time.Second

// GoogleMaps looks up traffic through the Distance Matrix API.
type GoogleMaps struct {
	client   *maps.Client
	priority int
}

var _ Provider = (*GoogleMaps)(nil)

// NewGoogleMaps creates the provider. An empty apiKey yields an unavailable provider.
func NewGoogleMaps(apiKey string, priority int) (*GoogleMaps, error) {
	g := &GoogleMaps{priority: priority}
	if apiKey == "" {
		return g, nil
	}
	c, err := maps.NewClient(
		maps.WithAPIKey(apiKey),
		maps.WithHTTPClient(&http.Client{Timeout: googleHTTPTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("google maps client: %w", err)
	}
	g.client = c
	return g, nil
}

func (g *GoogleMaps) Name() string    { return "google_maps" }
func (g *GoogleMaps) Priority() int   { return g.priority }
func (g *GoogleMaps) Available() bool { return g.client != nil }

func (g *GoogleMaps) Attempt(ctx context.Context, req Request) (Result, error) {
	origin, dest := formatLocation(req.Origin), formatLocation(req.Destination)
	if origin == "" || dest == "" {
		return Result{}, chain.Permanent(errors.New("google maps: origin and destination are required"))
	}

	departure := "now"
	if !req.DepartureTime.IsZero() {
		departure = strconv.FormatInt(req.DepartureTime.Unix(), 10)
	}

	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:       []string{origin},
		Destinations:  []string{dest},
		Mode:          maps.TravelModeDriving,
		DepartureTime: departure,
		TrafficModel:  maps.TrafficModelBestGuess,
	})
	if err != nil {
		return Result{}, classifyMapsError(err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Result{}, errors.New("google maps: empty distance matrix")
	}

	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Result{}, chain.Permanent(fmt.Errorf("google maps: element status %s", el.Status))
	}
	estimated := el.DurationInTraffic
	if estimated == 0 {
		estimated = el.Duration
	}
	return resultFrom(el.Duration, estimated), nil
}

// classifyMapsError marks credential and request errors as permanent.
func classifyMapsError(err error) error {
	msg := err.Error()
	for _, status := range []string{"REQUEST_DENIED", "INVALID_REQUEST", "MAX_ELEMENTS_EXCEEDED"} {
		if strings.Contains(msg, status) {
			return chain.Permanent(fmt.Errorf("google maps: %w", err))
		}
	}
	return fmt.Errorf("google maps: %w", err)
}
