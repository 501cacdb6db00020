package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

const defaultMapboxURL = "https://api.mapbox.com"

// Mapbox looks up traffic through the Directions API driving-traffic profile.
// It needs coordinates for both ends.
type Mapbox struct {
	token    string
	baseURL  string
	priority int
	client   *http.Client
}

var _ Provider = (*Mapbox)(nil)

// NewMapbox creates the provider. An empty token yields an unavailable provider.
// baseURL defaults to the public API.
func NewMapbox(token, baseURL string, priority int) *Mapbox {
	if baseURL == "" {
		baseURL = defaultMapboxURL
	}
	return &Mapbox{
		token:    token,
		baseURL:  baseURL,
		priority: priority,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (m *Mapbox) Name() string    { return "mapbox" }
func (m *Mapbox) Priority() int   { return m.priority }
func (m *Mapbox) Available() bool { return m.token != "" }

type mapboxResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration        float64  `json:"duration"`
		DurationTypical *float64 `json:"duration_typical"`
	} `json:"routes"`
	Message string `json:"message"`
}

func (m *Mapbox) Attempt(ctx context.Context, req Request) (Result, error) {
	if !req.Origin.HasCoordinates() || !req.Destination.HasCoordinates() {
		return Result{}, chain.Permanent(errors.New("mapbox: coordinates required"))
	}

	u := fmt.Sprintf("%s/directions/v5/mapbox/driving-traffic/%s;%s?%s",
		m.baseURL, lngLat(req.Origin), lngLat(req.Destination),
		url.Values{"access_token": {m.token}, "overview": {"false"}}.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, chain.Permanent(err)
	}
	resp, err := m.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("mapbox: %w", err)
	}
	defer resp.Body.Close()

	var body mapboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("mapbox: decode: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, chain.Permanent(fmt.Errorf("mapbox: %d %s", resp.StatusCode, body.Message))
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Result{}, chain.Permanent(fmt.Errorf("mapbox: %d %s", resp.StatusCode, body.Message))
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("mapbox: %d %s", resp.StatusCode, body.Message)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Result{}, fmt.Errorf("mapbox: no route (%s)", body.Code)
	}

	route := body.Routes[0]
	estimated := time.Duration(route.Duration * float64(time.Second))
	normal := estimated
	if route.DurationTypical != nil {
		normal = time.Duration(*route.DurationTypical * float64(time.Second))
	}
	return resultFrom(normal, estimated), nil
}

func lngLat(l api.Location) string {
	return strconv.FormatFloat(*l.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(*l.Lat, 'f', 6, 64)
}
