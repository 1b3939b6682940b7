package location

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mr1hm/go-civictrack/internal/fetch"
	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type Place struct {
	Coordinate  models.Coordinate
	DisplayName string
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocoder turns free-text queries into coordinates using a
// Nominatim-compatible search endpoint.
type Geocoder struct {
	baseURL string
	client  *fetch.Client
}

func NewGeocoder(baseURL, userAgent string, timeout time.Duration) *Geocoder {
	return &Geocoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  fetch.NewClient("geocoder", userAgent, timeout),
	}
}

func (g *Geocoder) Search(ctx context.Context, query string) (Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Place{}, &Error{Kind: FailureNotFound, Err: errors.New("empty query")}
	}

	values := url.Values{}
	values.Set("format", "json")
	values.Set("limit", "1")
	values.Set("q", query)

	var results []nominatimResult
	if err := g.client.GetJSON(ctx, fmt.Sprintf("%s/search?%s", g.baseURL, values.Encode()), &results); err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return Place{}, &Error{Kind: FailureTimeout, Err: err}
		}
		return Place{}, &Error{Kind: FailureFailed, Err: err}
	}
	if len(results) == 0 {
		return Place{}, &Error{Kind: FailureNotFound, Err: fmt.Errorf("no results for %q", query)}
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Place{}, &Error{Kind: FailureFailed, Err: fmt.Errorf("error parsing lat: %w", err)}
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Place{}, &Error{Kind: FailureFailed, Err: fmt.Errorf("error parsing lon: %w", err)}
	}

	c := models.Coordinate{Latitude: lat, Longitude: lon}
	if !geo.Valid(c) {
		return Place{}, &Error{Kind: FailureFailed, Err: fmt.Errorf("geocoder returned invalid coordinate %v", c)}
	}

	return Place{Coordinate: c, DisplayName: results[0].DisplayName}, nil
}

// Query returns a Resolver bound to a single search string.
func (g *Geocoder) Query(query string) Resolver {
	return ResolverFunc(func(ctx context.Context) (models.Coordinate, error) {
		p, err := g.Search(ctx, query)
		if err != nil {
			return models.Coordinate{}, err
		}
		return p.Coordinate, nil
	})
}
