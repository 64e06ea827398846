package mapclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
	"github.com/MarcoPoloResearchLab/footprint/internal/markercache"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	mapMarkersPath          = "/checkins/map-markers"
	defaultRequestTimeout   = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	maxErrorBodyBytes       = 4 << 10
)

var (
	// ErrNetworkFailure covers transport failures, server faults, and an open breaker.
	// Retrying later may succeed.
	ErrNetworkFailure = errors.New("mapclient: network failure")
	// ErrInvalidRequest covers requests the server rejected as issued. Retrying the same
	// request fails the same way.
	ErrInvalidRequest = errors.New("mapclient: invalid request")

	errMissingBaseURL = errors.New("mapclient: base url is required")
)

// Config describes a marker API client.
type Config struct {
	BaseURL          string
	Token            string
	HTTPClient       *http.Client
	RequestTimeout   time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Logger           *zap.Logger
}

// Query is one viewport request.
type Query struct {
	Center        geo.Point
	RadiusKm      float64
	IncludePublic bool
}

// Client fetches map markers through a circuit breaker. Only network failures count
// against the breaker; rejected requests leave it closed.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]markercache.Marker]
	logger     *zap.Logger
}

// APIError carries the stable error body returned by the server.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("status %d: %s (%s)", e.Status, e.Code, e.Detail)
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(trimmed)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("mapclient: invalid base url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[[]markercache.Marker](gobreaker.Settings{
		Name:        "map-markers-api",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrNetworkFailure)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// MapMarkers fetches the markers visible in the viewport. Errors wrap ErrNetworkFailure
// or ErrInvalidRequest.
func (c *Client) MapMarkers(ctx context.Context, query Query) ([]markercache.Marker, error) {
	markers, err := c.breaker.Execute(func() ([]markercache.Marker, error) {
		return c.fetch(ctx, query)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("map markers request rejected by circuit breaker", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	if err != nil {
		return nil, err
	}
	return markers, nil
}

func (c *Client) fetch(ctx context.Context, query Query) ([]markercache.Marker, error) {
	endpoint := c.baseURL.JoinPath(mapMarkersPath)
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(query.Center.Latitude, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(query.Center.Longitude, 'f', -1, 64))
	values.Set("radius", strconv.FormatFloat(query.RadiusKm, 'f', -1, 64))
	values.Set("includePublic", strconv.FormatBool(query.IncludePublic))
	endpoint.RawQuery = values.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, classifyStatus(response)
	}

	var markers []markercache.Marker
	if err := json.NewDecoder(response.Body).Decode(&markers); err != nil {
		return nil, fmt.Errorf("%w: decode markers: %v", ErrNetworkFailure, err)
	}
	if markers == nil {
		markers = []markercache.Marker{}
	}
	return markers, nil
}

func classifyStatus(response *http.Response) error {
	apiErr := &APIError{Status: response.StatusCode, Code: http.StatusText(response.StatusCode)}
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Code = payload.Error
		apiErr.Detail = payload.Code
	}

	switch {
	case response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode == http.StatusRequestTimeout,
		response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", ErrNetworkFailure, apiErr)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidRequest, apiErr)
	}
}
