// Package weather fetches current conditions from OpenWeather.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/lox/floodwatch/internal/httputil"
	"github.com/lox/floodwatch/internal/metrics"
	"github.com/lox/floodwatch/internal/models"
)

const defaultBaseURL = "https://api.openweathermap.org/data/2.5"

// ErrFetchFailure wraps every transport, status and decode failure. Callers
// report it as unknown risk.
var ErrFetchFailure = errors.New("weather fetch failed")

// Fetcher returns current conditions for a coordinate.
type Fetcher interface {
	Current(ctx context.Context, lat, lon float64) (models.WeatherSample, error)
}

type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	clock       clockwork.Clock
	retryWindow time.Duration
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithRetryWindow bounds the total time spent retrying rate-limited or
// failing requests.
func WithRetryWindow(d time.Duration) Option {
	return func(c *Client) { c.retryWindow = d }
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		httpClient:  httputil.NewClient(),
		clock:       clockwork.NewRealClock(),
		retryWindow: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type currentResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Main *struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
		Pressure float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain map[string]float64 `json:"rain"`
	Name string             `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
}

func (c *Client) Current(ctx context.Context, lat, lon float64) (models.WeatherSample, error) {
	if err := models.ValidateCoordinates(lat, lon); err != nil {
		return models.WeatherSample{}, err
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("units", "metric")
	q.Set("appid", c.apiKey)
	reqURL := c.baseURL + "/weather?" + q.Encode()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := c.clock.Now()
		resp, err := c.httpClient.Do(req)
		metrics.ProviderLatency.WithLabelValues("openweather").Observe(c.clock.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues("openweather", "error").Inc()
			return backoff.Permanent(fmt.Errorf("fetch current: %w", err))
		}
		defer resp.Body.Close()
		metrics.ProviderCallsTotal.WithLabelValues("openweather", strconv.Itoa(resp.StatusCode)).Inc()

		if httputil.RetryableStatus(resp.StatusCode) {
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("fetch current: status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.retryWindow
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return models.WeatherSample{}, fmt.Errorf("%w: %v", ErrFetchFailure, err)
	}

	sample, err := parseCurrent(body)
	if err != nil {
		return models.WeatherSample{}, fmt.Errorf("%w: %v", ErrFetchFailure, err)
	}
	if sample.Latitude == 0 && sample.Longitude == 0 {
		sample.Latitude, sample.Longitude = lat, lon
	}
	sample.FetchedAt = c.clock.Now()
	return sample, nil
}

func parseCurrent(body []byte) (models.WeatherSample, error) {
	var data currentResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return models.WeatherSample{}, fmt.Errorf("unmarshal: %w", err)
	}
	if data.Main == nil {
		return models.WeatherSample{}, errors.New("response has no main block")
	}

	sample := models.WeatherSample{
		Latitude:    data.Coord.Lat,
		Longitude:   data.Coord.Lon,
		Temperature: data.Main.Temp,
		Humidity:    data.Main.Humidity,
		PressureHPa: data.Main.Pressure,
		WindSpeed:   data.Wind.Speed,
		CityName:    data.Name,
		CountryCode: data.Sys.Country,
	}
	if len(data.Weather) > 0 {
		sample.Description = data.Weather[0].Description
		sample.Icon = data.Weather[0].Icon
	}
	if v, ok := data.Rain["1h"]; ok && v > 0 {
		sample.RainfallMM = v
	} else if v, ok := data.Rain["3h"]; ok && v > 0 {
		sample.RainfallMM = v
	}
	return sample, nil
}
