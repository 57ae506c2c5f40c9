package precip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/httputil"
	"github.com/lox/floodwatch/internal/metrics"
	"github.com/lox/floodwatch/internal/models"
)

const (
	meteostatBaseURL = "https://meteostat.p.rapidapi.com"
	meteostatHost    = "meteostat.p.rapidapi.com"
	meteostatWorkers = 4
)

// Meteostat reads yesterday's daily precipitation for each grid point from
// the Meteostat RapidAPI.
type Meteostat struct {
	apiKey      string
	grid        []GridPoint
	client      *http.Client
	baseURL     string
	clock       clockwork.Clock
	logger      *zap.Logger
	retryWindow time.Duration
}

type MeteostatOption func(*Meteostat)

func WithMeteostatBaseURL(u string) MeteostatOption {
	return func(m *Meteostat) { m.baseURL = u }
}

func WithMeteostatClient(c *http.Client) MeteostatOption {
	return func(m *Meteostat) { m.client = c }
}

// WithMeteostatRetryWindow bounds how long a single point is retried.
func WithMeteostatRetryWindow(d time.Duration) MeteostatOption {
	return func(m *Meteostat) { m.retryWindow = d }
}

func NewMeteostat(apiKey string, grid []GridPoint, clock clockwork.Clock, logger *zap.Logger, opts ...MeteostatOption) *Meteostat {
	m := &Meteostat{
		apiKey:      apiKey,
		grid:        grid,
		client:      httputil.NewClient(),
		baseURL:     meteostatBaseURL,
		clock:       clock,
		logger:      logger,
		retryWindow: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Meteostat) Name() string { return "meteostat" }

type meteostatResponse struct {
	Data []struct {
		Date string   `json:"date"`
		Prcp *float64 `json:"prcp"`
	} `json:"data"`
}

// Fetch queries every grid point. Points that fail are logged and left out;
// the batch fails only when no point succeeds.
func (m *Meteostat) Fetch(ctx context.Context) ([]models.GeoDataPoint, error) {
	day := m.clock.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	results := make([]*models.GeoDataPoint, len(m.grid))
	sem := make(chan struct{}, meteostatWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var lastErr error

	for i, g := range m.grid {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, g GridPoint) {
			defer wg.Done()
			defer func() { <-sem }()

			p, err := m.fetchPoint(ctx, g, day)
			if err != nil {
				m.logger.Warn("meteostat point failed", zap.String("point", g.Name), zap.Error(err))
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			results[i] = &p
		}(i, g)
	}
	wg.Wait()

	points := make([]models.GeoDataPoint, 0, len(results))
	for _, p := range results {
		if p != nil {
			points = append(points, *p)
		}
	}
	if len(points) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailure, err)
		}
		return nil, fmt.Errorf("%w: all %d points failed: %v", ErrFetchFailure, len(m.grid), lastErr)
	}
	if failed := len(m.grid) - len(points); failed > 0 {
		m.logger.Warn("meteostat batch incomplete", zap.Int("failed", failed), zap.Int("succeeded", len(points)))
	}
	return points, nil
}

func (m *Meteostat) fetchPoint(ctx context.Context, g GridPoint, day string) (models.GeoDataPoint, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(g.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(g.Longitude, 'f', -1, 64))
	q.Set("start", day)
	q.Set("end", day)
	reqURL := m.baseURL + "/point/daily?" + q.Encode()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-RapidAPI-Key", m.apiKey)
		req.Header.Set("X-RapidAPI-Host", meteostatHost)

		start := time.Now()
		resp, err := m.client.Do(req)
		metrics.ProviderLatency.WithLabelValues("meteostat").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues("meteostat", "error").Inc()
			return backoff.Permanent(fmt.Errorf("fetch daily: %w", err))
		}
		defer resp.Body.Close()
		metrics.ProviderCallsTotal.WithLabelValues("meteostat", strconv.Itoa(resp.StatusCode)).Inc()

		if httputil.RetryableStatus(resp.StatusCode) {
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch daily: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.retryWindow
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return models.GeoDataPoint{}, err
	}

	var data meteostatResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return models.GeoDataPoint{}, fmt.Errorf("unmarshal: %w", err)
	}

	point := models.GeoDataPoint{
		Latitude:        g.Latitude,
		Longitude:       g.Longitude,
		ObservationDate: day,
		LocationName:    g.Name,
	}
	if len(data.Data) > 0 {
		if data.Data[0].Prcp != nil && *data.Data[0].Prcp > 0 {
			point.PrecipitationMM = *data.Data[0].Prcp
		}
		if d := data.Data[0].Date; len(d) >= len("2006-01-02") {
			point.ObservationDate = d[:len("2006-01-02")]
		}
	}
	return point, nil
}
