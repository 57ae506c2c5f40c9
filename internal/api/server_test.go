package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/api"
	"github.com/lox/floodwatch/internal/ingest"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/store"
	"github.com/lox/floodwatch/internal/toast"
	"github.com/lox/floodwatch/internal/watch"
	"github.com/lox/floodwatch/internal/weather"

	_ "modernc.org/sqlite"
)

var batch = []models.GeoDataPoint{
	{LocationName: "Dhaka, Bangladesh", Latitude: 23.8103, Longitude: 90.4125, PrecipitationMM: 85, ObservationDate: "2024-06-30"},
	{LocationName: "London, UK", Latitude: 51.5074, Longitude: -0.1278, PrecipitationMM: 3.2, ObservationDate: "2024-06-30"},
}

type stubProvider struct {
	mu      sync.Mutex
	points  []models.GeoDataPoint
	err     error
	entered chan struct{}
	release chan struct{}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Fetch(ctx context.Context) ([]models.GeoDataPoint, error) {
	p.mu.Lock()
	points, err, entered, release := p.points, p.err, p.entered, p.release
	p.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return points, err
}

type stubWeather struct {
	sample models.WeatherSample
	err    error
}

func (w stubWeather) Current(_ context.Context, lat, lon float64) (models.WeatherSample, error) {
	if w.err != nil {
		return models.WeatherSample{}, w.err
	}
	s := w.sample
	s.Latitude, s.Longitude = lat, lon
	return s, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (s *recordingSink) Send(_ context.Context, n alert.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

type testEnv struct {
	srv      *api.Server
	handler  http.Handler
	clock    *clockwork.FakeClock
	provider *stubProvider
	sink     *recordingSink
	sched    *ingest.Scheduler
}

func setupTestServer(t *testing.T, fetcher weather.Fetcher) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(db, time.UTC, zap.NewNop())
	st.SetClock(clock)
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}

	locations, err := watch.Open(ctx, st.State(), clock, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	toasts := toast.NewFeed(clock)
	sink := &recordingSink{}
	notifier, err := alert.NewNotifier(ctx, alert.Config{
		Locations: locations,
		Backend:   st.State(),
		Sink:      alert.MultiSink{sink, store.AlertLog{Store: st}},
		Toasts:    toasts,
		Clock:     clock,
		Location:  time.UTC,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	provider := &stubProvider{points: batch}
	sched := ingest.NewScheduler(ingest.Config{
		Store:    st,
		Provider: provider,
		Notifier: notifier,
		Clock:    clock,
		Logger:   zap.NewNop(),
		Timeout:  time.Second,
	})

	srv := api.NewServer(api.Deps{
		Store:     st,
		Scheduler: sched,
		Locations: locations,
		Notifier:  notifier,
		Toasts:    toasts,
		Weather:   fetcher,
		Predictor: risk.Predictor{History: st},
		Clock:     clock,
		Logger:    zap.NewNop(),
	}, ":0")

	return &testEnv{srv: srv, handler: srv.Handler(), clock: clock, provider: provider, sink: sink, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	health := decode[api.HealthStatus](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, -1, health.SnapshotAgeSeconds)
	assert.Equal(t, "stub", health.Provider)
	assert.Positive(t, health.SchemaVersion)

	_, err := env.sched.Refresh(context.Background(), ingest.ReasonManual)
	require.NoError(t, err)
	env.clock.Advance(90 * time.Second)

	health = decode[api.HealthStatus](t, env.do(t, "GET", "/health", ""))
	assert.Equal(t, 90, health.SnapshotAgeSeconds)
	assert.False(t, health.Stale)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	w := env.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "floodwatch_") {
		t.Error("expected floodwatch metrics in output")
	}
}

func TestRiskEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	tests := []struct {
		query  string
		status int
		level  risk.Level
	}{
		{"precipitation=0", http.StatusOK, risk.LevelLow},
		{"precipitation=19.99", http.StatusOK, risk.LevelLow},
		{"precipitation=20", http.StatusOK, risk.LevelModerate},
		{"precipitation=50", http.StatusOK, risk.LevelHigh},
		{"precipitation=80", http.StatusOK, risk.LevelExtreme},
		{"precipitation=-1", http.StatusBadRequest, ""},
		{"precipitation=NaN", http.StatusBadRequest, ""},
		{"precipitation=heavy", http.StatusBadRequest, ""},
		{"", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, "GET", "/api/risk?"+tt.query, "")
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status != http.StatusOK {
				assert.Contains(t, decode[map[string]string](t, w), "error")
				return
			}
			assert.Equal(t, tt.level, decode[risk.Assessment](t, w).Level)
		})
	}
}

func TestRiskLevelsEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	legend := decode[[]risk.Assessment](t, env.do(t, "GET", "/api/risk/levels", ""))
	require.Len(t, legend, 4)
	assert.Equal(t, "< 20mm precipitation", legend[0].Description)
	assert.Equal(t, risk.LevelExtreme, legend[3].Level)
}

func TestWeatherEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, stubWeather{sample: models.WeatherSample{RainfallMM: 5, Humidity: 60, PressureHPa: 1000}})

	w := env.do(t, "GET", "/api/weather?lat=25.59&lon=85.13", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.WeatherResponse](t, w)
	assert.Equal(t, 25.59, resp.Sample.Latitude)
	assert.Equal(t, store.DefaultHistoricalRisk, resp.Prediction.Factors.HistoricalRisk)
	assert.Equal(t, 51, resp.Prediction.Probability)
	assert.Equal(t, risk.LevelHigh, resp.Prediction.Level)
	assert.Empty(t, resp.QualityFlags)
}

func TestWeatherEndpointErrors(t *testing.T) {
	t.Parallel()

	t.Run("invalid coordinates", func(t *testing.T) {
		env := setupTestServer(t, stubWeather{})
		for _, q := range []string{"lat=91&lon=0", "lat=0&lon=181", "lat=abc&lon=0", "lon=10"} {
			w := env.do(t, "GET", "/api/weather?"+q, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})

	t.Run("fetch failure is unknown risk", func(t *testing.T) {
		env := setupTestServer(t, stubWeather{err: errors.Join(weather.ErrFetchFailure, errors.New("timeout"))})
		w := env.do(t, "GET", "/api/weather?lat=10&lon=10", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "unknown", decode[map[string]string](t, w)["risk"])
	})

	t.Run("not configured", func(t *testing.T) {
		env := setupTestServer(t, nil)
		w := env.do(t, "GET", "/api/weather?lat=10&lon=10", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unknown", decode[map[string]string](t, w)["risk"])
	})
}

func TestPrecipitationEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	empty := decode[api.PrecipitationResponse](t, env.do(t, "GET", "/api/precipitation", ""))
	assert.Empty(t, empty.Points)
	assert.Nil(t, empty.UpdatedAt)

	_, err := env.sched.Refresh(context.Background(), ingest.ReasonManual)
	require.NoError(t, err)

	w := env.do(t, "GET", "/api/precipitation?zoom=4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[api.PrecipitationResponse](t, w)
	require.Len(t, resp.Points, 2)
	assert.Equal(t, 4, resp.Zoom)
	assert.NotNil(t, resp.UpdatedAt)
	assert.False(t, resp.Stale)

	dhaka := resp.Points[0]
	assert.Equal(t, "Dhaka, Bangladesh", dhaka.LocationName)
	assert.Equal(t, risk.LevelExtreme, dhaka.Assessment.Level)
	assert.Equal(t, risk.CircleRadius(85, 4), dhaka.Radius)
	assert.Equal(t, risk.CircleOpacity(85), dhaka.Opacity)
	assert.Equal(t, risk.LevelLow, resp.Points[1].Assessment.Level)

	for _, z := range []string{"-1", "21", "far"} {
		assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/precipitation?zoom="+z, "").Code, z)
	}
}

func TestPrecipitationMarksStaleAfterFailedRefresh(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/refresh", "").Code)

	env.provider.mu.Lock()
	env.provider.err = errors.New("upstream unavailable")
	env.provider.mu.Unlock()

	w := env.do(t, "POST", "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	resp := decode[api.PrecipitationResponse](t, env.do(t, "GET", "/api/precipitation", ""))
	assert.True(t, resp.Stale)
	assert.Len(t, resp.Points, 2, "last good batch is still served")

	health := decode[api.RefreshHealthResponse](t, env.do(t, "GET", "/api/refresh/health", ""))
	require.Len(t, health.RecentErrors, 1)
	assert.Contains(t, health.RecentErrors[0].Error, "upstream unavailable")
	assert.Equal(t, ingest.ReasonManual, health.RecentErrors[0].Reason)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/refresh/health?days=0", "").Code)
}

func TestRefreshConflict(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)
	env.provider.entered = make(chan struct{}, 1)
	env.provider.release = make(chan struct{})

	done := make(chan int, 1)
	go func() {
		done <- env.do(t, "POST", "/api/refresh", "").Code
	}()
	<-env.provider.entered

	w := env.do(t, "POST", "/api/refresh", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(env.provider.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestLocationsLifecycle(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/locations", `{"name":"Dhaka","latitude":23.8103,"longitude":90.4125}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	loc := decode[models.SavedLocation](t, w)
	assert.True(t, strings.HasPrefix(loc.ID, "loc-"))
	assert.False(t, loc.NotificationsEnabled, "alerts stay off until permission is granted")

	toasts := decode[[]toast.Toast](t, env.do(t, "GET", "/api/toasts", ""))
	require.Len(t, toasts, 1)
	assert.Equal(t, "Dhaka added to your watched locations", toasts[0].Title)
	assert.Equal(t, toast.KindSuccess, toasts[0].Kind)

	w = env.do(t, "POST", "/api/locations", `{"name":"Dhaka again","latitude":23.8153,"longitude":90.4125}`)
	assert.Equal(t, http.StatusConflict, w.Code, "within tolerance is a duplicate")

	w = env.do(t, "POST", "/api/locations", `{"name":"Nearby","latitude":23.8303,"longitude":90.4125}`)
	assert.Equal(t, http.StatusCreated, w.Code, "outside tolerance is distinct")

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/locations", `{"latitude":99,"longitude":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/locations", `{"latitude":`).Code)

	saved := decode[map[string]bool](t, env.do(t, "GET", "/api/locations/saved?lat=23.81&lon=90.41", ""))
	assert.True(t, saved["saved"])
	saved = decode[map[string]bool](t, env.do(t, "GET", "/api/locations/saved?lat=0&lon=0", ""))
	assert.False(t, saved["saved"])

	toggled := decode[models.SavedLocation](t, env.do(t, "POST", "/api/locations/"+loc.ID+"/notifications", ""))
	assert.True(t, toggled.NotificationsEnabled)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/locations/loc-missing/notifications", "").Code)

	w = env.do(t, "DELETE", "/api/locations/"+loc.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/api/locations/"+loc.ID, "").Code)

	list := decode[[]models.SavedLocation](t, env.do(t, "GET", "/api/locations", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "Nearby", list[0].Name)
}

func TestAddLocationNotificationDefault(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/notifications/permission", `{"decision":"request"}`).Code)

	w := env.do(t, "POST", "/api/locations", `{"name":"Dhaka","latitude":23.8,"longitude":90.4}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decode[models.SavedLocation](t, w).NotificationsEnabled)

	w = env.do(t, "POST", "/api/locations", `{"name":"Chittagong","latitude":22.3,"longitude":91.8,"notificationsEnabled":false}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, decode[models.SavedLocation](t, w).NotificationsEnabled)
}

func TestAddLocationConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	codes := make(chan int, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- env.do(t, "POST", "/api/locations", `{"name":"Dhaka","latitude":23.8103,"longitude":90.4125}`).Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	assert.Equal(t, map[int]int{http.StatusCreated: 1, http.StatusConflict: 15}, counts)
	assert.Len(t, decode[[]models.SavedLocation](t, env.do(t, "GET", "/api/locations", "")), 1)
}

func TestPermissionEndpoint(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	perm := decode[map[string]alert.Permission](t, env.do(t, "GET", "/api/notifications/permission", ""))
	assert.Equal(t, alert.PermissionDefault, perm["permission"])

	perm = decode[map[string]alert.Permission](t, env.do(t, "POST", "/api/notifications/permission", `{"decision":"request"}`))
	assert.Equal(t, alert.PermissionGranted, perm["permission"])

	perm = decode[map[string]alert.Permission](t, env.do(t, "POST", "/api/notifications/permission", `{"decision":"deny"}`))
	assert.Equal(t, alert.PermissionDenied, perm["permission"])

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/notifications/permission", `{"decision":"maybe"}`).Code)
}

func TestRefreshAlertsWatchedLocationOncePerDay(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/notifications/permission", `{"decision":"request"}`).Code)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/locations", `{"name":"Dhaka","latitude":23.7,"longitude":90.3}`).Code)

	res := decode[ingest.Result](t, env.do(t, "POST", "/api/refresh", ""))
	assert.Equal(t, 1, res.Notifications)

	res = decode[ingest.Result](t, env.do(t, "POST", "/api/refresh", ""))
	assert.Equal(t, 0, res.Notifications, "same day is deduplicated")

	env.sink.mu.Lock()
	require.Len(t, env.sink.sent, 1)
	assert.Equal(t, "Extreme Risk detected in Dhaka! Precipitation: 85.0mm", env.sink.sent[0].Body)
	env.sink.mu.Unlock()

	history := decode[[]alert.Notification](t, env.do(t, "GET", "/api/alerts", ""))
	require.Len(t, history, 1)
	assert.Equal(t, risk.LevelExtreme, history[0].Level)
	assert.Equal(t, "2024-07-01", history[0].Day)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/alerts?limit=0", "").Code)

	var warning *toast.Toast
	for _, tt := range decode[[]toast.Toast](t, env.do(t, "GET", "/api/toasts", "")) {
		if tt.Kind == toast.KindWarning {
			warning = &tt
		}
	}
	require.NotNil(t, warning)
	assert.Equal(t, "Extreme Risk in Dhaka", warning.Title)
}

func TestEndSession(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	env.do(t, "POST", "/api/notifications/permission", `{"decision":"request"}`)
	env.do(t, "POST", "/api/locations", `{"name":"Dhaka","latitude":23.8,"longitude":90.4}`)

	w := env.do(t, "DELETE", "/api/session", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Empty(t, decode[[]models.SavedLocation](t, env.do(t, "GET", "/api/locations", "")))
	assert.Empty(t, decode[[]toast.Toast](t, env.do(t, "GET", "/api/toasts", "")))
	perm := decode[map[string]alert.Permission](t, env.do(t, "GET", "/api/notifications/permission", ""))
	assert.Equal(t, alert.PermissionDefault, perm["permission"])
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t, nil)

	w := env.do(t, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "No monitored points are at high or extreme risk") {
		t.Error("expected empty state before first refresh")
	}

	env.do(t, "POST", "/api/locations", `{"name":"Old Dhaka","latitude":23.71,"longitude":90.41}`)
	_, err := env.sched.Refresh(context.Background(), ingest.ReasonManual)
	require.NoError(t, err)

	body := env.do(t, "GET", "/", "").Body.String()
	assert.Contains(t, body, "Dhaka, Bangladesh")
	assert.Contains(t, body, "EXTREME")
	assert.Contains(t, body, "Extreme Risk, 85.0mm at Dhaka, Bangladesh")
	assert.NotContains(t, body, "London, UK", "low risk points are not listed")

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/nowhere", "").Code)
}
