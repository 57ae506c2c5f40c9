package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/state"
	"github.com/lox/floodwatch/internal/toast"
)

type staticLocations []models.SavedLocation

func (s staticLocations) List() []models.SavedLocation { return s }

type recordingSink struct {
	sent []Notification
	err  error
}

func (r *recordingSink) Send(_ context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSink) Send(ctx context.Context, _ Notification) error {
	close(b.entered)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fixture struct {
	notifier *Notifier
	sink     *recordingSink
	clock    *clockwork.FakeClock
	backend  *state.Memory
	toasts   *toast.Feed
}

func newFixture(t *testing.T, locs staticLocations) *fixture {
	t.Helper()
	f := &fixture{
		sink:    &recordingSink{},
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)),
		backend: state.NewMemory(),
	}
	f.toasts = toast.NewFeed(f.clock)
	f.notifier = f.open(t, locs)
	return f
}

func (f *fixture) open(t *testing.T, locs staticLocations) *Notifier {
	t.Helper()
	n, err := NewNotifier(context.Background(), Config{
		Locations: locs,
		Backend:   f.backend,
		Sink:      f.sink,
		Toasts:    f.toasts,
		Clock:     f.clock,
		Location:  time.UTC,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return n
}

var patna = models.SavedLocation{ID: "loc-1", Name: "Patna", Latitude: 25.00, Longitude: 85.00, NotificationsEnabled: true}

func TestCheckAndNotifyOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})

	perm, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)
	require.Equal(t, PermissionGranted, perm)

	points := []models.GeoDataPoint{{Latitude: 25.01, Longitude: 85.00, PrecipitationMM: 85, LocationName: "grid"}}

	assert.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))
	require.Len(t, f.sink.sent, 1)
	first := f.sink.sent[0]
	assert.Equal(t, risk.LevelExtreme, first.Level)
	assert.Equal(t, "Flood Risk Alert", first.Title)
	assert.Equal(t, "Extreme Risk detected in Patna! Precipitation: 85.0mm", first.Body)
	assert.Equal(t, "loc-1-2024-07-01", first.Tag)

	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))
	f.clock.Advance(6 * time.Hour)
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))

	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))
	require.Len(t, f.sink.sent, 2)
	assert.Equal(t, "loc-1-2024-07-02", f.sink.sent[1].Tag)

	var keys []string
	require.NoError(t, state.GetJSON(ctx, f.backend, state.KeyNotifiedLocations, &keys))
	assert.Equal(t, []string{"loc-1-2024-07-01", "loc-1-2024-07-02"}, keys)
}

func TestCheckAndNotifyPushesToast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)
	f.toasts.Clear()

	f.notifier.CheckAndNotify(ctx, []models.GeoDataPoint{{Latitude: 25.2, Longitude: 84.8, PrecipitationMM: 62.34}})

	active := f.toasts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, toast.KindWarning, active[0].Kind)
	assert.Equal(t, "High Risk in Patna", active[0].Title)
	assert.Equal(t, "Precipitation: 62.3mm - Significant rainfall, flash flooding possible", active[0].Description)
	assert.Equal(t, toast.AlertDuration, active[0].ExpiresAt.Sub(active[0].CreatedAt))
}

func TestCheckAndNotifyRequiresPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	points := []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 90}}

	assert.Equal(t, PermissionDefault, f.notifier.Permission())
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))

	require.NoError(t, f.notifier.Deny(ctx))
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))
	assert.Empty(t, f.sink.sent)

	// Denial is not queued: granting later only alerts on the next cycle.
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))
}

func TestCheckAndNotifyMatching(t *testing.T) {
	ctx := context.Background()
	muted := models.SavedLocation{ID: "loc-2", Name: "Muted", Latitude: 10, Longitude: 10}
	far := models.SavedLocation{ID: "loc-3", Name: "Far", Latitude: -40, Longitude: 170, NotificationsEnabled: true}
	f := newFixture(t, staticLocations{patna, muted, far})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)

	points := []models.GeoDataPoint{
		// First match wins even though a later point is closer and wetter.
		{Latitude: 25.4, Longitude: 85.4, PrecipitationMM: 30, LocationName: "first"},
		{Latitude: 25.0, Longitude: 85.0, PrecipitationMM: 95, LocationName: "second"},
		{Latitude: 10, Longitude: 10, PrecipitationMM: 95},
		// Exactly 0.5 away is outside the match window.
		{Latitude: -40.5, Longitude: 170, PrecipitationMM: 95},
	}

	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))
	assert.Empty(t, f.sink.sent)
}

func TestCheckAndNotifySinkFailureRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)

	points := []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 85}}

	f.sink.err = errors.New("broker unavailable")
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))
	assert.False(t, f.notifier.Notified("loc-1-2024-07-01"))

	f.sink.err = nil
	assert.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))
	assert.True(t, f.notifier.Notified("loc-1-2024-07-01"))
}

func TestCheckAndNotifyPartialDeliveryCountsAsSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)
	f.notifier.sink = MultiSink{f.sink, &recordingSink{err: errors.New("broker unavailable")}}

	points := []models.GeoDataPoint{{Latitude: 25.01, Longitude: 85.00, PrecipitationMM: 85}}
	assert.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))

	assert.Len(t, f.sink.sent, 1, "working sinks get one alert per location and day")
	assert.True(t, f.notifier.Notified("loc-1-2024-07-01"))
}

func TestCheckAndNotifyRetriesWhenEverySinkFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)
	f.notifier.sink = MultiSink{
		&recordingSink{err: errors.New("broker unavailable")},
		&recordingSink{err: errors.New("disk full")},
	}

	points := []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 85}}
	assert.Equal(t, 0, f.notifier.CheckAndNotify(ctx, points))
	assert.False(t, f.notifier.Notified("loc-1-2024-07-01"))
}

func TestCheckAndNotifyReleasesStateDuringDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)

	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	f.notifier.sink = sink

	done := make(chan int, 1)
	go func() {
		done <- f.notifier.CheckAndNotify(ctx, []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 85}})
	}()
	<-sink.entered

	got := make(chan Permission, 1)
	go func() { got <- f.notifier.Permission() }()
	select {
	case p := <-got:
		assert.Equal(t, PermissionGranted, p)
	case <-time.After(time.Second):
		t.Fatal("Permission blocked while a delivery was in flight")
	}

	close(sink.release)
	assert.Equal(t, 1, <-done)
	assert.True(t, f.notifier.Notified("loc-1-2024-07-01"))
}

func TestRequestPermissionWithoutSinkFailsClosed(t *testing.T) {
	ctx := context.Background()
	n, err := NewNotifier(ctx, Config{
		Locations: staticLocations{patna},
		Backend:   state.NewMemory(),
		Clock:     clockwork.NewFakeClock(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	perm, err := n.RequestPermission(ctx)
	require.NoError(t, err)
	assert.Equal(t, PermissionDenied, perm)
	assert.Equal(t, 0, n.CheckAndNotify(ctx, []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 85}}))
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)

	points := []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 85}}
	require.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))

	restarted := f.open(t, staticLocations{patna})
	assert.Equal(t, PermissionGranted, restarted.Permission())
	assert.Equal(t, 0, restarted.CheckAndNotify(ctx, points))
}

func TestCorruptStateIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	require.NoError(t, f.backend.Put(ctx, state.KeyNotifiedLocations, []byte("not-json")))
	require.NoError(t, f.backend.Put(ctx, state.KeyNotificationPermission, []byte("{")))

	n := f.open(t, staticLocations{patna})
	assert.Equal(t, PermissionDefault, n.Permission())
}

func TestPruneAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticLocations{patna})
	_, err := f.notifier.RequestPermission(ctx)
	require.NoError(t, err)

	points := []models.GeoDataPoint{{Latitude: 25, Longitude: 85, PrecipitationMM: 85}}
	for i := 0; i < 10; i++ {
		require.Equal(t, 1, f.notifier.CheckAndNotify(ctx, points))
		f.clock.Advance(24 * time.Hour)
	}

	removed, err := f.notifier.Prune(ctx, f.clock.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.False(t, f.notifier.Notified("loc-1-2024-07-01"))
	assert.True(t, f.notifier.Notified("loc-1-2024-07-04"))

	var keys []string
	require.NoError(t, state.GetJSON(ctx, f.backend, state.KeyNotifiedLocations, &keys))
	assert.Len(t, keys, 7)

	require.NoError(t, f.notifier.Reset(ctx))
	assert.Equal(t, PermissionDefault, f.notifier.Permission())
	assert.False(t, f.notifier.Notified("loc-1-2024-07-04"))
	_, err = f.backend.Get(ctx, state.KeyNotifiedLocations)
	assert.True(t, errors.Is(err, state.ErrNotFound))
}

func TestToMessage(t *testing.T) {
	n := Notification{
		Title: "Flood Risk Alert",
		Tag:   "loc-1-2024-07-01",
		Level: risk.LevelExtreme,
		Day:   "2024-07-01",
	}

	msg, err := toMessage(n)
	require.NoError(t, err)
	assert.Equal(t, "loc-1-2024-07-01", string(msg.Key))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "level", msg.Headers[0].Key)
	assert.Equal(t, "extreme", string(msg.Headers[0].Value))
	assert.Equal(t, "2024-07-01", string(msg.Headers[1].Value))

	var decoded Notification
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, n.Tag, decoded.Tag)
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	down := errors.New("down")
	bad := &recordingSink{err: down}

	err := MultiSink{ok, bad}.Send(context.Background(), Notification{Tag: "k"})
	var partial *DeliveryError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Delivered)
	assert.True(t, errors.Is(err, down))
	assert.Len(t, ok.sent, 1)

	err = MultiSink{bad, bad}.Send(context.Background(), Notification{Tag: "k"})
	assert.True(t, errors.Is(err, down))
	assert.False(t, errors.As(err, &partial), "nothing delivered")

	assert.NoError(t, MultiSink{ok, LogSink{Logger: zap.NewNop()}}.Send(context.Background(), Notification{Tag: "k"}))
}
