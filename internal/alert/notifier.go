// Package alert delivers at most one flood alert per watched location per
// calendar day.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/metrics"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/state"
	"github.com/lox/floodwatch/internal/toast"
)

// MatchTolerance is the per-axis distance in degrees within which a grid
// point is considered to cover a watched location.
const MatchTolerance = 0.5

const (
	alertTitle = "Flood Risk Alert"
	dayLayout  = "2006-01-02"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// LocationSource lists watched locations in display order.
type LocationSource interface {
	List() []models.SavedLocation
}

// Notifier matches grid readings to watched locations and emits alerts.
// Fired keys and the permission decision are persisted in the state backend.
// mu guards state and is never held while a sink is delivering; cycle keeps
// alert cycles from overlapping.
type Notifier struct {
	cycle      sync.Mutex
	mu         sync.Mutex
	locations  LocationSource
	backend    state.Backend
	sink       Sink
	toasts     *toast.Feed
	clock      clockwork.Clock
	loc        *time.Location
	logger     *zap.Logger
	permission Permission
	notified   map[string]struct{}
}

type Config struct {
	Locations LocationSource
	Backend   state.Backend
	Sink      Sink // nil means notifications are unsupported
	Toasts    *toast.Feed
	Clock     clockwork.Clock
	Location  *time.Location
	Logger    *zap.Logger
}

// NewNotifier loads persisted permission and fired keys. Corrupt documents
// are logged and treated as absent.
func NewNotifier(ctx context.Context, cfg Config) (*Notifier, error) {
	n := &Notifier{
		locations:  cfg.Locations,
		backend:    cfg.Backend,
		sink:       cfg.Sink,
		toasts:     cfg.Toasts,
		clock:      cfg.Clock,
		loc:        cfg.Location,
		logger:     cfg.Logger,
		permission: PermissionDefault,
		notified:   make(map[string]struct{}),
	}
	if n.clock == nil {
		n.clock = clockwork.NewRealClock()
	}
	if n.loc == nil {
		n.loc = time.Local
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.toasts == nil {
		n.toasts = toast.NewFeed(n.clock)
	}

	var perm Permission
	if err := n.load(ctx, state.KeyNotificationPermission, &perm); err != nil {
		return nil, err
	}
	switch perm {
	case PermissionGranted, PermissionDenied:
		n.permission = perm
	}

	var keys []string
	if err := n.load(ctx, state.KeyNotifiedLocations, &keys); err != nil {
		return nil, err
	}
	for _, k := range keys {
		n.notified[k] = struct{}{}
	}
	return n, nil
}

func (n *Notifier) load(ctx context.Context, key string, v any) error {
	err := state.GetJSON(ctx, n.backend, key, v)
	switch {
	case err == nil, errors.Is(err, state.ErrNotFound):
		return nil
	case errors.Is(err, state.ErrCorrupt):
		n.logger.Warn("persisted notifier state corrupted, ignoring", zap.String("key", key), zap.Error(err))
		return nil
	default:
		return fmt.Errorf("load %s: %w", key, err)
	}
}

// DedupKey is the record key for one location on one local calendar day.
func DedupKey(locationID, day string) string {
	return locationID + "-" + day
}

func (n *Notifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// RequestPermission asks to enable notifications. Without a sink the request
// fails closed and the decision is recorded as denied.
func (n *Notifier) RequestPermission(ctx context.Context) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sink == nil {
		if err := n.setPermission(ctx, PermissionDenied); err != nil {
			return n.permission, err
		}
		n.toasts.Error("Push notifications are not supported in this browser")
		return PermissionDenied, nil
	}

	if err := n.setPermission(ctx, PermissionGranted); err != nil {
		return n.permission, err
	}
	n.toasts.Success("Notifications enabled! You will be alerted for extreme flood risks.")
	return PermissionGranted, nil
}

// Deny records that the user refused notifications.
func (n *Notifier) Deny(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.setPermission(ctx, PermissionDenied); err != nil {
		return err
	}
	n.toasts.Error("Notification permission denied")
	return nil
}

func (n *Notifier) setPermission(ctx context.Context, p Permission) error {
	if err := state.PutJSON(ctx, n.backend, state.KeyNotificationPermission, p); err != nil {
		return err
	}
	n.permission = p
	return nil
}

type pendingAlert struct {
	note       Notification
	assessment risk.Assessment
}

// CheckAndNotify runs one alert cycle over a fresh batch of grid readings and
// returns how many alerts were delivered. Failures are logged, never returned.
func (n *Notifier) CheckAndNotify(ctx context.Context, points []models.GeoDataPoint) int {
	n.cycle.Lock()
	defer n.cycle.Unlock()

	sink, pending := n.collect(points)
	sent := 0
	for _, p := range pending {
		err := sink.Send(ctx, p.note)
		if !delivered(err) {
			metrics.NotificationErrors.Inc()
			n.logger.Error("alert delivery failed", zap.String("key", p.note.Tag), zap.Error(err))
			continue
		}
		if err != nil {
			metrics.NotificationErrors.Inc()
			n.logger.Warn("alert partially delivered", zap.String("key", p.note.Tag), zap.Error(err))
		}

		n.toasts.Push(toast.KindWarning,
			fmt.Sprintf("%s in %s", p.assessment.Label, p.note.LocationName),
			fmt.Sprintf("Precipitation: %.1fmm - %s", p.note.PrecipitationMM, p.assessment.Description),
			toast.AlertDuration)

		n.record(ctx, p.note.Tag)
		metrics.NotificationsSent.WithLabelValues(string(p.assessment.Level)).Inc()
		sent++
	}
	return sent
}

// collect builds the alerts due for this batch under mu.
func (n *Notifier) collect(points []models.GeoDataPoint) (Sink, []pendingAlert) {
	locations := n.locations.List()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.permission != PermissionGranted || n.sink == nil {
		return nil, nil
	}

	now := n.clock.Now()
	day := now.In(n.loc).Format(dayLayout)

	var pending []pendingAlert
	for _, loc := range locations {
		if !loc.NotificationsEnabled {
			continue
		}
		point, ok := firstMatch(loc, points)
		if !ok {
			continue
		}
		assessment, err := risk.Classify(point.PrecipitationMM)
		if err != nil {
			n.logger.Warn("skipping unclassifiable reading",
				zap.String("point", point.LocationName), zap.Error(err))
			continue
		}
		if assessment.Level != risk.LevelHigh && assessment.Level != risk.LevelExtreme {
			continue
		}

		key := DedupKey(loc.ID, day)
		if _, done := n.notified[key]; done {
			continue
		}

		pending = append(pending, pendingAlert{
			note: Notification{
				Title:           alertTitle,
				Body:            fmt.Sprintf("%s detected in %s! Precipitation: %.1fmm", assessment.Label, loc.Name, point.PrecipitationMM),
				Tag:             key,
				LocationID:      loc.ID,
				LocationName:    loc.Name,
				Level:           assessment.Level,
				PrecipitationMM: point.PrecipitationMM,
				Day:             day,
				CreatedAt:       now,
			},
			assessment: assessment,
		})
	}
	return n.sink, pending
}

func (n *Notifier) record(ctx context.Context, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified[key] = struct{}{}
	if err := n.persistKeys(ctx); err != nil {
		n.logger.Error("persist notified keys", zap.Error(err))
	}
}

func firstMatch(loc models.SavedLocation, points []models.GeoDataPoint) (models.GeoDataPoint, bool) {
	for _, p := range points {
		if models.Near(loc.Latitude, loc.Longitude, p.Latitude, p.Longitude, MatchTolerance) {
			return p, true
		}
	}
	return models.GeoDataPoint{}, false
}

// Notified reports whether the key has already fired.
func (n *Notifier) Notified(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.notified[key]
	return ok
}

// Prune drops keys for days before the given time's local day and returns
// how many were removed. Keys with an unparsable day are dropped too.
func (n *Notifier) Prune(ctx context.Context, before time.Time) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := before.In(n.loc).Format(dayLayout)
	removed := 0
	for key := range n.notified {
		if len(key) < len(dayLayout) {
			delete(n.notified, key)
			removed++
			continue
		}
		day := key[len(key)-len(dayLayout):]
		if _, err := time.Parse(dayLayout, day); err != nil || day < cutoff {
			delete(n.notified, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, n.persistKeys(ctx)
}

// Reset forgets fired keys and the permission decision.
func (n *Notifier) Reset(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, key := range []string{state.KeyNotifiedLocations, state.KeyNotificationPermission} {
		if err := n.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	n.notified = make(map[string]struct{})
	n.permission = PermissionDefault
	return nil
}

// persistKeys writes the record set as a sorted JSON array. Caller holds mu.
func (n *Notifier) persistKeys(ctx context.Context) error {
	keys := make([]string, 0, len(n.notified))
	for k := range n.notified {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return state.PutJSON(ctx, n.backend, state.KeyNotifiedLocations, keys)
}
