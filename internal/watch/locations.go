// Package watch keeps the user's list of watched locations.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/metrics"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/state"
)

// DuplicateTolerance is the per-axis distance in degrees under which two
// points count as the same watched location.
const DuplicateTolerance = 0.01

var (
	ErrNotFound     = errors.New("saved location not found")
	ErrAlreadySaved = errors.New("location already saved")
)

// NewLocation is the caller-supplied part of a SavedLocation. A nil
// NotificationsEnabled means alerts are on.
type NewLocation struct {
	Name                 string  `json:"name"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	NotificationsEnabled *bool   `json:"notificationsEnabled,omitempty"`
}

// Locations is the persisted watch list. Every mutation writes the full list
// back to the backend before returning.
type Locations struct {
	mu      sync.Mutex
	items   []models.SavedLocation
	backend state.Backend
	clock   clockwork.Clock
	logger  *zap.Logger
}

// Open loads the watch list. A missing or unreadable document yields an
// empty list; only backend failures are returned.
func Open(ctx context.Context, backend state.Backend, clock clockwork.Clock, logger *zap.Logger) (*Locations, error) {
	l := &Locations{backend: backend, clock: clock, logger: logger}

	var items []models.SavedLocation
	err := state.GetJSON(ctx, backend, state.KeySavedLocations, &items)
	switch {
	case err == nil:
		l.items = items
	case errors.Is(err, state.ErrNotFound):
	case errors.Is(err, state.ErrCorrupt):
		logger.Warn("saved locations corrupted, starting empty", zap.Error(err))
	default:
		return nil, fmt.Errorf("load saved locations: %w", err)
	}

	metrics.SavedLocations.Set(float64(len(l.items)))
	return l, nil
}

// Add appends a new entry. It never merges with an existing one.
func (l *Locations) Add(ctx context.Context, loc NewLocation) (models.SavedLocation, error) {
	return l.add(ctx, loc, false)
}

// AddIfAbsent appends a new entry unless IsSaved would report the
// coordinates, in which case it returns ErrAlreadySaved.
func (l *Locations) AddIfAbsent(ctx context.Context, loc NewLocation) (models.SavedLocation, error) {
	return l.add(ctx, loc, true)
}

func (l *Locations) add(ctx context.Context, loc NewLocation, unique bool) (models.SavedLocation, error) {
	if err := models.ValidateCoordinates(loc.Latitude, loc.Longitude); err != nil {
		return models.SavedLocation{}, err
	}
	name := strings.TrimSpace(loc.Name)
	if name == "" {
		name = fmt.Sprintf("%.4f, %.4f", loc.Latitude, loc.Longitude)
	}
	enabled := true
	if loc.NotificationsEnabled != nil {
		enabled = *loc.NotificationsEnabled
	}

	saved := models.SavedLocation{
		ID:                   l.newID(),
		Name:                 name,
		Latitude:             loc.Latitude,
		Longitude:            loc.Longitude,
		NotificationsEnabled: enabled,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if unique && l.savedLocked(loc.Latitude, loc.Longitude) {
		return models.SavedLocation{}, ErrAlreadySaved
	}

	prev := l.items
	next := make([]models.SavedLocation, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, saved)
	if err := l.commit(ctx, next); err != nil {
		return models.SavedLocation{}, err
	}

	l.logger.Info("location saved", zap.String("id", saved.ID), zap.String("name", saved.Name))
	return saved, nil
}

// Remove deletes exactly the entry with the given id.
func (l *Locations) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := make([]models.SavedLocation, 0, len(l.items)-1)
	next = append(next, l.items[:idx]...)
	next = append(next, l.items[idx+1:]...)
	return l.commit(ctx, next)
}

// ToggleNotifications flips the alert flag and returns the updated entry.
func (l *Locations) ToggleNotifications(ctx context.Context, id string) (models.SavedLocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(id)
	if idx < 0 {
		return models.SavedLocation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := make([]models.SavedLocation, len(l.items))
	copy(next, l.items)
	next[idx].NotificationsEnabled = !next[idx].NotificationsEnabled
	if err := l.commit(ctx, next); err != nil {
		return models.SavedLocation{}, err
	}
	return next[idx], nil
}

func (l *Locations) IsSaved(lat, lon float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.savedLocked(lat, lon)
}

func (l *Locations) savedLocked(lat, lon float64) bool {
	for _, item := range l.items {
		if models.Near(item.Latitude, item.Longitude, lat, lon, DuplicateTolerance) {
			return true
		}
	}
	return false
}

// List returns a copy of the watch list in insertion order.
func (l *Locations) List() []models.SavedLocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.SavedLocation, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Locations) Get(id string) (models.SavedLocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx := l.indexOf(id); idx >= 0 {
		return l.items[idx], true
	}
	return models.SavedLocation{}, false
}

// Reset clears the list and its persisted document.
func (l *Locations) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.backend.Delete(ctx, state.KeySavedLocations); err != nil {
		return fmt.Errorf("clear saved locations: %w", err)
	}
	l.items = nil
	metrics.SavedLocations.Set(0)
	return nil
}

// commit persists next and swaps it in. On a write failure the in-memory
// list is left unchanged. Caller holds mu.
func (l *Locations) commit(ctx context.Context, next []models.SavedLocation) error {
	if err := state.PutJSON(ctx, l.backend, state.KeySavedLocations, next); err != nil {
		return err
	}
	l.items = next
	metrics.SavedLocations.Set(float64(len(next)))
	return nil
}

func (l *Locations) indexOf(id string) int {
	for i, item := range l.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (l *Locations) newID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("loc-%d-%s", l.clock.Now().UnixMilli(), suffix)
}
