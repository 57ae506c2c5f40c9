// Package toast keeps the short-lived banners shown after user actions and
// alert deliveries.
package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

const (
	DefaultDuration = 4 * time.Second
	AlertDuration   = 10 * time.Second
	maxToasts       = 50
)

type Toast struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Feed is a bounded, time-expiring list of toasts.
type Feed struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	toasts []Toast
}

func NewFeed(clock clockwork.Clock) *Feed {
	return &Feed{clock: clock}
}

// Push adds a toast that expires after d. A zero d uses DefaultDuration.
func (f *Feed) Push(kind Kind, title, description string, d time.Duration) Toast {
	if d <= 0 {
		d = DefaultDuration
	}
	now := f.clock.Now()
	t := Toast{
		ID:          uuid.NewString(),
		Kind:        kind,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(d),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = append(f.prune(now), t)
	if len(f.toasts) > maxToasts {
		f.toasts = f.toasts[len(f.toasts)-maxToasts:]
	}
	return t
}

func (f *Feed) Success(title string) Toast {
	return f.Push(KindSuccess, title, "", 0)
}

func (f *Feed) Error(title string) Toast {
	return f.Push(KindError, title, "", 0)
}

// Active returns unexpired toasts, oldest first.
func (f *Feed) Active() []Toast {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = f.prune(f.clock.Now())
	out := make([]Toast, len(f.toasts))
	copy(out, f.toasts)
	return out
}

func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = nil
}

func (f *Feed) prune(now time.Time) []Toast {
	kept := f.toasts[:0]
	for _, t := range f.toasts {
		if now.Before(t.ExpiresAt) {
			kept = append(kept, t)
		}
	}
	return kept
}
