package api

import (
	"time"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/toast"
)

// IndexData is everything the overview page renders.
type IndexData struct {
	Now        time.Time
	Provider   string
	UpdatedAt  *time.Time
	Stale      bool
	LastError  string
	Legend     []risk.Assessment
	Counts     map[risk.Level]int
	Alerting   []PrecipitationPoint // high and extreme points, wettest first
	Watched    []WatchedRow
	Permission alert.Permission
	Toasts     []toast.Toast
}

// WatchedRow is a saved location joined with the grid reading the notifier
// would match it against. Reading is nil when no grid point is in range.
type WatchedRow struct {
	models.SavedLocation
	Reading *PrecipitationPoint
}
