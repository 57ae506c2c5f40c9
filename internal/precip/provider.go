// Package precip supplies per-refresh precipitation readings for the
// monitored grid.
package precip

import (
	"context"
	"errors"

	"github.com/lox/floodwatch/internal/models"
)

var ErrFetchFailure = errors.New("precipitation fetch failed")

// Provider returns one reading per grid point, in grid order.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) ([]models.GeoDataPoint, error)
}
