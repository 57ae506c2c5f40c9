package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/state"
)

// Climatology parameters for HistoricalRisk.
const (
	ClimatologyWindow     = 30 * 24 * time.Hour
	ClimatologyRadius     = 0.5
	DefaultHistoricalRisk = 40.0
)

type Store struct {
	db     *sql.DB
	loc    *time.Location
	clock  clockwork.Clock
	logger *zap.Logger
}

func New(db *sql.DB, loc *time.Location, logger *zap.Logger) *Store {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, loc: loc, clock: clockwork.NewRealClock(), logger: logger}
}

// SetClock replaces the clock used for timestamps and climatology windows.
func (s *Store) SetClock(c clockwork.Clock) {
	s.clock = c
}

// State returns the app_state table as a state.Backend.
func (s *Store) State() state.Backend {
	return stateTable{s}
}

type stateTable struct {
	s *Store
}

func (t stateTable) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := t.s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", key, err)
	}
	return []byte(value), nil
}

func (t stateTable) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, string(value), t.s.clock.Now().UTC())
	return err
}

func (t stateTable) Delete(ctx context.Context, key string) error {
	_, err := t.s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, key)
	return err
}

// InsertReadings stores a grid batch. A point already recorded for the same
// observation day is overwritten so each point keeps one reading per day.
func (s *Store) InsertReadings(ctx context.Context, runID int64, points []models.GeoDataPoint) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO precipitation_readings (run_id, location_name, latitude, longitude, precipitation_mm, observed_on, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(latitude, longitude, observed_on) DO UPDATE SET
			run_id = excluded.run_id,
			location_name = excluded.location_name,
			precipitation_mm = excluded.precipitation_mm,
			fetched_at = excluded.fetched_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.clock.Now().UTC()
	stored := 0
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.LocationName, p.Latitude, p.Longitude, p.PrecipitationMM, p.ObservationDate, now); err != nil {
			return 0, fmt.Errorf("insert reading %s: %w", p.LocationName, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit readings: %w", err)
	}
	return stored, nil
}

// LatestBatch returns the readings written by the most recent successful
// refresh run, in grid order. It returns nil when no run has succeeded.
func (s *Store) LatestBatch(ctx context.Context) ([]models.GeoDataPoint, time.Time, error) {
	var runID int64
	var finished time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, finished_at FROM refresh_runs
		WHERE success = TRUE AND records_stored > 0
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&runID, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_name, latitude, longitude, precipitation_mm, observed_on
		FROM precipitation_readings
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	var points []models.GeoDataPoint
	for rows.Next() {
		var p models.GeoDataPoint
		if err := rows.Scan(&p.LocationName, &p.Latitude, &p.Longitude, &p.PrecipitationMM, &p.ObservationDate); err != nil {
			return nil, time.Time{}, err
		}
		points = append(points, p)
	}
	return points, finished, rows.Err()
}

// HistoricalRisk derives a climatological flood baseline from stored grid
// readings near the point: 30 plus up to 20 for the share of recent days
// with high-risk rainfall. With no nearby history it returns the midpoint.
func (s *Store) HistoricalRisk(ctx context.Context, lat, lon float64) (float64, error) {
	since := s.clock.Now().In(s.loc).Add(-ClimatologyWindow).Format("2006-01-02")

	var total, heavy int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN precipitation_mm >= ? THEN 1 ELSE 0 END), 0)
		FROM precipitation_readings
		WHERE latitude > ? AND latitude < ?
			AND longitude > ? AND longitude < ?
			AND observed_on >= ?
	`, risk.HighThresholdMM,
		lat-ClimatologyRadius, lat+ClimatologyRadius,
		lon-ClimatologyRadius, lon+ClimatologyRadius,
		since).Scan(&total, &heavy)
	if err != nil {
		return 0, fmt.Errorf("query climatology: %w", err)
	}
	if total == 0 {
		return DefaultHistoricalRisk, nil
	}
	return 30 + 20*float64(heavy)/float64(total), nil
}

// PruneReadings deletes readings observed before the given day.
func (s *Store) PruneReadings(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM precipitation_readings WHERE observed_on < ?`,
		before.In(s.loc).Format("2006-01-02"))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
