package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/metrics"
	"github.com/lox/floodwatch/internal/models"
	"github.com/lox/floodwatch/internal/precip"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/store"
)

// ErrRefreshInProgress is returned when a refresh is requested while another
// is still running. The request is dropped, not queued.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// Refresh reasons recorded in the audit table.
const (
	ReasonStartup = "startup"
	ReasonTick    = "tick"
	ReasonManual  = "manual"
)

const (
	DefaultInterval              = 5 * time.Minute
	DefaultTimeout               = 2 * time.Minute
	DefaultHousekeepingSchedule  = "@daily"
	DefaultNotificationRetention = 7 * 24 * time.Hour
	DefaultReadingRetention      = 90 * 24 * time.Hour
)

// Notifier is the alerting side of a refresh.
type Notifier interface {
	CheckAndNotify(ctx context.Context, points []models.GeoDataPoint) int
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Snapshot is the most recent grid batch served to clients. Stale is set when
// the latest refresh failed and Points are from an earlier run.
type Snapshot struct {
	Points      []models.GeoDataPoint `json:"points"`
	Provider    string                `json:"provider"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	LastAttempt time.Time             `json:"lastAttempt"`
	Stale       bool                  `json:"stale"`
	LastError   string                `json:"lastError,omitempty"`
}

// Result summarises one successful refresh.
type Result struct {
	RequestID     string `json:"requestId"`
	Points        int    `json:"points"`
	Stored        int    `json:"stored"`
	Notifications int    `json:"notifications"`
}

type Config struct {
	Store                 *store.Store
	Provider              precip.Provider
	Notifier              Notifier
	Clock                 clockwork.Clock
	Logger                *zap.Logger
	Location              *time.Location
	Interval              time.Duration
	Timeout               time.Duration
	HousekeepingSchedule  string
	NotificationRetention time.Duration
	ReadingRetention      time.Duration
}

type Scheduler struct {
	store    *store.Store
	provider precip.Provider
	notifier Notifier
	clock    clockwork.Clock
	logger   *zap.Logger
	loc      *time.Location

	interval              time.Duration
	timeout               time.Duration
	housekeepingSchedule  string
	notificationRetention time.Duration
	readingRetention      time.Duration

	inFlight atomic.Bool

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		store:                 cfg.Store,
		provider:              cfg.Provider,
		notifier:              cfg.Notifier,
		clock:                 cfg.Clock,
		logger:                cfg.Logger,
		loc:                   cfg.Location,
		interval:              cfg.Interval,
		timeout:               cfg.Timeout,
		housekeepingSchedule:  cfg.HousekeepingSchedule,
		notificationRetention: cfg.NotificationRetention,
		readingRetention:      cfg.ReadingRetention,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.housekeepingSchedule == "" {
		s.housekeepingSchedule = DefaultHousekeepingSchedule
	}
	if s.notificationRetention <= 0 {
		s.notificationRetention = DefaultNotificationRetention
	}
	if s.readingRetention <= 0 {
		s.readingRetention = DefaultReadingRetention
	}
	s.snapshot.Provider = s.provider.Name()
	return s
}

// Restore seeds the snapshot from the last successful run so a restart
// serves data before the first refresh completes. No alerts are sent.
func (s *Scheduler) Restore(ctx context.Context) error {
	points, finished, err := s.store.LatestBatch(ctx)
	if err != nil {
		return fmt.Errorf("load latest batch: %w", err)
	}
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	s.snapshot.Points = points
	s.snapshot.UpdatedAt = finished
	s.mu.Unlock()
	updateLevelGauge(points)

	s.logger.Info("restored snapshot", zap.Int("points", len(points)), zap.Time("updated_at", finished))
	return nil
}

// Run refreshes immediately, then on every interval until ctx is cancelled.
// Housekeeping runs on its own cron schedule for the lifetime of Run.
func (s *Scheduler) Run(ctx context.Context) {
	s.refreshAndLog(ctx, ReasonStartup)

	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.housekeepingSchedule, func() {
		if err := s.Housekeep(ctx); err != nil {
			s.logger.Error("housekeeping failed", zap.Error(err))
		}
	}); err != nil {
		s.logger.Error("invalid housekeeping schedule", zap.String("schedule", s.housekeepingSchedule), zap.Error(err))
	} else {
		c.Start()
		defer c.Stop()
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			return
		case <-ticker.Chan():
			s.refreshAndLog(ctx, ReasonTick)
		}
	}
}

func (s *Scheduler) refreshAndLog(ctx context.Context, reason string) {
	if _, err := s.Refresh(ctx, reason); err != nil && !errors.Is(err, ErrRefreshInProgress) {
		s.logger.Warn("refresh failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Refresh fetches one grid batch, stores it, swaps it in as the snapshot and
// runs a single alert cycle. Overlapping calls return ErrRefreshInProgress.
// On failure the previous snapshot is kept and marked stale.
func (s *Scheduler) Refresh(ctx context.Context, reason string) (Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.RefreshRunsTotal.WithLabelValues("skipped").Inc()
		return Result{}, ErrRefreshInProgress
	}
	defer s.inFlight.Store(false)

	requestID := uuid.NewString()
	log := s.logger.With(zap.String("request_id", requestID), zap.String("reason", reason))
	started := s.clock.Now()

	run, err := s.store.StartRefreshRun(ctx, requestID, s.provider.Name(), reason)
	if err != nil {
		log.Warn("could not record refresh run", zap.Error(err))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	points, err := s.provider.Fetch(fetchCtx)
	cancel()
	if err == nil && ctx.Err() != nil {
		// Cancelled after the provider returned; the batch is discarded.
		err = ctx.Err()
	}
	if err != nil {
		s.markStale(started, err)
		s.completeRun(log, run, func(r *store.RefreshRun) {
			r.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		})
		metrics.RefreshRunsTotal.WithLabelValues("failure").Inc()
		return Result{}, fmt.Errorf("fetch %s: %w", s.provider.Name(), err)
	}

	var runID int64
	if run != nil {
		runID = run.ID
	}
	stored, err := s.store.InsertReadings(ctx, runID, points)
	if err != nil {
		log.Error("store readings", zap.Error(err))
	}

	s.mu.Lock()
	s.snapshot = Snapshot{
		Points:      points,
		Provider:    s.provider.Name(),
		UpdatedAt:   s.clock.Now(),
		LastAttempt: started,
	}
	s.mu.Unlock()
	updateLevelGauge(points)
	metrics.SnapshotAge.Set(0)

	sent := s.notifier.CheckAndNotify(ctx, points)

	s.completeRun(log, run, func(r *store.RefreshRun) {
		r.Success = true
		r.RecordsFetched = sql.NullInt64{Int64: int64(len(points)), Valid: true}
		r.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
		r.NotificationsSent = sql.NullInt64{Int64: int64(sent), Valid: true}
	})
	metrics.RefreshRunsTotal.WithLabelValues("success").Inc()

	log.Info("refresh complete",
		zap.Int("points", len(points)),
		zap.Int("stored", stored),
		zap.Int("notifications", sent),
		zap.Duration("took", s.clock.Since(started)),
	)
	return Result{RequestID: requestID, Points: len(points), Stored: stored, Notifications: sent}, nil
}

// completeRun writes the audit row with a context detached from
// cancellation so shutdown still records the outcome.
func (s *Scheduler) completeRun(log *zap.Logger, run *store.RefreshRun, update func(*store.RefreshRun)) {
	if run == nil {
		return
	}
	update(run)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CompleteRefreshRun(ctx, run); err != nil {
		log.Warn("could not complete refresh run", zap.Error(err))
	}
}

func (s *Scheduler) markStale(attempt time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastAttempt = attempt
	s.snapshot.LastError = err.Error()
	s.snapshot.Stale = len(s.snapshot.Points) > 0
	if !s.snapshot.UpdatedAt.IsZero() {
		metrics.SnapshotAge.Set(s.clock.Since(s.snapshot.UpdatedAt).Seconds())
	}
}

// Snapshot returns the current grid batch. Points must not be modified.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Refreshing reports whether a refresh is currently running.
func (s *Scheduler) Refreshing() bool {
	return s.inFlight.Load()
}

// Housekeep prunes alert keys, alert history and stored readings past their
// retention.
func (s *Scheduler) Housekeep(ctx context.Context) error {
	now := s.clock.Now()

	removed, err := s.notifier.Prune(ctx, now.Add(-s.notificationRetention))
	if err != nil {
		return fmt.Errorf("prune notification keys: %w", err)
	}
	history, err := s.store.PruneAlerts(ctx, now.Add(-s.notificationRetention))
	if err != nil {
		return fmt.Errorf("prune alert history: %w", err)
	}
	readings, err := s.store.PruneReadings(ctx, now.Add(-s.readingRetention))
	if err != nil {
		return fmt.Errorf("prune readings: %w", err)
	}

	s.logger.Info("housekeeping complete",
		zap.Int("notification_keys_removed", removed),
		zap.Int64("alert_history_removed", history),
		zap.Int64("readings_removed", readings),
	)
	return nil
}

func updateLevelGauge(points []models.GeoDataPoint) {
	counts := map[risk.Level]int{
		risk.LevelLow:      0,
		risk.LevelModerate: 0,
		risk.LevelHigh:     0,
		risk.LevelExtreme:  0,
	}
	for _, p := range points {
		if a, err := risk.Classify(p.PrecipitationMM); err == nil {
			counts[a.Level]++
		}
	}
	for level, n := range counts {
		metrics.GridPointsByLevel.WithLabelValues(string(level)).Set(float64(n))
	}
}
