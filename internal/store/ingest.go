package store

import (
	"context"
	"database/sql"
	"time"
)

// RefreshRun audits a single grid refresh.
type RefreshRun struct {
	ID                int64          `json:"id"`
	RequestID         string         `json:"requestId"`
	StartedAt         time.Time      `json:"startedAt"`
	FinishedAt        sql.NullTime   `json:"-"`
	Provider          string         `json:"provider"` // "simulated", "meteostat"
	Reason            string         `json:"reason"`   // "startup", "tick", "manual"
	RecordsFetched    sql.NullInt64  `json:"-"`
	RecordsStored     sql.NullInt64  `json:"-"`
	NotificationsSent sql.NullInt64  `json:"-"`
	Success           bool           `json:"success"`
	ErrorMessage      sql.NullString `json:"-"`
}

// StartRefreshRun creates a new refresh run record and returns it.
func (s *Store) StartRefreshRun(ctx context.Context, requestID, provider, reason string) (*RefreshRun, error) {
	run := &RefreshRun{
		RequestID: requestID,
		StartedAt: s.clock.Now().UTC(),
		Provider:  provider,
		Reason:    reason,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_runs (request_id, started_at, provider, reason, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.RequestID, run.StartedAt, run.Provider, run.Reason)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteRefreshRun updates the refresh run with results.
func (s *Store) CompleteRefreshRun(ctx context.Context, run *RefreshRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.clock.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_runs SET
			finished_at = ?,
			records_fetched = ?,
			records_stored = ?,
			notifications_sent = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsFetched, run.RecordsStored, run.NotificationsSent,
		run.Success, run.ErrorMessage, run.ID)
	return err
}

// RefreshHealthSummary is a daily rollup of refresh runs per provider.
type RefreshHealthSummary struct {
	Date          string `json:"date"`
	Provider      string `json:"provider"`
	TotalRuns     int    `json:"totalRuns"`
	SuccessRuns   int    `json:"successRuns"`
	FailedRuns    int    `json:"failedRuns"`
	TotalRecords  int64  `json:"totalRecords"`
	Notifications int64  `json:"notifications"`
}

// GetRefreshHealth returns refresh health summaries for the last N days.
func (s *Store) GetRefreshHealth(ctx context.Context, days int) ([]RefreshHealthSummary, error) {
	since := s.clock.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02 15:04:05")
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			provider,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_stored), 0) as total_records,
			COALESCE(SUM(notifications_sent), 0) as notifications
		FROM refresh_runs
		WHERE SUBSTR(started_at, 1, 19) > ?
		GROUP BY date, provider
		ORDER BY date DESC, provider
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RefreshHealthSummary
	for rows.Next() {
		var h RefreshHealthSummary
		if err := rows.Scan(&h.Date, &h.Provider, &h.TotalRuns, &h.SuccessRuns,
			&h.FailedRuns, &h.TotalRecords, &h.Notifications); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentRefreshErrors returns recent failed refresh runs.
func (s *Store) GetRecentRefreshErrors(ctx context.Context, limit int) ([]RefreshRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, started_at, finished_at, provider, reason,
			   records_fetched, records_stored, notifications_sent, success, error_message
		FROM refresh_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RefreshRun
	for rows.Next() {
		var r RefreshRun
		if err := rows.Scan(&r.ID, &r.RequestID, &r.StartedAt, &r.FinishedAt, &r.Provider, &r.Reason,
			&r.RecordsFetched, &r.RecordsStored, &r.NotificationsSent, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
