package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/risk"
)

// RecordAlert stores a delivered alert. The tag is unique per location and
// day, so a repeat delivery updates the existing row.
func (s *Store) RecordAlert(ctx context.Context, n alert.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history (
			tag, location_id, location_name, level, precipitation_mm,
			day, title, body, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			level = excluded.level,
			precipitation_mm = excluded.precipitation_mm,
			body = excluded.body,
			sent_at = excluded.sent_at
	`,
		n.Tag, n.LocationID, n.LocationName, string(n.Level), n.PrecipitationMM,
		n.Day, n.Title, n.Body, n.CreatedAt.UTC(),
	)
	return err
}

// RecentAlerts returns delivered alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]alert.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, location_id, location_name, level, precipitation_mm,
		       day, title, body, sent_at
		FROM alert_history
		ORDER BY sent_at DESC, tag ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []alert.Notification
	for rows.Next() {
		var n alert.Notification
		var level string
		if err := rows.Scan(
			&n.Tag, &n.LocationID, &n.LocationName, &level, &n.PrecipitationMM,
			&n.Day, &n.Title, &n.Body, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		n.Level = risk.Level(level)
		alerts = append(alerts, n)
	}
	return alerts, rows.Err()
}

// PruneAlerts deletes history sent before the cutoff.
func (s *Store) PruneAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_history WHERE sent_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AlertLog is an alert.Sink that records deliveries in the history table.
// A failed write is logged and does not fail the delivery.
type AlertLog struct {
	Store *Store
}

func (l AlertLog) Send(ctx context.Context, n alert.Notification) error {
	if err := l.Store.RecordAlert(ctx, n); err != nil {
		l.Store.logger.Error("record alert", zap.String("tag", n.Tag), zap.Error(err))
	}
	return nil
}
