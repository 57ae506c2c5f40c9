package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/risk"
)

// Notification is a single user-facing flood alert.
type Notification struct {
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	Tag             string     `json:"tag"`
	LocationID      string     `json:"locationId"`
	LocationName    string     `json:"locationName"`
	Level           risk.Level `json:"level"`
	PrecipitationMM float64    `json:"precipitationMm"`
	Day             string     `json:"day"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Sink delivers notifications to the user.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Logger.Warn(n.Title,
		zap.String("body", n.Body),
		zap.String("tag", n.Tag),
		zap.String("location_id", n.LocationID),
		zap.String("level", string(n.Level)),
		zap.Float64("precipitation_mm", n.PrecipitationMM),
	)
	return nil
}

// MultiSink fans a notification out to every sink. When some sinks deliver
// and others fail it returns a *DeliveryError; it returns a plain error only
// when nothing was delivered.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	switch {
	case len(errs) == 0:
		return nil
	case len(errs) == len(m):
		return errors.Join(errs...)
	default:
		return &DeliveryError{Delivered: len(m) - len(errs), Errs: errs}
	}
}

// DeliveryError reports sinks that failed while at least one other sink
// delivered the notification.
type DeliveryError struct {
	Delivered int
	Errs      []error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%d of %d sinks failed: %v", len(e.Errs), e.Delivered+len(e.Errs), errors.Join(e.Errs...))
}

func (e *DeliveryError) Unwrap() []error { return e.Errs }

// delivered reports whether err still means the user received n.
func delivered(err error) bool {
	if err == nil {
		return true
	}
	var partial *DeliveryError
	return errors.As(err, &partial) && partial.Delivered > 0
}
