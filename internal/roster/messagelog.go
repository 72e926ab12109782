package roster

import (
	"context"
	"time"

	"chatbridge/internal/session"
)

// RecordDelivery stores a delivery-log record. It satisfies
// session.DeliveryLog.
func (s *Service) RecordDelivery(ctx context.Context, d session.Delivery) error {
	st := LogSent
	if d.Status == session.DeliveryFailed {
		st = LogFailed
	}
	return s.appendLog(ctx, MessageLog{
		Destination: d.Destination,
		Message:     d.Message,
		ImageURL:    d.ImageURL,
		Status:      st,
		SentAt:      d.SentAt,
		Error:       d.Error,
	})
}

// RecordScheduled logs a message accepted for later delivery.
func (s *Service) RecordScheduled(ctx context.Context, destination, message, imageURL string, runAt time.Time) error {
	return s.appendLog(ctx, MessageLog{
		Destination: destination,
		Message:     message,
		ImageURL:    imageURL,
		Status:      LogScheduled,
		SentAt:      runAt,
	})
}

func (s *Service) appendLog(ctx context.Context, m MessageLog) error {
	m.ID = newID()
	if m.SentAt.IsZero() {
		m.SentAt = s.now()
	}
	return s.logs.Insert(ctx, m.ID, m)
}

// MessageLogs returns every record, oldest first.
func (s *Service) MessageLogs(ctx context.Context) ([]MessageLog, error) {
	return s.logs.List(ctx)
}

var _ session.DeliveryLog = (*Service)(nil)
