package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatbridge/internal/metrics"
	"chatbridge/internal/transport"
	logx "chatbridge/pkg/logx"
)

// Message is an outbound message. ImageURL, if set, is fetched and sent as
// an image with Text as caption.
type Message struct {
	Text     string
	ImageURL string
}

type Receipt struct {
	Destination   string    `json:"destination"`
	DestinationID string    `json:"destinationId"`
	Delivered     bool      `json:"delivered"`
	SentAt        time.Time `json:"sentAt"`
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery is one delivery-log record.
type Delivery struct {
	Destination string
	Message     string
	ImageURL    string
	Status      DeliveryStatus
	SentAt      time.Time
	Error       string
}

// DeliveryLog records outbound messages.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

// SendMessage delivers msg to the destination named destination.
//
// Checks run in order: the session must be Ready (ErrNotConnected), the name
// must resolve (ErrDestinationNotFound), the attachment must be a valid
// image (ErrInvalidAttachment). Only then is the transport asked to send.
func (s *Supervisor) SendMessage(ctx context.Context, destination string, msg Message) (Receipt, error) {
	r, outcome, err := s.send(ctx, destination, msg)
	metrics.MessagesSent.WithLabelValues(outcome).Inc()

	rec := Delivery{
		Destination: destination,
		Message:     msg.Text,
		ImageURL:    msg.ImageURL,
		SentAt:      s.clock.Now(),
	}
	if err != nil {
		s.log.Warn("send failed", logx.String("destination", destination), logx.String("outcome", outcome), logx.Err(err))
		if s.cfg.LogFailedSends {
			rec.Status = DeliveryFailed
			rec.Error = err.Error()
			s.record(ctx, rec)
		}
		return Receipt{}, err
	}
	rec.Destination = r.Destination
	rec.SentAt = r.SentAt
	rec.Status = DeliverySent
	s.record(ctx, rec)
	s.log.Info("message sent", logx.String("destination", r.Destination), logx.Bool("image", msg.ImageURL != ""))
	return r, nil
}

func (s *Supervisor) send(ctx context.Context, destination string, msg Message) (Receipt, string, error) {
	phase, tr := s.current()
	if phase != PhaseReady || tr == nil {
		return Receipt{}, "not_connected", ErrNotConnected
	}

	var dests []transport.Destination
	if err := guard(func() (err error) {
		dests, err = tr.Destinations(ctx)
		return err
	}); err != nil {
		return Receipt{}, "failed", fmt.Errorf("list destinations: %w", err)
	}
	dest, err := resolveDestination(dests, destination)
	if err != nil {
		return Receipt{}, "destination_not_found", err
	}

	payload := transport.Payload{Text: msg.Text}
	if strings.TrimSpace(msg.ImageURL) != "" {
		img, err := s.fetch.Fetch(ctx, msg.ImageURL)
		if err != nil {
			return Receipt{}, "invalid_attachment", err
		}
		payload.Image = img
	}

	if err := guard(func() error { return tr.Send(ctx, dest, payload) }); err != nil {
		return Receipt{}, "failed", fmt.Errorf("send to %q: %w", dest.Name, err)
	}
	return Receipt{
		Destination:   dest.Name,
		DestinationID: dest.ID,
		Delivered:     true,
		SentAt:        s.clock.Now(),
	}, "sent", nil
}

func (s *Supervisor) record(ctx context.Context, d Delivery) {
	if s.deliveries == nil {
		return
	}
	if err := s.deliveries.RecordDelivery(ctx, d); err != nil {
		s.log.Warn("delivery log write failed", logx.Err(err))
	}
}

// resolveDestination prefers an exact name match. Otherwise exactly one
// case-insensitive match on trimmed names is accepted; several are ambiguous.
func resolveDestination(dests []transport.Destination, name string) (transport.Destination, error) {
	for _, d := range dests {
		if d.Name == name {
			return d, nil
		}
	}
	want := strings.TrimSpace(name)
	var (
		found transport.Destination
		n     int
	)
	if want != "" {
		for _, d := range dests {
			if strings.EqualFold(strings.TrimSpace(d.Name), want) {
				found = d
				n++
			}
		}
	}
	switch n {
	case 1:
		return found, nil
	case 0:
		return transport.Destination{}, fmt.Errorf("%w: %q", ErrDestinationNotFound, name)
	default:
		return transport.Destination{}, fmt.Errorf("%w: %q is ambiguous (%d matches)", ErrDestinationNotFound, name, n)
	}
}
