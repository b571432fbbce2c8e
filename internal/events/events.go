// Package events publishes conversation lifecycle events to NATS.
//
// Subjects have the form:
//
//	{prefix}.conversations.{user_id}.{record_id}.{kind}
//
// Payloads never carry question or answer text. Publishing is best effort:
// callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindAppended Kind = "appended"
	KindRated    Kind = "rated"
)

// Event is the published payload.
type Event struct {
	Kind       Kind       `json:"kind"`
	RecordID   string     `json:"record_id"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Rating     *int       `json:"rating,omitempty"`
	Improved   bool       `json:"improved,omitempty"`
	Durable    bool       `json:"durable"`
	CreatedAt  time.Time  `json:"created_at"`
	RatedAt    *time.Time `json:"rated_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }

var subjectToken = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return subjectToken.ReplaceAllString(s, "_")
}

// Subject returns the subject an event is published on.
func Subject(prefix string, ev Event) string {
	return fmt.Sprintf("%s.conversations.%s.%s.%s", prefix, token(ev.UserID), token(ev.RecordID), ev.Kind)
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("reconmem"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. Close leaves it open.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "reconmem"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Publish marshals ev and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// New returns a NATS publisher when url is set and Nop otherwise.
func New(url, prefix string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	return Connect(url, prefix, logger)
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
)
