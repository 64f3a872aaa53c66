// Package events publishes saga outcome notifications. Publishing is best
// effort: the saga logs and ignores publish failures.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-tryon-backend/internal/config"
)

// Event types.
const (
	TypeTryOnCompleted = "tryon.completed"
	TypeTryOnFailed    = "tryon.failed"
)

// Event is the payload published for a finished saga.
type Event struct {
	Type      string    `json:"type"`
	TryOnID   string    `json:"tryon_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	Log zerolog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	id := uuid.NewString()
	p.Log.Info().Str("topic", topic).Str("message_id", id).RawJSON("event", payload).Msg("event published")
	return id, nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, []byte) (string, error) { return "", nil }

// PubSubPublisher publishes to Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPubSubPublisher creates a client for projectID. PUBSUB_EMULATOR_HOST is
// honoured by the client library.
func NewPubSubPublisher(ctx context.Context, projectID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to topic and waits for the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	t := p.client.Topic(topic)
	defer t.Stop()
	id, err := t.Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

// Close releases the client.
func (p *PubSubPublisher) Close() error { return p.client.Close() }

// Emitter encodes events and hands them to a Publisher.
type Emitter struct {
	Publisher Publisher
	Topic     string
	Log       zerolog.Logger
}

// NewEmitter builds the emitter selected by cfg.Backend. The returned close
// function releases broker resources.
func NewEmitter(ctx context.Context, cfg config.EventsConfig, log zerolog.Logger) (*Emitter, func() error, error) {
	e := &Emitter{Topic: cfg.Topic, Log: log.With().Str("component", "events").Logger()}
	switch cfg.Backend {
	case config.EventsPubSub:
		p, err := NewPubSubPublisher(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		e.Publisher = p
		return e, p.Close, nil
	case config.EventsNone:
		e.Publisher = NopPublisher{}
	default:
		e.Publisher = LogPublisher{Log: e.Log}
	}
	return e, func() error { return nil }, nil
}

// Emit publishes ev. Failures are logged and returned.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if e == nil || e.Publisher == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if _, err := e.Publisher.Publish(ctx, e.Topic, payload); err != nil {
		e.Log.Warn().Err(err).Str("type", ev.Type).Str("tryon_id", ev.TryOnID).Msg("event publish failed")
		return err
	}
	return nil
}
