package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding ledger events.
	StreamName = "POOL_LEDGER_EVENTS"

	// SubjectPrefix prefixes every event subject:
	// pool.ledger.events.{event_type}
	SubjectPrefix = "pool.ledger.events"
)

// NATSPublisher publishes committed ledger events to JetStream. The event
// ID is used as the message ID so JetStream drops redelivered duplicates.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// DialNATS connects to url and returns a publisher with the outbound stream
// ensured.
func DialNATS(ctx context.Context, url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("ledger-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(evt.Type), data, jetstream.WithMsgID(evt.ID))
	return err
}

// Close drains the underlying connection.
func (p *NATSPublisher) Close() {
	_ = p.nc.Drain()
}

// Subject returns the subject an event type is published on.
func Subject(t Type) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, t)
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
