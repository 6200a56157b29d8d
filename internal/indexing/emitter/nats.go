package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
)

// NATSConfig holds JetStream publishing settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// jetStreamPublisher is the part of nats.JetStreamContext the emitter uses.
type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSEmitter publishes events to a JetStream stream. The event id is sent as
// the message id so the server drops duplicates inside its dedupe window.
type NATSEmitter struct {
	conn   *nats.Conn
	js     jetStreamPublisher
	prefix string
	log    *slog.Logger
}

// NewNATSEmitter connects to NATS and makes sure the stream exists.
func NewNATSEmitter(cfg NATSConfig) (*NATSEmitter, error) {
	if cfg.Stream == "" {
		cfg.Stream = "CROSSLANE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "crosslane"
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("crosslane"),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.SubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    cfg.MaxAge,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
		}
	}

	e := newNATSEmitter(js, cfg.SubjectPrefix)
	e.conn = conn
	return e, nil
}

func newNATSEmitter(js jetStreamPublisher, prefix string) *NATSEmitter {
	return &NATSEmitter{
		js:     js,
		prefix: prefix,
		log:    slog.Default().With("component", "nats_emitter"),
	}
}

// Subject returns the subject an event is published on.
func (e *NATSEmitter) Subject(event *domain.Event) string {
	return fmt.Sprintf("%s.%d.%s", e.prefix, uint64(event.Selector), event.Type)
}

// Emit publishes one event.
func (e *NATSEmitter) Emit(ctx context.Context, event *domain.Event) error {
	Stamp(event, time.Now())
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := e.js.Publish(e.Subject(event), data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	metrics.EventsEmittedTotal.WithLabelValues(string(event.Type), "nats").Inc()
	return nil
}

// EmitBatch publishes events one by one, stopping at the first failure.
func (e *NATSEmitter) EmitBatch(ctx context.Context, events []*domain.Event) error {
	for _, ev := range events {
		if err := e.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the connection.
func (e *NATSEmitter) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Drain()
}
