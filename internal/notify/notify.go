// Package notify announces publish gate outcomes to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// Notifier is told about every publish audit.
type Notifier interface {
	Notify(ctx context.Context, audit store.PublishAudit) error
	Close() error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, store.PublishAudit) error { return nil }
func (Nop) Close() error                                     { return nil }

// Event is the JSON payload written for each audit.
type Event struct {
	Type         string    `json:"type"`
	PublishedAt  time.Time `json:"published_at"`
	Published    bool      `json:"published"`
	Reason       string    `json:"reason"`
	Dates        []string  `json:"dates"`
	ModelQuality *float64  `json:"model_quality_0_1"`
	Threshold    float64   `json:"threshold"`
	RunID        string    `json:"run_id,omitempty"`
}

// NewEvent builds the payload for audit. Dates are the written refs when
// published, else the dates of the previewed forecast.
func NewEvent(audit store.PublishAudit) Event {
	dates := audit.InsertedRefs
	if !audit.Published {
		dates = make([]string, 0, len(audit.DocsPreview))
		for _, d := range audit.DocsPreview {
			dates = append(dates, d.Ref())
		}
	}
	typ := "kp_forecast.suppressed"
	if audit.Published {
		typ = "kp_forecast.published"
	}
	return Event{
		Type:         typ,
		PublishedAt:  audit.PublishedAt.UTC(),
		Published:    audit.Published,
		Reason:       audit.Reason,
		Dates:        dates,
		ModelQuality: audit.ModelQuality,
		Threshold:    audit.Threshold,
		RunID:        audit.RunID,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one message per audit, keyed by the first forecast date.
type Kafka struct {
	w   messageWriter
	log *zap.Logger
}

// NewKafka returns a Kafka notifier writing to topic on brokers.
func NewKafka(brokers []string, topic string, log *zap.Logger) *Kafka {
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: 10 * time.Second,
	}, log)
}

func newKafka(w messageWriter, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &Kafka{w: w, log: log.With(zap.String("component", "kafka-notify"))}
}

func (k *Kafka) Notify(ctx context.Context, audit store.PublishAudit) error {
	ev := NewEvent(audit)
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{Value: b, Time: ev.PublishedAt}
	if len(ev.Dates) > 0 {
		msg.Key = []byte(ev.Dates[0])
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	k.log.Debug("publish event sent", zap.String("type", ev.Type), zap.Strings("dates", ev.Dates))
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
