package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the payload published for the mail service to deliver.
type Event struct {
	Type       string    `json:"type"`
	To         string    `json:"to"`
	Name       string    `json:"name"`
	Link       string    `json:"link"`
	OccurredAt time.Time `json:"occurredAt"`
}

// KafkaMailer publishes one event per message. Each publish is attempted
// once and bounded by timeout.
type KafkaMailer struct {
	writer  messageWriter
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaMailer(brokers []string, topic string, timeout time.Duration) *KafkaMailer {
	return &KafkaMailer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1,
			WriteTimeout: timeout,
		},
		timeout: timeout,
		now:     time.Now,
	}
}

func (m *KafkaMailer) SendVerification(ctx context.Context, to, name, link string) error {
	return m.publish(ctx, Event{Type: EventVerifyEmail, To: to, Name: name, Link: link})
}

func (m *KafkaMailer) SendPasswordReset(ctx context.Context, to, name, link string) error {
	return m.publish(ctx, Event{Type: EventPasswordReset, To: to, Name: name, Link: link})
}

func (m *KafkaMailer) publish(ctx context.Context, e Event) error {
	const op = "mail.KafkaMailer.publish"

	e.OccurredAt = m.now().UTC()
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.To),
		Value: value,
		Time:  e.OccurredAt,
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *KafkaMailer) Close() error {
	return m.writer.Close()
}
