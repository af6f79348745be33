package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"meditext/internal/util"
)

// Routing keys for reminder lifecycle events.
const (
	ReminderDispatched = "reminder.dispatched"
	ReminderResponded  = "reminder.responded"
	DoseRecorded       = "dose.recorded"
)

// Event is the envelope published for every lifecycle change.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data"`
}

// Publisher emits lifecycle events. Delivery is best-effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, map[string]any) error { return nil }
func (NopPublisher) Close() error                                        { return nil }

// AMQPPublisher publishes JSON events to a topic exchange, routed by type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	now      func() time.Time
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "meditext.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, eventType string, data map[string]any) error {
	evt, body, err := encodeEvent(eventType, data, p.now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, eventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Type:         evt.Type,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.ch.Close(), p.conn.Close())
}

func encodeEvent(eventType string, data map[string]any, at time.Time) (Event, []byte, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, nil, errors.New("event type is required")
	}
	evt := Event{
		ID:         util.NewID(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Data:       data,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return Event{}, nil, fmt.Errorf("marshal event: %w", err)
	}
	return evt, body, nil
}
