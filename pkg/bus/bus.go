// Package bus wraps the AMQP broker behind publish/consume primitives
// with durable queues, per-queue dead-lettering and bounded redelivery.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/metrics"
	"github.com/medqa/conductor/pkg/types"
)

const (
	// DLXExchange is the direct exchange every queue dead-letters into.
	DLXExchange = "dlx_exchange"

	connectAttempts  = 3
	connectBaseDelay = 1 * time.Second

	// maximum bytes of an unparseable body echoed in diagnostics
	rawBodyLimit = 500
)

// Message is the wire envelope carried by every queue.
type Message struct {
	Command       string          `json:"command"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	RetryCount    int             `json:"retry_count"`
}

// NewMessage builds an envelope with a fresh correlation ID.
func NewMessage(command string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", command, err)
	}
	return Message{
		Command:       command,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %v", types.ErrMalformedMessage, m.Command, err)
	}
	return nil
}

// ErrDeadLetter tells the consume loop to dead-letter the delivery
// immediately instead of republishing it for another attempt. Handlers
// wrap it when the message can never succeed.
var ErrDeadLetter = errors.New("dead-letter delivery")

// DLQName returns the dead-letter queue paired with a primary queue.
func DLQName(queue string) string {
	return queue + ".dlq"
}

// ShouldDeadLetter reports whether a redelivered message has exhausted
// its retry budget.
func ShouldDeadLetter(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}

// Publisher is the subset of the bus that producers depend on.
type Publisher interface {
	Publish(queue string, msg Message) error
}

// Handler processes one delivered message. A returned error triggers the
// bounded-retry path; nil acknowledges the delivery.
type Handler func(msg Message) error

// Bus is an AMQP connection shared by one process. All channel use is
// serialized behind the mutex; a connection failure is repaired lazily on
// the next call.
type Bus struct {
	mu         sync.Mutex
	url        string
	maxRetries int
	conn       *amqp.Connection
	ch         *amqp.Channel
	declared   map[string]bool
	closed     bool
	logger     zerolog.Logger
}

// New creates a bus for the given broker URL. No connection is made until
// the first publish or consume.
func New(url string, maxRetries int) *Bus {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Bus{
		url:        url,
		maxRetries: maxRetries,
		declared:   make(map[string]bool),
		logger:     log.WithComponent("bus"),
	}
}

// connectLocked dials the broker with bounded backoff. Caller holds mu.
func (b *Bus) connectLocked() error {
	if b.conn != nil && !b.conn.IsClosed() && b.ch != nil {
		return nil
	}
	b.resetLocked()

	delay := connectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := amqp.Dial(b.url)
		if err == nil {
			ch, err := conn.Channel()
			if err == nil {
				b.conn = conn
				b.ch = ch
				b.declared = make(map[string]bool)
				return nil
			}
			conn.Close()
			lastErr = err
		} else {
			lastErr = err
		}
		b.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("broker connect failed")
		if attempt < connectAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, lastErr)
}

func (b *Bus) resetLocked() {
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// declareLocked sets up a durable queue, its dead-letter queue and the
// shared DLX binding. Idempotent per connection. Caller holds mu.
func (b *Bus) declareLocked(queue string) error {
	if b.declared[queue] {
		return nil
	}
	if err := b.ch.ExchangeDeclare(DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", DLXExchange, err)
	}
	dlq := DLQName(queue)
	if _, err := b.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", dlq, err)
	}
	if err := b.ch.QueueBind(dlq, dlq, DLXExchange, false, nil); err != nil {
		return fmt.Errorf("binding %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := b.ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring %s: %w", queue, err)
	}
	b.declared[queue] = true
	return nil
}

// Publish sends a persistent message to the named queue, connecting and
// declaring on first use.
func (b *Bus) Publish(queue string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked("", queue, msg)
}

func (b *Bus) publishLocked(exchange, routingKey string, msg Message) error {
	if err := b.connectLocked(); err != nil {
		return err
	}
	if exchange == "" {
		if err := b.declareLocked(routingKey); err != nil {
			b.resetLocked()
			return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
		}
		// An exhausted retry budget routes straight to the dead-letter
		// queue; the primary queue never carries such a message.
		if ShouldDeadLetter(msg.RetryCount, b.maxRetries) {
			b.logger.Warn().
				Str("command", msg.Command).
				Str("correlation_id", msg.CorrelationID).
				Int("retry_count", msg.RetryCount).
				Str("queue", routingKey).
				Msg("retry budget exhausted, routing to dead-letter queue")
			exchange = DLXExchange
			routingKey = DLQName(routingKey)
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", routingKey, err)
	}
	err = b.ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Body:          body,
	})
	if err != nil {
		b.resetLocked()
		return fmt.Errorf("%w: publishing to %s: %v", types.ErrBrokerUnavailable, routingKey, err)
	}
	metrics.MessagesPublished.WithLabelValues(routingKey).Inc()
	return nil
}

// Consume processes the named queue with prefetch 1 until Close. Poison
// messages go to the dead-letter queue; handler failures are redelivered
// with an incremented retry count up to the configured maximum.
func (b *Bus) Consume(queue string, handler Handler) error {
	b.mu.Lock()
	if err := b.connectLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if err := b.declareLocked(queue); err != nil {
		b.resetLocked()
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}
	if err := b.ch.Qos(1, 0, false); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: setting qos on %s: %v", types.ErrBrokerUnavailable, queue, err)
	}
	deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: consuming %s: %v", types.ErrBrokerUnavailable, queue, err)
	}
	b.mu.Unlock()

	logger := b.logger.With().Str("queue", queue).Logger()
	for d := range deliveries {
		b.handleDelivery(queue, d, handler, logger)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}
	return fmt.Errorf("%w: delivery channel for %s closed", types.ErrBrokerUnavailable, queue)
}

func (b *Bus) handleDelivery(queue string, d amqp.Delivery, handler Handler, logger zerolog.Logger) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error().Err(err).
			Str("body", truncate(string(d.Body), rawBodyLimit)).
			Msg("unparseable message dead-lettered")
		metrics.MessagesDeadLettered.WithLabelValues(queue).Inc()
		d.Nack(false, false)
		return
	}

	if ShouldDeadLetter(msg.RetryCount, b.maxRetries) {
		logger.Error().
			Str("command", msg.Command).
			Str("correlation_id", msg.CorrelationID).
			Int("retry_count", msg.RetryCount).
			Msg("retry budget exhausted, dead-lettering")
		b.mu.Lock()
		err := b.publishLocked(DLXExchange, DLQName(queue), msg)
		b.mu.Unlock()
		if err != nil {
			logger.Error().Err(err).Msg("dead-letter publish failed")
		}
		metrics.MessagesDeadLettered.WithLabelValues(queue).Inc()
		d.Ack(false)
		return
	}

	if err := handler(msg); err != nil {
		if errors.Is(err, ErrDeadLetter) || errors.Is(err, types.ErrMalformedMessage) {
			logger.Error().Err(err).
				Str("command", msg.Command).
				Str("correlation_id", msg.CorrelationID).
				Msg("delivery dead-lettered")
			metrics.MessagesDeadLettered.WithLabelValues(queue).Inc()
			d.Nack(false, false)
			return
		}
		retry := msg
		retry.RetryCount++
		logger.Warn().Err(err).
			Str("command", msg.Command).
			Str("correlation_id", msg.CorrelationID).
			Int("retry_count", retry.RetryCount).
			Msg("handler failed, requeueing with incremented retry count")
		b.mu.Lock()
		pubErr := b.publishLocked("", queue, retry)
		b.mu.Unlock()
		if pubErr != nil {
			logger.Error().Err(pubErr).Msg("retry publish failed")
		}
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

// Close shuts the connection down. Any blocked Consume returns nil.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
