// Package broker manages the intake exchange and deletion topic on a
// RabbitMQ cluster: declaration, publish, and a reconnecting consumer
// loop. Bitrate and master fan-out run on internal/workqueue instead;
// this package only covers the durable priority-routed intake path and
// the chapter-deletion topic described in the external interface.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chapterstream/transcoder/internal/apierrors"
	"github.com/chapterstream/transcoder/internal/domain"
)

const (
	exchangeName = "transcoding.exchange"

	queuePriority = "audiobook.transcode.priority"
	queueNormal   = "audiobook.transcode.normal"
	queueLow      = "audiobook.transcode.low"

	routingKeyPriority = "priority"
	routingKeyNormal   = "normal"
	routingKeyLow      = "low"

	deletionExchange = "audiobook.chapters"
	deletionQueue     = "audiobook.chapters.deleted"
	deletionRoutingKey = "deleted"

	reconnectBaseDelay = 5 * time.Second
	reconnectMaxAttempts = 10
)

// queueTTL is the message TTL applied to a routing key's bound queue.
var queueTTL = map[string]time.Duration{
	routingKeyPriority: time.Hour,
	routingKeyNormal:   time.Hour,
	routingKeyLow:      2 * time.Hour,
}

// Broker owns the AMQP connection and channel used to publish intake
// requests and deletion events, and to consume them.
type Broker struct {
	url    string
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials url, opens a channel, and declares the exchanges, queues,
// and bindings described in the external interface.
func Connect(url string, logger *slog.Logger) (*Broker, error) {
	b := &Broker{url: url, logger: logger}
	if err := b.dial(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) dial() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return apierrors.BrokerError(fmt.Errorf("dial broker: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return apierrors.BrokerError(fmt.Errorf("open channel: %w", err))
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.conn = conn
	b.ch = ch
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return apierrors.BrokerError(fmt.Errorf("declare exchange %s: %w", exchangeName, err))
	}
	if err := ch.ExchangeDeclare(deletionExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return apierrors.BrokerError(fmt.Errorf("declare exchange %s: %w", deletionExchange, err))
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{queuePriority, routingKeyPriority},
		{queueNormal, routingKeyNormal},
		{queueLow, routingKeyLow},
	}
	for _, bd := range bindings {
		args := amqp.Table{"x-message-ttl": queueTTL[bd.routingKey].Milliseconds()}
		if _, err := ch.QueueDeclare(bd.queue, true, false, false, false, args); err != nil {
			return apierrors.BrokerError(fmt.Errorf("declare queue %s: %w", bd.queue, err))
		}
		if err := ch.QueueBind(bd.queue, bd.routingKey, exchangeName, false, nil); err != nil {
			return apierrors.BrokerError(fmt.Errorf("bind queue %s: %w", bd.queue, err))
		}
	}

	if _, err := ch.QueueDeclare(deletionQueue, true, false, false, false, nil); err != nil {
		return apierrors.BrokerError(fmt.Errorf("declare queue %s: %w", deletionQueue, err))
	}
	if err := ch.QueueBind(deletionQueue, deletionRoutingKey, deletionExchange, false, nil); err != nil {
		return apierrors.BrokerError(fmt.Errorf("bind queue %s: %w", deletionQueue, err))
	}

	return nil
}

// routingKeyForPriority maps an intake priority to its bound routing key.
func routingKeyForPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return routingKeyPriority
	case domain.PriorityLow:
		return routingKeyLow
	default:
		return routingKeyNormal
	}
}

// QueueForPriority returns the durable queue name bound to p, used by
// consumers that want to bind directly to one priority tier.
func QueueForPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return queuePriority
	case domain.PriorityLow:
		return queueLow
	default:
		return queueNormal
	}
}

// DeletionQueue is the durable queue name consumed by the Deletion Worker.
func DeletionQueue() string { return deletionQueue }

// PublishChapterRequest publishes req to the exchange binding matching its
// priority, as a durable, persistent message.
func (b *Broker) PublishChapterRequest(ctx context.Context, req domain.ChapterTranscodeRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chapter request: %w", err)
	}

	err = b.ch.PublishWithContext(ctx, exchangeName, routingKeyForPriority(req.Priority), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(req.Priority.NumericPriority()),
		MessageId:    req.MessageID(),
		Body:         body,
	})
	if err != nil {
		return apierrors.BrokerError(fmt.Errorf("publish chapter request: %w", err))
	}
	return nil
}

// PublishChapterDeletion publishes a deletion event to the deletion topic.
func (b *Broker) PublishChapterDeletion(ctx context.Context, deletion domain.ChapterDeletion) error {
	body, err := json.Marshal(deletion)
	if err != nil {
		return fmt.Errorf("marshal chapter deletion: %w", err)
	}

	err = b.ch.PublishWithContext(ctx, deletionExchange, deletionRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return apierrors.BrokerError(fmt.Errorf("publish chapter deletion: %w", err))
	}
	return nil
}

// Consume returns a delivery channel for queue with prefetch=1, per the
// per-channel fair-dispatch requirement.
func (b *Broker) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := b.ch.Qos(1, 0, false); err != nil {
		return nil, apierrors.BrokerError(fmt.Errorf("set qos: %w", err))
	}
	deliveries, err := b.ch.ConsumeWithContext(ctx, queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, apierrors.BrokerError(fmt.Errorf("consume %s: %w", queue, err))
	}
	return deliveries, nil
}

// Reconnect attempts to re-establish the connection with exponential
// backoff (5s * 2^attempt), capped at 10 attempts, per the broker error
// recovery policy.
func (b *Broker) Reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < reconnectMaxAttempts; attempt++ {
		delay := reconnectBaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := b.dial(); err != nil {
			lastErr = err
			b.logger.Warn("broker reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		b.logger.Info("broker reconnected", "attempt", attempt+1)
		return nil
	}
	return fmt.Errorf("broker reconnect exhausted %d attempts: %w", reconnectMaxAttempts, lastErr)
}

// NotifyClose relays the underlying connection's close notifications so
// callers can trigger Reconnect.
func (b *Broker) NotifyClose() chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the channel and connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
