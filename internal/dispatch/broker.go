package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	amqp "github.com/rabbitmq/amqp091-go"
)

const brokerSinkName = "broker"

// Publisher publishes a message body under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error
}

// BrokerSink publishes every event to a topic exchange as "funnel.<eventName>".
type BrokerSink struct {
	pub Publisher
}

var _ Sink = (*BrokerSink)(nil)

func NewBrokerSink(pub Publisher) *BrokerSink {
	if pub == nil {
		panic("dispatch: publisher must not be nil")
	}
	return &BrokerSink{pub: pub}
}

func (b *BrokerSink) Name() string { return brokerSinkName }

// RoutingKey returns the topic routing key for an event name.
func RoutingKey(name v1.EventName) string {
	return "funnel." + string(name)
}

func (b *BrokerSink) Send(ctx context.Context, evt *v1.TrackedEvent) Result {
	body, err := json.Marshal(evt)
	if err != nil {
		return failure(brokerSinkName, err.Error())
	}

	headers := map[string]any{
		"event_id":    evt.EventID,
		"external_id": evt.UserData.ExternalID,
	}
	if err := b.pub.Publish(ctx, RoutingKey(evt.EventName), body, headers); err != nil {
		slog.Error("[Broker] Publish failed",
			"event_name", evt.EventName,
			"event_id", evt.EventID,
			"error", err)
		return failure(brokerSinkName, err.Error())
	}
	return Result{Sink: brokerSinkName, Success: true}
}

// AMQPPublisher publishes to a RabbitMQ topic exchange with publisher confirms.
type AMQPPublisher struct {
	conn           *amqp.Connection
	channel        *amqp.Channel
	exchange       string
	confirmTimeout time.Duration
	connClosed     chan *amqp.Error
	chanClosed     chan *amqp.Error
	healthy        atomic.Bool
	closeOnce      sync.Once
	done           chan struct{}
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher dials url, declares a durable topic exchange and enables confirms.
func NewAMQPPublisher(url, exchange string, confirmTimeout time.Duration) (*AMQPPublisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	p := &AMQPPublisher{
		conn:           c,
		channel:        ch,
		exchange:       exchange,
		confirmTimeout: confirmTimeout,
		connClosed:     make(chan *amqp.Error, 1),
		chanClosed:     make(chan *amqp.Error, 1),
		done:           make(chan struct{}),
	}
	p.healthy.Store(true)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.healthy.Store(false)
			slog.Warn("[Broker] RabbitMQ connection closed", "error", err)
		case err := <-p.chanClosed:
			p.healthy.Store(false)
			slog.Warn("[Broker] RabbitMQ channel closed", "error", err)
		case <-p.done:
		}
	}()

	slog.Info("[Broker] Connected to RabbitMQ", "exchange", exchange)
	return p, nil
}

// Publish blocks until the broker confirms the message or confirmTimeout elapses.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	if !p.healthy.Load() {
		return errors.New("broker connection is closed")
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers:      amqp.Table(headers),
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return errors.New("RabbitMQ NACK received: message not persisted")
		}
		return nil
	case <-timer.C:
		return errors.New("publisher confirm timeout")
	}
}

// Healthy reports whether the connection and channel are open.
func (p *AMQPPublisher) Healthy() bool {
	return p.healthy.Load()
}

func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}
