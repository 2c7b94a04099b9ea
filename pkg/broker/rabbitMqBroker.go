package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

var errBrokerClosed = errors.New("broker: closed")

// amqpChannel is the part of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpDialer opens a connection and a channel on it.
type amqpDialer func() (io.Closer, amqpChannel, error)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (Publisher, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (Publisher, error) {
	dial := func() (io.Closer, amqpChannel, error) {
		conn, err := amqp.Dial(settings.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		go func() {
			for err := range notifyClose {
				slog.Warn("RabbitMQ connection closed", "error", err)
			}
		}()
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
		}
		return conn, ch, nil
	}

	broker := newRabbitMqBroker(settings.Exchange, dial)
	if err := broker.connect(); err != nil {
		return nil, err
	}
	return broker, nil
}

// rabbitMqBroker publishes transitions to a topic exchange. A failed publish drops the
// channel; the next publish dials again.
type rabbitMqBroker struct {
	exchange string
	dial     amqpDialer

	mu      sync.Mutex
	conn    io.Closer
	channel amqpChannel
	closed  bool
}

func newRabbitMqBroker(exchange string, dial amqpDialer) *rabbitMqBroker {
	return &rabbitMqBroker{exchange: exchange, dial: dial}
}

func (r *rabbitMqBroker) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked()
}

func (r *rabbitMqBroker) connectLocked() error {
	if r.closed {
		return errBrokerClosed
	}
	if r.channel != nil {
		return nil
	}
	conn, ch, err := r.dial()
	if err != nil {
		return err
	}
	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = ch.ExchangeDeclare(
		r.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("failed to declare exchange %s: %w", r.exchange, err)
	}
	r.conn, r.channel = conn, ch
	slog.Info("RabbitMQ connection and exchange initialized", "exchange", r.exchange)
	return nil
}

func (r *rabbitMqBroker) dropLocked() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.conn, r.channel = nil, nil
}

func (r *rabbitMqBroker) Publish(ctx context.Context, transition store.Transition) error {
	key := routingKey(transition)
	tracer := otel.Tracer("invoice-processor")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(key),
			attribute.Int64("invoice.id", transition.InvoiceID),
		),
	)
	defer span.End()

	body, err := encode(transition)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Inject the trace context into the message headers
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	headers := amqp.Table{"cycle_id": transition.CycleID}
	for k, v := range traceHeaders {
		headers[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = r.channel.Publish(
		r.exchange, key, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    transition.AttemptedAt,
			Body:         body,
			Headers:      headers,
		},
	)
	if err != nil {
		r.dropLocked()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("broker: publish invoice %d: %w", transition.InvoiceID, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)
	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.channel != nil {
		err = r.channel.Close()
	}
	if r.conn != nil {
		err = errors.Join(err, r.conn.Close())
	}
	r.conn, r.channel = nil, nil
	return err
}
