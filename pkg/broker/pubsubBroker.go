package broker

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub publishers.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (Publisher, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (Publisher, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	topic := client.Topic(settings.Topic)
	// transitions of one invoice are delivered in the order they were committed
	topic.EnableMessageOrdering = true
	return &pubSubBroker{client: client, topic: topic}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func (p *pubSubBroker) Publish(ctx context.Context, transition store.Transition) error {
	tracer := otel.Tracer("invoice-processor")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.topic.ID()),
			attribute.Int64("invoice.id", transition.InvoiceID),
		),
	)
	defer span.End()

	body, err := encode(transition)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Inject the trace context into the message attributes
	attributes := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	attributes["cycle_id"] = transition.CycleID
	attributes["routing_key"] = routingKey(transition)
	attributes["status"] = string(transition.To)

	message := &pubsub.Message{
		Data:        body,
		Attributes:  attributes,
		OrderingKey: strconv.FormatInt(transition.InvoiceID, 10),
	}

	res := p.topic.Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		// a failed ordered publish pauses its key until resumed
		p.topic.ResumePublish(message.OrderingKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("broker: publish invoice %d: %w", transition.InvoiceID, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)
	return nil
}

func (p *pubSubBroker) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
