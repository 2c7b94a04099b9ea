package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoff-tech/invoice-processor/pkg/config"
)

var ErrUnsupportedBroker = errors.New("unsupported broker type")

// NewPublisher returns the publisher for cfg.Type, or Discard when no broker is configured.
func NewPublisher(ctx context.Context, cfg config.BrokerSettings) (Publisher, error) {
	switch cfg.Type {
	case "":
		return Discard, nil
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, &cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, &cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBroker, cfg.Type)
	}
}
