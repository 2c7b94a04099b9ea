package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zoff-tech/invoice-processor/pkg/store"
)

// Publisher sends committed invoice transitions to a message broker.
type Publisher interface {
	// Publish delivers one transition. Delivery is at most once: nothing is retried.
	Publish(ctx context.Context, transition store.Transition) error
	// Close cleans up any resources (connections).
	Close() error
}

// Discard is the Publisher used when no broker is configured.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, store.Transition) error { return nil }
func (discard) Close() error                                   { return nil }

// routingKey groups transitions by the status they moved to, e.g. "invoice.error".
func routingKey(t store.Transition) string {
	return "invoice." + string(t.To)
}

func encode(t store.Transition) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("broker: encode transition of invoice %d: %w", t.InvoiceID, err)
	}
	return body, nil
}
