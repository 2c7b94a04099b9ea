package processor

import (
	"math/rand/v2"

	"github.com/zoff-tech/invoice-processor/pkg/store"
)

// Policy decides whether processing a claimed invoice succeeded. The engine calls it
// exactly once per claimed invoice per cycle.
type Policy func(invoice store.Invoice) bool

// RandomPolicy succeeds with probability successRate, independently of the invoice.
func RandomPolicy(successRate float64) Policy {
	return func(store.Invoice) bool {
		return rand.Float64() < successRate
	}
}
