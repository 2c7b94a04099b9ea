package store

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedStore is returned by NewGateway for an unknown store type.
	ErrUnsupportedStore = errors.New("unsupported store type")
	// ErrInvoiceNotFound is returned when an update matched no row.
	ErrInvoiceNotFound = errors.New("store: invoice not found")
)

// Gateway is the transactional boundary into the invoice store.
type Gateway interface {
	// InTx runs fn inside one transaction. The transaction commits when fn returns nil and
	// rolls back otherwise; nothing fn wrote is persisted on rollback. Implementations may
	// call fn more than once when the store aborts and retries the transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Close releases the underlying connection.
	Close() error
}

// Tx exposes the operations available inside a Gateway transaction.
type Tx interface {
	// ClaimEligible selects every invoice that is pending, or errored with fewer than
	// maxRetries attempts, ordered by id. No two committed transactions claim the same
	// invoice: SQL backends lock the rows until the transaction ends, while Spanner and
	// MongoDB detect the conflict at commit and replay the losing transaction function.
	ClaimEligible(ctx context.Context, maxRetries int) ([]Invoice, error)
	// ApplyUpdate writes the outcome of one claimed invoice.
	ApplyUpdate(ctx context.Context, update Update) error
}
