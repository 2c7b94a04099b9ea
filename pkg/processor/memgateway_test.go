package processor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

var errConnectionReset = errors.New("connection reset")

// memGateway is an in-memory store with serialized, all-or-nothing transactions.
type memGateway struct {
	mu   sync.Mutex // held for a whole transaction, which makes every claim exclusive
	rows map[int64]store.Invoice

	failUpdate  map[int64]error
	claimExtra  []store.Invoice // returned by claims regardless of eligibility
	failTx      atomic.Int32 // number of upcoming transactions that fail to begin
	entered     chan struct{} // receives once per transaction when set
	release     chan struct{} // transactions wait on it after claiming when set
	claimedWith []int
	active      atomic.Int32
	maxActive   atomic.Int32
	deadlines   []bool
	fired       chan time.Time
}

func newMemGateway(invoices ...store.Invoice) *memGateway {
	g := &memGateway{
		rows:       map[int64]store.Invoice{},
		failUpdate: map[int64]error{},
		fired:      make(chan time.Time, 256),
	}
	for _, invoice := range invoices {
		g.rows[invoice.ID] = invoice
	}
	return g
}

func (g *memGateway) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	n := g.active.Add(1)
	for {
		cur := g.maxActive.Load()
		if n <= cur || g.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	defer g.active.Add(-1)

	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case g.fired <- time.Now():
	default:
	}
	_, hasDeadline := ctx.Deadline()
	g.deadlines = append(g.deadlines, hasDeadline)
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.failTx.Load() > 0 {
		g.failTx.Add(-1)
		return errConnectionReset
	}

	tx := &memTx{g: g, rows: maps.Clone(g.rows)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	g.rows = tx.rows
	return nil
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) Get(ctx context.Context, cfg config.Settings) (store.Gateway, error) {
	return g, nil
}

// snapshot must not be called while a transaction is blocked on release.
func (g *memGateway) snapshot() map[int64]store.Invoice {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.rows)
}

func (g *memGateway) claims() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.claimedWith)
}

type memTx struct {
	g    *memGateway
	rows map[int64]store.Invoice
}

func (t *memTx) ClaimEligible(ctx context.Context, maxRetries int) ([]store.Invoice, error) {
	t.g.claimedWith = append(t.g.claimedWith, maxRetries)
	var claimed []store.Invoice
	for _, id := range slices.Sorted(maps.Keys(t.rows)) {
		if invoice := t.rows[id]; invoice.Eligible(maxRetries) {
			claimed = append(claimed, invoice)
		}
	}
	claimed = append(claimed, t.g.claimExtra...)
	if t.g.release != nil {
		<-t.g.release
	}
	return claimed, nil
}

func (t *memTx) ApplyUpdate(ctx context.Context, update store.Update) error {
	if err := t.g.failUpdate[update.ID]; err != nil {
		return err
	}
	invoice, ok := t.rows[update.ID]
	if !ok {
		return fmt.Errorf("%w: %d", store.ErrInvoiceNotFound, update.ID)
	}
	invoice.Status = update.Status
	invoice.RetryCount = update.RetryCount
	invoice.UpdatedAt = update.AttemptedAt
	invoice.LastAttemptAt = update.AttemptedAt
	t.rows[update.ID] = invoice
	return nil
}

// replayingGateway runs every transaction function twice, the way Spanner and MongoDB
// retry after an aborted commit: the first run is thrown away, the second commits.
type replayingGateway struct {
	*memGateway
	replays int
}

func (g *replayingGateway) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	g.mu.Lock()
	aborted := &memTx{g: g.memGateway, rows: maps.Clone(g.rows)}
	err := fn(ctx, aborted)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.replays++
	return g.memGateway.InTx(ctx, fn)
}
