package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
)

// SpannerGateway implements Gateway with Spanner read-write transactions. Read locks are
// shared, so two cycles may read the same invoices; the conflicting writes make Spanner abort
// one of them at commit and replay its transaction function against the committed rows.
type SpannerGateway struct {
	client *spanner.Client
}

func (s *SpannerGateway) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return fn(ctx, &spannerTx{txn: txn})
	})
	return err
}

func (s *SpannerGateway) Close() error {
	s.client.Close()
	return nil
}

type spannerTx struct {
	txn *spanner.ReadWriteTransaction
}

func (t *spannerTx) ClaimEligible(ctx context.Context, maxRetries int) ([]Invoice, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ClaimEligible")
	defer span.End()
	start := time.Now()

	stmt := spanner.Statement{
		SQL: `SELECT id, status, retry_count FROM invoices
              WHERE status = @statusPending OR (status = @statusError AND retry_count < @maxRetries)
              ORDER BY id`,
		Params: map[string]interface{}{
			"statusPending": string(StatusPending),
			"statusError":   string(StatusError),
			"maxRetries":    int64(maxRetries),
		},
	}

	iter := t.txn.Query(ctx, stmt)
	defer iter.Stop()

	var invoices []Invoice
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("store: claim invoices: %w", err)
		}

		var (
			id, retryCount int64
			status         string
		)
		if err := row.Columns(&id, &status, &retryCount); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("store: scan invoice: %w", err)
		}
		invoices = append(invoices, Invoice{ID: id, Status: Status(status), RetryCount: int(retryCount)})
	}

	addDBStatsToSpan(span, "spanner", "ClaimEligible", len(invoices), time.Since(start))
	return invoices, nil
}

func (t *spannerTx) ApplyUpdate(ctx context.Context, update Update) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ApplyUpdate")
	defer span.End()
	start := time.Now()

	stmt := spanner.Statement{
		SQL: `UPDATE invoices SET status = @status, retry_count = @retryCount,
              updated_at = @attemptedAt, last_attempt_at = @attemptedAt WHERE id = @id`,
		Params: map[string]interface{}{
			"status":      string(update.Status),
			"retryCount":  int64(update.RetryCount),
			"attemptedAt": update.AttemptedAt.UTC(),
			"id":          update.ID,
		},
	}
	affected, err := t.txn.Update(ctx, stmt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: update invoice %d: %w", update.ID, err)
	}
	if affected == 0 {
		err := fmt.Errorf("%w: %d", ErrInvoiceNotFound, update.ID)
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "spanner", "ApplyUpdate", int(affected), time.Since(start))
	return nil
}
