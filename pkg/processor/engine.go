package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

// ErrIneligibleClaim is returned when a gateway hands out an invoice the cycle may not process.
var ErrIneligibleClaim = errors.New("processor: claimed invoice is not eligible")

// Publisher receives the transitions of a committed cycle.
type Publisher interface {
	Publish(ctx context.Context, transition store.Transition) error
}

// Engine reconciles claimed invoices. It keeps no state between cycles other than the
// published CycleStats snapshot.
type Engine struct {
	policy    Policy
	stats     *StatsStore
	publisher Publisher
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Engine)

// WithPublisher sends every committed transition to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the time source used for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(policy Policy, stats *StatsStore, opts ...Option) *Engine {
	e := &Engine{
		policy: policy,
		stats:  stats,
		tracer: otel.Tracer("invoice-processor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns the latest committed cycle snapshot.
func (e *Engine) Stats() CycleStats {
	return e.stats.Load()
}

// Decide computes the outcome written for a claimed invoice. A success is terminal and
// keeps the retry count; a failure moves the invoice to error and counts the attempt.
func Decide(invoice store.Invoice, succeeded bool, at time.Time) store.Update {
	if succeeded {
		return store.Update{ID: invoice.ID, Status: store.StatusSuccess, RetryCount: invoice.RetryCount, AttemptedAt: at}
	}
	return store.Update{ID: invoice.ID, Status: store.StatusError, RetryCount: invoice.RetryCount + 1, AttemptedAt: at}
}

// RunCycle claims every eligible invoice in one transaction and writes the next state of
// each. cfg is the snapshot taken at cycle start. Any failure rolls the whole cycle back,
// leaves the published stats untouched and is returned.
func (e *Engine) RunCycle(ctx context.Context, gw store.Gateway, cfg config.Settings) (CycleStats, error) {
	cycleID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "RunCycle", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.Int("cycle.max_retries", cfg.MaxRetries),
	))
	defer span.End()

	txCtx := ctx
	if cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, cfg.TxTimeout)
		defer cancel()
	}

	slog.Info("cycle started", "cycle_id", cycleID, "max_retries", cfg.MaxRetries)

	var (
		stats       CycleStats
		transitions []store.Transition
		// outcomes survive replays so the policy decides each invoice once per cycle
		outcomes = map[int64]bool{}
	)
	err := gw.InTx(txCtx, func(ctx context.Context, tx store.Tx) error {
		// the gateway may replay this function, so start from scratch every time
		stats = CycleStats{}
		transitions = transitions[:0]

		invoices, err := tx.ClaimEligible(ctx, cfg.MaxRetries)
		if err != nil {
			return err
		}
		stats.LastClaimedCount = len(invoices)

		for _, invoice := range invoices {
			transition, err := e.reconcile(ctx, tx, cycleID, invoice, cfg.MaxRetries, outcomes)
			if err != nil {
				return err
			}
			if transition.To == store.StatusSuccess {
				stats.LastSuccessCount++
			} else {
				stats.LastErrorCount++
			}
			transitions = append(transitions, transition)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("cycle failed, transaction rolled back", "cycle_id", cycleID, "error", err)
		return CycleStats{}, fmt.Errorf("processor: cycle %s: %w", cycleID, err)
	}

	e.stats.Store(stats)
	span.SetAttributes(
		attribute.Int("cycle.claimed", stats.LastClaimedCount),
		attribute.Int("cycle.success", stats.LastSuccessCount),
		attribute.Int("cycle.error", stats.LastErrorCount),
	)
	slog.Info("cycle completed",
		"cycle_id", cycleID,
		"claimed", stats.LastClaimedCount,
		"success", stats.LastSuccessCount,
		"error", stats.LastErrorCount)

	for _, transition := range transitions {
		slog.Info("invoice processed",
			"cycle_id", cycleID,
			"invoice_id", transition.InvoiceID,
			"from", transition.From,
			"attempt", transition.RetryCount,
			"to", transition.To)
	}
	e.publish(context.WithoutCancel(ctx), transitions)
	return stats, nil
}

// reconcile writes the outcome of one claimed invoice. An outcome drawn by an earlier
// attempt of the same cycle is reused from outcomes.
func (e *Engine) reconcile(ctx context.Context, tx store.Tx, cycleID string, invoice store.Invoice, maxRetries int, outcomes map[int64]bool) (store.Transition, error) {
	ctx, span := e.tracer.Start(ctx, "ReconcileInvoice", trace.WithAttributes(
		attribute.Int64("invoice.id", invoice.ID),
		attribute.String("invoice.status", string(invoice.Status)),
		attribute.Int("invoice.retry_count", invoice.RetryCount),
	))
	defer span.End()

	if !invoice.Eligible(maxRetries) {
		err := fmt.Errorf("%w: invoice %d status=%s retry_count=%d",
			ErrIneligibleClaim, invoice.ID, invoice.Status, invoice.RetryCount)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return store.Transition{}, err
	}

	succeeded, decided := outcomes[invoice.ID]
	if !decided {
		succeeded = e.policy(invoice)
		outcomes[invoice.ID] = succeeded
	}
	span.SetAttributes(attribute.Bool("invoice.replayed", decided))

	update := Decide(invoice, succeeded, e.now())
	if err := tx.ApplyUpdate(ctx, update); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return store.Transition{}, err
	}

	return store.Transition{
		CycleID:     cycleID,
		InvoiceID:   invoice.ID,
		From:        invoice.Status,
		To:          update.Status,
		RetryCount:  update.RetryCount,
		AttemptedAt: update.AttemptedAt,
	}, nil
}

// publish is best effort: the cycle is already committed.
func (e *Engine) publish(ctx context.Context, transitions []store.Transition) {
	if e.publisher == nil {
		return
	}
	for _, transition := range transitions {
		if err := e.publisher.Publish(ctx, transition); err != nil {
			slog.Warn("failed to publish invoice transition",
				"cycle_id", transition.CycleID,
				"invoice_id", transition.InvoiceID,
				"error", err)
		}
	}
}
