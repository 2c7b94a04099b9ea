package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// dialect holds the statements of one SQL store. Claim locking differs per store:
// Postgres locks the selected rows, SQLite takes the database write lock at BEGIN IMMEDIATE.
type dialect struct {
	name      string
	driver    string
	system    string
	claimSQL  string
	updateSQL string
	schema    []string
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS invoices (
    id BIGINT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'error', 'success')),
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_attempt_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS invoices_claim_idx ON invoices (status, retry_count)`,
}

var dialects = map[string]dialect{
	"postgres": {
		name:   "postgres",
		driver: "postgres",
		system: "postgresql",
		claimSQL: `SELECT id, status, retry_count FROM invoices
             WHERE status = 'pending' OR (status = 'error' AND retry_count < $1)
             ORDER BY id FOR UPDATE SKIP LOCKED`,
		updateSQL: `UPDATE invoices SET status = $1, retry_count = $2, updated_at = $3, last_attempt_at = $4 WHERE id = $5`,
		schema:    postgresSchema,
	},
	"pgx": {
		name:   "pgx",
		driver: "pgx",
		system: "postgresql",
		claimSQL: `SELECT id, status, retry_count FROM invoices
             WHERE status = 'pending' OR (status = 'error' AND retry_count < $1)
             ORDER BY id FOR UPDATE SKIP LOCKED`,
		updateSQL: `UPDATE invoices SET status = $1, retry_count = $2, updated_at = $3, last_attempt_at = $4 WHERE id = $5`,
		schema:    postgresSchema,
	},
	"sqlite": {
		name:   "sqlite",
		driver: "sqlite3",
		system: "sqlite",
		claimSQL: `SELECT id, status, retry_count FROM invoices
             WHERE status = 'pending' OR (status = 'error' AND retry_count < ?)
             ORDER BY id`,
		updateSQL: `UPDATE invoices SET status = ?, retry_count = ?, updated_at = ?, last_attempt_at = ? WHERE id = ?`,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS invoices (
    id INTEGER PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'error', 'success')),
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_attempt_at TIMESTAMP
)`,
			`CREATE INDEX IF NOT EXISTS invoices_claim_idx ON invoices (status, retry_count)`,
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedStore, name)
	}
	return d, nil
}

// SQLGateway implements Gateway over database/sql for Postgres (lib/pq or pgx) and SQLite.
type SQLGateway struct {
	db      *sql.DB
	dialect dialect
}

func NewSQLGateway(db *sql.DB, dialectName string) (*SQLGateway, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	return &SQLGateway{db: db, dialect: d}, nil
}

// CreateSchema creates the invoices table and its claim index when they are missing.
func CreateSchema(ctx context.Context, db *sql.DB, dialectName string) error {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return err
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

func (g *SQLGateway) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "InTx", trace.WithAttributes(
		attribute.String("db.system", g.dialect.system),
	))
	defer span.End()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	if err := fn(ctx, &sqlTx{tx: tx, dialect: g.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("rollback failed", "error", rbErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (g *SQLGateway) Close() error {
	return g.db.Close()
}

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) ClaimEligible(ctx context.Context, maxRetries int) ([]Invoice, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ClaimEligible")
	defer span.End()
	start := time.Now()

	rows, err := t.tx.QueryContext(ctx, t.dialect.claimSQL, maxRetries)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store: claim invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var (
			invoice Invoice
			status  string
		)
		if err := rows.Scan(&invoice.ID, &status, &invoice.RetryCount); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("store: scan invoice: %w", err)
		}
		invoice.Status = Status(status)
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store: claim invoices: %w", err)
	}

	addDBStatsToSpan(span, t.dialect.system, "ClaimEligible", len(invoices), time.Since(start))
	return invoices, nil
}

func (t *sqlTx) ApplyUpdate(ctx context.Context, update Update) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ApplyUpdate", trace.WithAttributes(
		attribute.Int64("invoice.id", update.ID),
	))
	defer span.End()
	start := time.Now()

	at := update.AttemptedAt.UTC()
	res, err := t.tx.ExecContext(ctx, t.dialect.updateSQL,
		string(update.Status), update.RetryCount, at, at, update.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: update invoice %d: %w", update.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: update invoice %d: %w", update.ID, err)
	}
	if affected == 0 {
		err := fmt.Errorf("%w: %d", ErrInvoiceNotFound, update.ID)
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, t.dialect.system, "ApplyUpdate", int(affected), time.Since(start))
	return nil
}
