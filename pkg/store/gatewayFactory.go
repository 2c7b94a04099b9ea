package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/invoice-processor/pkg/config"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

var sqlOpen = sql.Open

var NewSpannerGatewayFactory = func(client *spanner.Client) Gateway {
	return &SpannerGateway{client: client}
}

// NewGateway opens a Gateway for cfg.StoreType at cfg.ConnectionTarget.
func NewGateway(ctx context.Context, cfg config.Settings) (Gateway, error) {
	switch cfg.StoreType {
	case "postgres", "pgx", "sqlite":
		db, err := OpenDB(cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLGateway(db, cfg.StoreType)
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.ConnectionTarget)
		if err != nil {
			return nil, fmt.Errorf("store: spanner client: %w", err)
		}
		return NewSpannerGatewayFactory(client), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.ConnectionTarget))
		if err != nil {
			return nil, fmt.Errorf("store: mongo client: %w", err)
		}
		return NewMongoGateway(client, cfg.Mongo.Database), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStore, cfg.StoreType)
	}
}

// OpenDB opens the database/sql handle of a SQL store type.
func OpenDB(cfg config.Settings) (*sql.DB, error) {
	d, err := lookupDialect(cfg.StoreType)
	if err != nil {
		return nil, err
	}
	dsn := cfg.ConnectionTarget
	if d.name == "sqlite" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlOpen(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d.name, err)
	}
	return db, nil
}

// sqliteDSN makes every transaction start with BEGIN IMMEDIATE so a claim holds the
// database write lock, and lets waiting claimers block instead of failing with SQLITE_BUSY.
func sqliteDSN(target string) string {
	dsn := target
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	var params []string
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
