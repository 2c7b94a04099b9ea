package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

const mongoCollection = "invoices"

// MongoGateway implements Gateway with multi-document transactions (replica set required).
// Claiming writes a claimed_at marker on every selected document; the write locks of the
// transaction make a concurrent claimer of the same documents fail with a write conflict,
// and WithTransaction replays the losing transaction function.
type MongoGateway struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoInvoice struct {
	ID         int64  `bson:"_id"`
	Status     string `bson:"status"`
	RetryCount int    `bson:"retry_count"`
}

func NewMongoGateway(client *mongo.Client, database string) *MongoGateway {
	return &MongoGateway{
		client:     client,
		collection: client.Database(database).Collection(mongoCollection),
	}
}

func (m *MongoGateway) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("store: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{collection: m.collection})
	})
	return err
}

func (m *MongoGateway) Close() error {
	return m.client.Disconnect(context.Background())
}

type mongoTx struct {
	collection *mongo.Collection
}

func (t *mongoTx) ClaimEligible(ctx context.Context, maxRetries int) ([]Invoice, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ClaimEligible")
	defer span.End()
	start := time.Now()

	filter := bson.M{
		"$or": []bson.M{
			{"status": string(StatusPending)},
			{"status": string(StatusError), "retry_count": bson.M{"$lt": maxRetries}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := t.collection.Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store: claim invoices: %w", err)
	}
	defer cursor.Close(ctx)

	var (
		invoices []Invoice
		ids      []int64
	)
	for cursor.Next(ctx) {
		var doc mongoInvoice
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("store: decode invoice: %w", err)
		}
		invoices = append(invoices, Invoice{ID: doc.ID, Status: Status(doc.Status), RetryCount: doc.RetryCount})
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store: claim invoices: %w", err)
	}

	if len(ids) > 0 {
		_, err := t.collection.UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": ids}},
			bson.M{"$set": bson.M{"claimed_at": time.Now().UTC()}})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("store: lock claimed invoices: %w", err)
		}
	}

	addDBStatsToSpan(span, "mongodb", "ClaimEligible", len(invoices), time.Since(start))
	return invoices, nil
}

func (t *mongoTx) ApplyUpdate(ctx context.Context, update Update) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ApplyUpdate")
	defer span.End()
	start := time.Now()

	at := update.AttemptedAt.UTC()
	res, err := t.collection.UpdateOne(ctx,
		bson.M{"_id": update.ID},
		bson.M{"$set": bson.M{
			"status":          string(update.Status),
			"retry_count":     update.RetryCount,
			"updated_at":      at,
			"last_attempt_at": at,
		}})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: update invoice %d: %w", update.ID, err)
	}
	if res.MatchedCount == 0 {
		err := fmt.Errorf("%w: %d", ErrInvoiceNotFound, update.ID)
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "ApplyUpdate", int(res.ModifiedCount), time.Since(start))
	return nil
}
