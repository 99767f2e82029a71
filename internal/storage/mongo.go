package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rickgao/binary-engine/internal/model"
)

const duplicateKeyCode = 11000

// mongoCandle is the stored document shape.
type mongoCandle struct {
	Instrument  string               `bson:"instrument"`
	TimeframeMs int64                `bson:"timeframe_ms"`
	BucketStart int64                `bson:"bucket_start"`
	Open        primitive.Decimal128 `bson:"open"`
	High        primitive.Decimal128 `bson:"high"`
	Low         primitive.Decimal128 `bson:"low"`
	Close       primitive.Decimal128 `bson:"close"`
	Volume      int64                `bson:"volume"`
}

// Mongo stores candles in one MongoDB collection.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// OpenMongo connects, pings and ensures the unique series index.
func OpenMongo(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*Mongo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "instrument", Value: 1},
			{Key: "timeframe_ms", Value: 1},
			{Key: "bucket_start", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("series_bucket"),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create candle index: %w", err)
	}

	return &Mongo{
		client:     client,
		collection: coll,
		logger:     logger.With("component", "mongo_candles"),
	}, nil
}

// InsertCandles implements Durable with an unordered InsertMany.
// Duplicate-key rows are re-read and compared.
func (m *Mongo) InsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	docs := make([]interface{}, len(candles))
	for i, c := range candles {
		if err := ValidateCandle(c); err != nil {
			return err
		}
		doc, err := toMongoCandle(c)
		if err != nil {
			return err
		}
		docs[i] = doc
	}

	_, err := m.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return fmt.Errorf("insert candles: %w", err)
	}

	var conflicts []model.Candle
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return fmt.Errorf("insert candles: %w", err)
		}
		c := candles[we.Index]
		stored, err := m.QueryCandles(ctx, c.Instrument, c.Timeframe, Range{From: c.BucketStart, To: c.BucketEnd()})
		if err != nil {
			return err
		}
		if len(stored) != 1 || !stored[0].SameContent(c) {
			conflicts = append(conflicts, c)
		}
	}
	return conflictError(conflicts)
}

// QueryCandles implements Durable.
func (m *Mongo) QueryCandles(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error) {
	filter := bson.M{
		"instrument":   instrument,
		"timeframe_ms": tf.Millis(),
		"bucket_start": bson.M{"$gte": r.From, "$lt": r.To},
	}
	cursor, err := m.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "bucket_start", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoCandle
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	out := make([]model.Candle, 0, len(docs))
	for _, d := range docs {
		c, err := candleFromText(instrument, tf, d.BucketStart,
			[4]string{d.Open.String(), d.High.String(), d.Low.String(), d.Close.String()}, d.Volume)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// LatestCandle implements Durable.
func (m *Mongo) LatestCandle(ctx context.Context, instrument string, tf model.Timeframe) (model.Candle, bool, error) {
	filter := bson.M{"instrument": instrument, "timeframe_ms": tf.Millis()}
	opts := options.FindOne().SetSort(bson.D{{Key: "bucket_start", Value: -1}})

	var d mongoCandle
	err := m.collection.FindOne(ctx, filter, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("query latest candle: %w", err)
	}
	c, err := candleFromText(instrument, tf, d.BucketStart,
		[4]string{d.Open.String(), d.High.String(), d.Low.String(), d.Close.String()}, d.Volume)
	if err != nil {
		return model.Candle{}, false, err
	}
	return c, true, nil
}

// Close implements Durable.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func toMongoCandle(c model.Candle) (mongoCandle, error) {
	var prices [4]primitive.Decimal128
	for i, d := range []decimal.Decimal{c.Open, c.High, c.Low, c.Close} {
		p, err := primitive.ParseDecimal128(d.String())
		if err != nil {
			return mongoCandle{}, fmt.Errorf("encode candle price %s: %w", d, err)
		}
		prices[i] = p
	}
	return mongoCandle{
		Instrument:  c.Instrument,
		TimeframeMs: c.Timeframe.Millis(),
		BucketStart: c.BucketStart,
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		Volume:      c.Volume,
	}, nil
}
