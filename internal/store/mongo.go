package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"evse-controller/pkg/types"
)

// MongoConfig locates the session collection.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
	AppName    string
}

// MongoStore writes session records to MongoDB.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoStore connects, pings the primary and indexes ended_at.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout)
	if cfg.AppName != "" {
		opts.SetAppName(cfg.AppName)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ended_at", Value: -1}},
	})
	if err != nil {
		log.WithError(err).Warn("Failed to create session index")
	}

	log.WithFields(log.Fields{
		"database":   cfg.Database,
		"collection": cfg.Collection,
	}).Info("Connected to session database")

	return &MongoStore{client: client, collection: coll, timeout: timeout}, nil
}

func (s *MongoStore) Save(ctx context.Context, rec types.SessionRecord) error {
	if rec.SessionID == "" {
		return ErrEmptySessionID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}
	log.WithFields(log.Fields{
		"session_id": rec.SessionID,
		"reason":     rec.Reason,
	}).Debug("Session record saved")
	return nil
}

func (s *MongoStore) Recent(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "ended_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	defer cur.Close(ctx)

	var out []types.SessionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode session records: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	log.Info("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
