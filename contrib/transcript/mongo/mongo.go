// Package mongo stores request transcripts in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sweetpotato0/ai-relay/transcript"
)

// Config holds the connection settings.
type Config struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// DefaultConfig returns a local development configuration.
func DefaultConfig() *Config {
	return &Config{
		URI:        "mongodb://localhost:27017",
		Database:   "ai_relay",
		Collection: "transcripts",
	}
}

// document is the stored shape; _id is the request id.
type document struct {
	ID               string `bson:"_id"`
	transcript.Entry `bson:",inline"`
	RecordedAt       time.Time `bson:"recorded_at"`
}

// Store implements transcript.Store on MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ transcript.Store = (*Store)(nil)

// New connects, pings and ensures indexes.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &Store{client: client, collection: client.Database(cfg.Database).Collection(cfg.Collection)}
	if err := s.createIndexes(cctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

// Record upserts the entry.
func (s *Store) Record(ctx context.Context, e *transcript.Entry) error {
	if e == nil || e.RequestID == "" {
		return fmt.Errorf("transcript entry requires a request id")
	}
	doc := document{ID: e.RequestID, Entry: *e, RecordedAt: time.Now()}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": e.RequestID}, doc, opts); err != nil {
		return fmt.Errorf("failed to record transcript: %w", err)
	}
	return nil
}

// Lookup returns the entry recorded for id.
func (s *Store) Lookup(ctx context.Context, id string) (*transcript.Entry, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("request %s: %w", id, transcript.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	return &doc.Entry, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int64) ([]*transcript.Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*transcript.Entry
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode transcript: %w", err)
		}
		entry := doc.Entry
		entries = append(entries, &entry)
	}
	return entries, cursor.Err()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("failed to clear transcripts: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
