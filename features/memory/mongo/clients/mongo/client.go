// Package mongo implements the low-level MongoDB client used by the memory store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "agent_setup_memory"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for task memory.
type Client interface {
	health.Pinger

	// SetEntry records value under key for the session, replacing any
	// previous value.
	SetEntry(ctx context.Context, sessionID, key, value string) error
	// Entries returns the memory of the session.
	Entries(ctx context.Context, sessionID string) (map[string]string, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
	now     func() time.Time
}

type memoryDocument struct {
	SessionID string            `bson:"_id"`
	Entries   map[string]string `bson:"entries"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SetEntry(ctx context.Context, sessionID, key, value string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"entries." + key: value,
			"updated_at":     c.now().UTC(),
		},
	}
	_, err := c.coll.UpdateOne(ctx, bson.M{"_id": sessionID}, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) Entries(ctx context.Context, sessionID string) (map[string]string, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc memoryDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if doc.Entries == nil {
		return map[string]string{}, nil
	}
	return doc.Entries, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// validateKey rejects keys MongoDB would read as a path or an operator.
func validateKey(key string) error {
	switch {
	case key == "":
		return errors.New("memory key is required")
	case strings.ContainsRune(key, '.'), strings.HasPrefix(key, "$"):
		return fmt.Errorf("invalid memory key %q", key)
	}
	return nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{Keys: bson.D{{Key: "updated_at", Value: 1}}}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
