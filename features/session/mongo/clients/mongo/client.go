// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentsetup/runtime/setup/session"
)

const (
	defaultSessionsCollection = "agent_setup_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

type (
	// Client exposes Mongo-backed operations for setup sessions.
	Client interface {
		health.Pinger

		SaveSession(ctx context.Context, sess *session.Session) error
		LoadSession(ctx context.Context, id string) (*session.Session, error)
		ListSessions(ctx context.Context, status session.Status) ([]*session.Session, error)
	}

	// Options configures the Mongo session client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		sessions collection
		timeout  time.Duration
		now      func() time.Time
	}

	// sessionDocument stores the session with bookkeeping fields. The
	// session ID is the document _id.
	sessionDocument struct {
		session.Session `bson:",inline"`
		UpdatedAt       time.Time `bson:"updated_at"`
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveSession(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	doc := sessionDocument{Session: *sess, UpdatedAt: c.now().UTC()}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.ReplaceOne(ctx, bson.M{"_id": sess.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	out := doc.Session
	return &out, nil
}

func (c *client) ListSessions(ctx context.Context, status session.Status) ([]*session.Session, error) {
	if status == "" {
		return nil, errors.New("status is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.sessions.Find(ctx, bson.M{"status": status}, options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*session.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		s := doc.Session
		out = append(out, &s)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return err
	}
	user := mongodriver.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}
	_, err := coll.Indexes().CreateOne(ctx, user)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: coll,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
