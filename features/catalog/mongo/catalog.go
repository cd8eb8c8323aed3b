// Package mongo provides a MongoDB-backed integration tool catalog. Search
// prefilters candidates with case-insensitive regular expressions on the
// query terms and ranks them with catalog.Rank.
package mongo

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/agentsetup/runtime/setup/catalog"
)

const (
	defaultCollection = "integration_tools"
	defaultTimeout    = 5 * time.Second
	// maxCandidates bounds the documents ranked in memory per search.
	maxCandidates = 500
	clientName    = "catalog-mongo"
)

type (
	// Options configures the Mongo catalog.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Catalog implements catalog.Catalog on a Mongo collection.
	Catalog struct {
		mongo   *mongodriver.Client
		tools   collection
		timeout time.Duration
	}

	// toolDocument keys tools by scope and name. Scope is the workspace ID or
	// empty for global tools.
	toolDocument struct {
		ID           string `bson:"_id"`
		Scope        string `bson:"scope"`
		catalog.Tool `bson:",inline"`
	}

	collection interface {
		Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongodriver.Cursor, error)
		ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	}
)

var _ catalog.Catalog = (*Catalog)(nil)

// New returns a Catalog and ensures its indexes.
func New(ctx context.Context, opts Options) (*Catalog, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	idx := mongodriver.IndexModel{Keys: bson.D{{Key: "scope", Value: 1}, {Key: "name", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ictx, idx); err != nil {
		return nil, err
	}
	return &Catalog{mongo: opts.Client, tools: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (c *Catalog) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Upsert stores tool, replacing any tool with the same workspace and name.
func (c *Catalog) Upsert(ctx context.Context, tool catalog.Tool) error {
	if err := tool.Validate(); err != nil {
		return err
	}
	doc := toolDocument{ID: docID(tool.WorkspaceID, tool.Name), Scope: tool.WorkspaceID, Tool: tool}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.tools.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Search returns the tools of q.WorkspaceID that best match q.Text.
func (c *Catalog) Search(ctx context.Context, q catalog.Query) ([]catalog.Tool, error) {
	terms := catalog.Terms(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.tools.Find(ctx, searchFilter(q.WorkspaceID, terms), options.Find().SetLimit(maxCandidates))
	if err != nil {
		return nil, err
	}
	var docs []toolDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	tools := make([]catalog.Tool, len(docs))
	for i, d := range docs {
		tools[i] = d.Tool
	}
	return catalog.Rank(tools, q.Text, q.TopK), nil
}

func searchFilter(scope string, terms []string) bson.M {
	or := make(bson.A, 0, len(terms)*3)
	for _, term := range terms {
		re := bson.Regex{Pattern: regexp.QuoteMeta(term), Options: "i"}
		or = append(or,
			bson.M{"name": re},
			bson.M{"integration": re},
			bson.M{"description": re},
		)
	}
	return bson.M{"scope": scope, "$or": or}
}

func docID(scope, name string) string {
	if scope == "" {
		return "global/" + name
	}
	return scope + "/" + name
}
