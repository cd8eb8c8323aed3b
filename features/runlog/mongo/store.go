package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentsetup/features/runlog/mongo/clients/mongo"
	"goa.design/agentsetup/runtime/setup/runlog"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ runlog.Store = (*Store)(nil)

// NewStore builds a Mongo-backed progress log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// NewStoreFromMongo instantiates the underlying client using the given
// options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(client)
}

// Client returns the underlying client, for use as a health pinger.
func (s *Store) Client() clientsmongo.Client {
	return s.client
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, e *runlog.Event) error {
	return s.client.Append(ctx, e)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, sessionID, cursor string, limit int) (runlog.Page, error) {
	return s.client.List(ctx, sessionID, cursor, limit)
}
