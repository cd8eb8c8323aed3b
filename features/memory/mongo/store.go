package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentsetup/features/memory/mongo/clients/mongo"
	"goa.design/agentsetup/runtime/setup/stage"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements stage.Memory by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ stage.Memory = (*Store)(nil)

// NewStore builds a Mongo-backed memory store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the underlying client using the given
// options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Remember stores value under key in the memory of the session. Empty values
// are ignored.
func (s *Store) Remember(ctx context.Context, sessionID, key, value string) error {
	if value == "" {
		return nil
	}
	return s.client.SetEntry(ctx, sessionID, key, value)
}

// Recall returns the entries recorded for the session. A session with no
// memory yields an empty map.
func (s *Store) Recall(ctx context.Context, sessionID string) (map[string]string, error) {
	return s.client.Entries(ctx, sessionID)
}
