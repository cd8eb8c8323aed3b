package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentsetup/features/session/mongo/clients/mongo"
	"goa.design/agentsetup/runtime/setup/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Save replaces the stored snapshot of s.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return errors.New("session is required")
	}
	return s.client.SaveSession(ctx, sess)
}

// Load retrieves a session snapshot.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	return s.client.LoadSession(ctx, id)
}

// ListByStatus returns the sessions in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	return s.client.ListSessions(ctx, status)
}
