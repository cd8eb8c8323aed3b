// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*session.Session
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	if sess == nil {
		return errors.New("session is required")
	}
	if sess.ID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return existing.Clone(), nil
}

// ListByStatus implements session.Store. Results are ordered by session ID.
func (s *Store) ListByStatus(_ context.Context, status session.Status) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
