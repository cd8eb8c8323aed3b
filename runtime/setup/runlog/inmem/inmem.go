// Package inmem provides an in-memory implementation of runlog.Store for
// tests and local runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/agentsetup/runtime/setup/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// events holds each session's events in append order. IDs are 1-based
	// positions.
	events map[string][]*runlog.Event
}

var _ runlog.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{events: make(map[string][]*runlog.Event)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = strconv.Itoa(len(s.events[e.SessionID]) + 1)
	ev := *e
	s.events[e.SessionID] = append(s.events[e.SessionID], &ev)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, sessionID, cursor string, limit int) (runlog.Page, error) {
	if sessionID == "" {
		return runlog.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[sessionID]
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	events := make([]*runlog.Event, 0, end-start)
	for _, e := range all[start:end] {
		ev := *e
		events = append(events, &ev)
	}
	var next string
	if end < len(all) {
		next = events[len(events)-1].ID
	}
	return runlog.Page{Events: events, NextCursor: next}, nil
}
