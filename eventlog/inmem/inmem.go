// Package inmem provides an in-memory eventlog.Store for tests and local
// development. It is not durable and is unsuitable for production use.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
)

type terminalKey struct {
	execution ids.ID
	nodeID    string
}

// Store implements eventlog.Store in memory, keyed by execution id.
type Store struct {
	mu sync.Mutex

	alloc *ids.Allocator

	// events holds every execution's log, ordered by append order (which is
	// also EventID order since ids from alloc are strictly increasing).
	events map[ids.ID][]*eventlog.Event

	// terminalSeen records which (execution, node_id) pairs have already
	// produced a terminal event, so any later terminal append for the same
	// node_id is discarded rather than appended a second time.
	terminalSeen map[terminalKey]struct{}
}

// New returns an empty in-memory store. shard identifies this store's slice
// of the id space, mirroring the shard an engine replica would own.
func New(shard int) *Store {
	return &Store{
		alloc:        ids.New(shard),
		events:       make(map[ids.ID][]*eventlog.Event),
		terminalSeen: make(map[terminalKey]struct{}),
	}
}

// Append implements eventlog.Store.
func (s *Store) Append(_ context.Context, e *eventlog.Event) (ids.ID, error) {
	if e == nil {
		return 0, fmt.Errorf("eventlog: event is required")
	}
	if e.ExecutionID == 0 {
		return 0, fmt.Errorf("eventlog: execution_id is required")
	}
	if e.Type == "" {
		return 0, fmt.Errorf("eventlog: event type is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Status.Terminal() && e.NodeID != "" {
		key := terminalKey{execution: e.ExecutionID, nodeID: e.NodeID}
		if _, dup := s.terminalSeen[key]; dup {
			// First writer already recorded this terminal event; discard
			// the duplicate without error so a racing worker's retry is a
			// no-op from its point of view.
			return e.EventID, nil
		}
		s.terminalSeen[key] = struct{}{}
	}

	id := s.alloc.Next()
	e.EventID = id
	stored := *e
	s.events[e.ExecutionID] = append(s.events[e.ExecutionID], &stored)
	return id, nil
}

// Read implements eventlog.Store.
func (s *Store) Read(_ context.Context, executionID ids.ID, fromID ids.ID, limit int) (eventlog.Page, error) {
	if limit <= 0 {
		return eventlog.Page{}, fmt.Errorf("eventlog: limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[executionID]
	start := sort.Search(len(all), func(i int) bool {
		return all[i].EventID > fromID
	})
	if start >= len(all) {
		return eventlog.Page{}, nil
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := append([]*eventlog.Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = page[len(page)-1].EventID.String()
	}
	return eventlog.Page{Events: page, NextCursor: next}, nil
}

// Filter implements eventlog.Store.
func (s *Store) Filter(_ context.Context, executionID ids.ID, f eventlog.Filter) ([]*eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*eventlog.Event
	for _, e := range s.events[executionID] {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DropRange implements eventlog.Store.
func (s *Store) DropRange(_ context.Context, low, high ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for execID := range s.events {
		if execID >= low && execID <= high {
			delete(s.events, execID)
		}
	}
	return nil
}
