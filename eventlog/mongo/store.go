package mongo

import (
	"context"
	"errors"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
)

// Store implements eventlog.Store by delegating to a Mongo Client.
type Store struct {
	client Client
}

// NewStore builds a Mongo-backed event log store using the provided client.
func NewStore(client Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("eventlog/mongo: client is required")
	}
	return &Store{client: client}, nil
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, e *eventlog.Event) (ids.ID, error) {
	return s.client.Append(ctx, e)
}

// Read implements eventlog.Store.
func (s *Store) Read(ctx context.Context, executionID ids.ID, fromID ids.ID, limit int) (eventlog.Page, error) {
	return s.client.Read(ctx, executionID, fromID, limit)
}

// Filter implements eventlog.Store.
func (s *Store) Filter(ctx context.Context, executionID ids.ID, f eventlog.Filter) ([]*eventlog.Event, error) {
	return s.client.Filter(ctx, executionID, f)
}

// DropRange implements eventlog.Store.
func (s *Store) DropRange(ctx context.Context, low, high ids.ID) error {
	return s.client.DropRange(ctx, low, high)
}
