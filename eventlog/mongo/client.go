// Package mongo implements the low-level MongoDB-backed client for the
// event log, wired to eventlog.Store by store.go in this package.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
)

// Client exposes Mongo-backed operations for the event log. It mirrors
// eventlog.Store's method set plus a health.Pinger so it can be registered
// with the same readiness checks as every other durable backend.
type Client interface {
	health.Pinger

	Append(ctx context.Context, e *eventlog.Event) (ids.ID, error)
	Read(ctx context.Context, executionID ids.ID, fromID ids.ID, limit int) (eventlog.Page, error)
	Filter(ctx context.Context, executionID ids.ID, f eventlog.Filter) ([]*eventlog.Event, error)
	DropRange(ctx context.Context, low, high ids.ID) error
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration

	// Shard identifies this replica's slice of the id space for EventID
	// allocation. Required; there is no safe default since two replicas
	// sharing a shard would collide.
	Shard int
}

type client struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
	alloc   *ids.Allocator
}

type eventDocument struct {
	ExecutionID     int64           `bson:"execution_id"`
	EventID         int64           `bson:"event_id"`
	ParentEventID   int64           `bson:"parent_event_id,omitempty"`
	ParentExecution int64           `bson:"parent_execution_id,omitempty"`
	CreatedAt       time.Time       `bson:"created_at"`
	Type            string          `bson:"type"`
	NodeID          string          `bson:"node_id,omitempty"`
	NodeName        string          `bson:"node_name,omitempty"`
	NodeType        string          `bson:"node_type,omitempty"`
	Status          string          `bson:"status,omitempty"`
	DurationMS      int64           `bson:"duration_ms,omitempty"`
	WorkerID        string          `bson:"worker_id,omitempty"`
	CurrentIndex    int             `bson:"current_index"`
	HasIndex        bool            `bson:"has_index"`
	LoopName        string          `bson:"loop_name,omitempty"`
	Result          []byte          `bson:"result,omitempty"`
	Context         []byte          `bson:"context,omitempty"`
	Error           []byte          `bson:"error,omitempty"`
}

const (
	defaultCollection = "events"
	defaultTimeout    = 5 * time.Second
	clientName        = "eventlog-mongo"
)

// New returns a Client backed by the provided MongoDB client, creating the
// compound index on (execution_id, event_id) the Read/Filter paths rely on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("eventlog/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("eventlog/mongo: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "event_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("eventlog/mongo: create index: %w", err)
	}

	// A second, non-unique index on (execution_id, node_id, type) backs
	// both the idempotency check in Append and the Filter path.
	byNode := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "node_id", Value: 1},
			{Key: "type", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, byNode); err != nil {
		return nil, fmt.Errorf("eventlog/mongo: create node index: %w", err)
	}

	return &client{
		mongo:   opts.Client,
		coll:    coll,
		timeout: timeout,
		alloc:   ids.New(opts.Shard),
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *eventlog.Event) (ids.ID, error) {
	if e == nil {
		return 0, errors.New("eventlog/mongo: event is required")
	}
	if e.ExecutionID == 0 {
		return 0, errors.New("eventlog/mongo: execution_id is required")
	}
	if e.Type == "" {
		return 0, errors.New("eventlog/mongo: event type is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if e.Status.Terminal() && e.NodeID != "" {
		count, err := c.coll.CountDocuments(ctx, bson.M{
			"execution_id": int64(e.ExecutionID),
			"node_id":      e.NodeID,
			"status": bson.M{"$in": []string{
				string(eventlog.StatusCompleted), string(eventlog.StatusFailed),
				string(eventlog.StatusCancelled), string(eventlog.StatusSkipped),
			}},
		})
		if err != nil {
			return 0, fmt.Errorf("eventlog/mongo: idempotency check: %w", err)
		}
		if count > 0 {
			return e.EventID, nil
		}
	}

	id := c.alloc.Next()
	e.EventID = id
	if e.CreatedAt.IsZero() {
		e.CreatedAt = id.Time()
	}

	doc := toDocument(e)
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("eventlog/mongo: insert: %w", err)
	}
	return id, nil
}

func (c *client) Read(ctx context.Context, executionID ids.ID, fromID ids.ID, limit int) (eventlog.Page, error) {
	if limit <= 0 {
		return eventlog.Page{}, errors.New("eventlog/mongo: limit must be > 0")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"execution_id": int64(executionID),
		"event_id":     bson.M{"$gt": int64(fromID)},
	}
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "event_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return eventlog.Page{}, fmt.Errorf("eventlog/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var events []*eventlog.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return eventlog.Page{}, fmt.Errorf("eventlog/mongo: decode: %w", err)
		}
		events = append(events, fromDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return eventlog.Page{}, err
	}

	var next string
	if len(events) > limit {
		next = events[limit-1].EventID.String()
		events = events[:limit]
	}
	return eventlog.Page{Events: events, NextCursor: next}, nil
}

func (c *client) Filter(ctx context.Context, executionID ids.ID, f eventlog.Filter) ([]*eventlog.Event, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"execution_id": int64(executionID)}
	if f.NodeID != "" {
		filter["node_id"] = f.NodeID
	}
	if f.LoopName != "" {
		filter["loop_name"] = f.LoopName
	}
	if f.Type != "" {
		filter["type"] = string(f.Type)
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}

	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("eventlog/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var events []*eventlog.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("eventlog/mongo: decode: %w", err)
		}
		events = append(events, fromDocument(&doc))
	}
	return events, cur.Err()
}

func (c *client) DropRange(ctx context.Context, low, high ids.ID) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.DeleteMany(ctx, bson.M{
		"execution_id": bson.M{"$gte": int64(low), "$lte": int64(high)},
	})
	if err != nil {
		return fmt.Errorf("eventlog/mongo: drop range: %w", err)
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func toDocument(e *eventlog.Event) eventDocument {
	return eventDocument{
		ExecutionID:     int64(e.ExecutionID),
		EventID:         int64(e.EventID),
		ParentEventID:   int64(e.ParentEventID),
		ParentExecution: int64(e.ParentExecution),
		CreatedAt:       e.CreatedAt.UTC(),
		Type:            string(e.Type),
		NodeID:          e.NodeID,
		NodeName:        e.NodeName,
		NodeType:        e.NodeType,
		Status:          string(e.Status),
		DurationMS:      e.Duration.Milliseconds(),
		WorkerID:        e.WorkerID,
		CurrentIndex:    e.CurrentIndex,
		HasIndex:        e.HasIndex,
		LoopName:        e.LoopName,
		Result:          append([]byte(nil), e.Result...),
		Context:         append([]byte(nil), e.Context...),
		Error:           append([]byte(nil), e.Error...),
	}
}

func fromDocument(doc *eventDocument) *eventlog.Event {
	return &eventlog.Event{
		ExecutionID:     ids.ID(doc.ExecutionID),
		EventID:         ids.ID(doc.EventID),
		ParentEventID:   ids.ID(doc.ParentEventID),
		ParentExecution: ids.ID(doc.ParentExecution),
		CreatedAt:       doc.CreatedAt,
		Type:            eventlog.EventType(doc.Type),
		NodeID:          doc.NodeID,
		NodeName:        doc.NodeName,
		NodeType:        doc.NodeType,
		Status:          eventlog.Status(doc.Status),
		Duration:        time.Duration(doc.DurationMS) * time.Millisecond,
		WorkerID:        doc.WorkerID,
		CurrentIndex:    doc.CurrentIndex,
		HasIndex:        doc.HasIndex,
		LoopName:        doc.LoopName,
		Result:          append([]byte(nil), doc.Result...),
		Context:         append([]byte(nil), doc.Context...),
		Error:           append([]byte(nil), doc.Error...),
	}
}
