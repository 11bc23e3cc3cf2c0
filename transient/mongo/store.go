// Package mongo is the C5 Transient Variables durable write-through
// backend, grounded on features/memory/mongo's Options/Client split and its
// clients/mongo.Client (FindOne/UpdateOne with upsert, health.Pinger),
// re-keyed from (agent_id, run_id) to (execution_id, var_name).
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

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/transient"
)

const (
	defaultCollection = "transient_variables"
	defaultTimeout    = 5 * time.Second
	clientName        = "transient-mongo"
)

// Options configures the Mongo-backed transient variable store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements transient.Durable against MongoDB.
type Store struct {
	mongo      *mongodriver.Client
	collection *mongodriver.Collection
	timeout    time.Duration
}

type variableDocument struct {
	ID          string    `bson:"_id"`
	ExecutionID int64     `bson:"execution_id"`
	Name        string    `bson:"name"`
	Kind        string    `bson:"kind"`
	Value       []byte    `bson:"value"`
	TTLNanos    int64     `bson:"ttl_ns"`
	CreatedAt   time.Time `bson:"created_at"`
	AccessCount int64     `bson:"access_count"`
	AccessedAt  time.Time `bson:"accessed_at,omitempty"`
}

// New builds a Store, creating an execution_id index used by
// DeleteExecution.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("transient/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("transient/mongo: database is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "execution_id", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("transient/mongo: create index: %w", err)
	}

	return &Store{mongo: opts.Client, collection: coll, timeout: timeout}, nil
}

// Load implements transient.Durable.
func (s *Store) Load(ctx context.Context, executionID ids.ID, name string) (transient.Variable, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc variableDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": docID(executionID, name)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return transient.Variable{}, false, nil
		}
		return transient.Variable{}, false, fmt.Errorf("transient/mongo: load %s/%s: %w", executionID, name, err)
	}
	return fromDocument(doc), true, nil
}

// Store implements transient.Durable.
func (s *Store) Store(ctx context.Context, v transient.Variable) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toDocument(v)
	upsert := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, upsert); err != nil {
		return fmt.Errorf("transient/mongo: store %s/%s: %w", v.ExecutionID, v.Name, err)
	}
	return nil
}

// Delete implements transient.Durable.
func (s *Store) Delete(ctx context.Context, executionID ids.ID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": docID(executionID, name)}); err != nil {
		return fmt.Errorf("transient/mongo: delete %s/%s: %w", executionID, name, err)
	}
	return nil
}

// DeleteExecution implements transient.Durable.
func (s *Store) DeleteExecution(ctx context.Context, executionID ids.ID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collection.DeleteMany(ctx, bson.M{"execution_id": int64(executionID)}); err != nil {
		return fmt.Errorf("transient/mongo: delete execution %s: %w", executionID, err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

func docID(executionID ids.ID, name string) string {
	return fmt.Sprintf("%d:%s", int64(executionID), name)
}

func toDocument(v transient.Variable) variableDocument {
	return variableDocument{
		ID:          docID(v.ExecutionID, v.Name),
		ExecutionID: int64(v.ExecutionID),
		Name:        v.Name,
		Kind:        string(v.Kind),
		Value:       v.Value,
		TTLNanos:    int64(v.TTL),
		CreatedAt:   v.CreatedAt,
		AccessCount: v.AccessCount,
		AccessedAt:  v.AccessedAt,
	}
}

func fromDocument(doc variableDocument) transient.Variable {
	return transient.Variable{
		ExecutionID: ids.ID(doc.ExecutionID),
		Name:        doc.Name,
		Kind:        transient.Kind(doc.Kind),
		Value:       doc.Value,
		TTL:         time.Duration(doc.TTLNanos),
		CreatedAt:   doc.CreatedAt,
		AccessCount: doc.AccessCount,
		AccessedAt:  doc.AccessedAt,
	}
}

var (
	_ transient.Durable = (*Store)(nil)
	_ health.Pinger     = (*Store)(nil)
)
