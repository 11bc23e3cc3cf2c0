// Package mongo provides the MongoDB-backed C3 Result Store components: a
// metadata Index and an object-tier Backend, grounded on the session-store
// layering of features/run/mongo (Options/Client split, health.Pinger,
// compound indexes, timeout-wrapped operations) but re-pointed at
// ResultRef/Manifest metadata instead of agent run records.
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
	"github.com/noetl/noetl/resultstore"
)

const (
	defaultRefsCollection     = "result_refs"
	defaultPayloadsCollection = "result_payloads"
	defaultTimeout            = 5 * time.Second
	clientName                = "resultstore-mongo"
)

// Options configures the Mongo-backed result store components.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	RefsCollection     string
	PayloadsCollection string
	Timeout            time.Duration
}

// Store implements both resultstore.Index (metadata) and resultstore.Backend
// (the object tier) against MongoDB, so a single Mongo deployment can serve
// as the Result Store's durable metadata index and its largest-payload tier.
type Store struct {
	mongo    *mongodriver.Client
	refs     *mongodriver.Collection
	payloads *mongodriver.Collection
	timeout  time.Duration
}

type refDocument struct {
	ExecutionID int64     `bson:"execution_id"`
	Name        string    `bson:"name"`
	ID          int64     `bson:"id"`
	Scope       string    `bson:"scope"`
	Tier        string    `bson:"tier"`
	Size        int       `bson:"size"`
	Preview     []byte    `bson:"preview,omitempty"`
	ExpiresAt   time.Time `bson:"expires_at,omitempty"`

	Manifest    bool           `bson:"manifest,omitempty"`
	Strategy    string         `bson:"strategy,omitempty"`
	ArrayPath   string         `bson:"array_path,omitempty"`
	Closed      bool           `bson:"closed,omitempty"`
	CompletedAt time.Time      `bson:"completed_at,omitempty"`
	Parts       map[string]int64 `bson:"parts,omitempty"` // slot index (as string key) -> part id
}

type payloadDocument struct {
	Key     string `bson:"key"`
	Payload []byte `bson:"payload"`
}

// New builds a Store, creating the indexes Get/ByExecution/Expired rely on.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("resultstore/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("resultstore/mongo: database name is required")
	}
	refsColl := opts.RefsCollection
	if refsColl == "" {
		refsColl = defaultRefsCollection
	}
	payloadsColl := opts.PayloadsCollection
	if payloadsColl == "" {
		payloadsColl = defaultPayloadsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	refs := db.Collection(refsColl)
	payloads := db.Collection(payloadsColl)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	refIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "name", Value: 1}, {Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := refs.Indexes().CreateOne(ctx, refIndex); err != nil {
		return nil, fmt.Errorf("resultstore/mongo: create ref index: %w", err)
	}
	byExec := mongodriver.IndexModel{Keys: bson.D{{Key: "execution_id", Value: 1}}}
	if _, err := refs.Indexes().CreateOne(ctx, byExec); err != nil {
		return nil, fmt.Errorf("resultstore/mongo: create execution index: %w", err)
	}
	byExpiry := mongodriver.IndexModel{Keys: bson.D{{Key: "expires_at", Value: 1}}}
	if _, err := refs.Indexes().CreateOne(ctx, byExpiry); err != nil {
		return nil, fmt.Errorf("resultstore/mongo: create expiry index: %w", err)
	}
	payloadIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := payloads.Indexes().CreateOne(ctx, payloadIndex); err != nil {
		return nil, fmt.Errorf("resultstore/mongo: create payload index: %w", err)
	}

	return &Store{mongo: opts.Client, refs: refs, payloads: payloads, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Store)(nil)

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// --- resultstore.Backend (object tier): payload bytes keyed by ResultRef URI ---

// Put implements resultstore.Backend.
func (s *Store) Put(ctx context.Context, key string, payload []byte, _ time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := payloadDocument{Key: key, Payload: payload}
	_, err := s.payloads.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("resultstore/mongo: put payload: %w", err)
	}
	return nil
}

// Get implements resultstore.Backend.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc payloadDocument
	if err := s.payloads.FindOne(ctx, bson.M{"key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("resultstore/mongo: get payload: %w", err)
	}
	return doc.Payload, true, nil
}

// Delete implements resultstore.Backend.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.payloads.DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return fmt.Errorf("resultstore/mongo: delete payload: %w", err)
	}
	return nil
}

// --- resultstore.Index: metadata ---

// PutRef backs Index.Put (resultstore.Index).
func (s *Store) PutRef(ctx context.Context, executionID ids.ID, ref resultstore.ResultRef) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := toRefDocument(executionID, ref)
	_, err := s.refs.UpdateOne(ctx,
		bson.M{"execution_id": int64(executionID), "name": ref.Name, "id": int64(ref.ID)},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("resultstore/mongo: put ref: %w", err)
	}
	return nil
}

// GetRef backs Index.Get (resultstore.Index).
func (s *Store) GetRef(ctx context.Context, executionID ids.ID, name string, id ids.ID) (resultstore.ResultRef, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc refDocument
	err := s.refs.FindOne(ctx, bson.M{"execution_id": int64(executionID), "name": name, "id": int64(id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return resultstore.ResultRef{}, false, nil
		}
		return resultstore.ResultRef{}, false, fmt.Errorf("resultstore/mongo: get ref: %w", err)
	}
	return fromRefDocument(doc), true, nil
}

// NewManifestRef implements resultstore.Index.
func (s *Store) NewManifestRef(ctx context.Context, executionID ids.ID, ref resultstore.ResultRef, strategy resultstore.Strategy, arrayPath string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := toRefDocument(executionID, ref)
	doc.Manifest = true
	doc.Strategy = string(strategy)
	doc.ArrayPath = arrayPath
	doc.Parts = map[string]int64{}
	_, err := s.refs.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("resultstore/mongo: new manifest: %w", err)
	}
	return nil
}

// PutManifestPart implements resultstore.Index. A $set on parts.<index> lets
// out-of-order async iterations write their own slot without a read-modify-
// write race; the closed check rejects writes to a finalized manifest.
func (s *Store) PutManifestPart(ctx context.Context, manifestRef resultstore.ResultRef, index int, partID ids.ID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	key := fmt.Sprintf("parts.%d", index)
	res, err := s.refs.UpdateOne(ctx,
		bson.M{
			"execution_id": int64(manifestRef.ExecutionID),
			"name":         manifestRef.Name,
			"id":           int64(manifestRef.ID),
			"closed":       bson.M{"$ne": true},
		},
		bson.M{"$set": bson.M{key: int64(partID)}})
	if err != nil {
		return fmt.Errorf("resultstore/mongo: put manifest part: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("resultstore/mongo: manifest %s closed or missing", manifestRef.URI())
	}
	return nil
}

// ManifestState implements resultstore.Index.
func (s *Store) ManifestState(ctx context.Context, manifestRef resultstore.ResultRef) ([]ids.ID, bool, resultstore.Strategy, string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc refDocument
	err := s.refs.FindOne(ctx, bson.M{
		"execution_id": int64(manifestRef.ExecutionID),
		"name":         manifestRef.Name,
		"id":           int64(manifestRef.ID),
	}).Decode(&doc)
	if err != nil {
		return nil, false, "", "", fmt.Errorf("resultstore/mongo: manifest state: %w", err)
	}
	var maxIdx int
	for k := range doc.Parts {
		var i int
		if _, err := fmt.Sscanf(k, "%d", &i); err == nil && i+1 > maxIdx {
			maxIdx = i + 1
		}
	}
	parts := make([]ids.ID, maxIdx)
	for k, v := range doc.Parts {
		var i int
		if _, err := fmt.Sscanf(k, "%d", &i); err == nil {
			parts[i] = ids.ID(v)
		}
	}
	return parts, doc.Closed, resultstore.Strategy(doc.Strategy), doc.ArrayPath, nil
}

// CloseManifestRef implements resultstore.Index.
func (s *Store) CloseManifestRef(ctx context.Context, manifestRef resultstore.ResultRef, at time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.refs.UpdateOne(ctx,
		bson.M{
			"execution_id": int64(manifestRef.ExecutionID),
			"name":         manifestRef.Name,
			"id":           int64(manifestRef.ID),
			"closed":       bson.M{"$ne": true},
		},
		bson.M{"$set": bson.M{"closed": true, "completed_at": at.UTC()}})
	if err != nil {
		return false, fmt.Errorf("resultstore/mongo: close manifest: %w", err)
	}
	return res.MatchedCount == 0, nil
}

// ByExecution implements resultstore.Index.
func (s *Store) ByExecution(ctx context.Context, executionID ids.ID) ([]resultstore.ResultRef, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.refs.Find(ctx, bson.M{"execution_id": int64(executionID)})
	if err != nil {
		return nil, fmt.Errorf("resultstore/mongo: by execution: %w", err)
	}
	defer cur.Close(ctx)
	var out []resultstore.ResultRef
	for cur.Next(ctx) {
		var doc refDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromRefDocument(doc))
	}
	return out, cur.Err()
}

// Expired implements resultstore.Index.
func (s *Store) Expired(ctx context.Context, before time.Time) ([]resultstore.ResultRef, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.refs.Find(ctx, bson.M{
		"scope":      bson.M{"$ne": string(resultstore.ScopePermanent)},
		"expires_at": bson.M{"$gt": time.Time{}, "$lt": before.UTC()},
	})
	if err != nil {
		return nil, fmt.Errorf("resultstore/mongo: expired: %w", err)
	}
	defer cur.Close(ctx)
	var out []resultstore.ResultRef
	for cur.Next(ctx) {
		var doc refDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromRefDocument(doc))
	}
	return out, cur.Err()
}

// DeleteRef implements resultstore.Index.
func (s *Store) DeleteRef(ctx context.Context, executionID ids.ID, name string, id ids.ID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.refs.DeleteOne(ctx, bson.M{"execution_id": int64(executionID), "name": name, "id": int64(id)})
	if err != nil {
		return fmt.Errorf("resultstore/mongo: delete ref: %w", err)
	}
	return nil
}

// Index adapts Store to resultstore.Index. It exists as a separate type
// because Store already implements resultstore.Backend, and Go does not
// allow two interfaces with overlapping method names but different
// signatures (Put/Get) on the same type.
type Index struct {
	store *Store
}

// NewIndex wraps store as a resultstore.Index.
func NewIndex(store *Store) *Index { return &Index{store: store} }

// Put implements resultstore.Index.
func (x *Index) Put(ctx context.Context, executionID ids.ID, ref resultstore.ResultRef) error {
	return x.store.PutRef(ctx, executionID, ref)
}

// Get implements resultstore.Index.
func (x *Index) Get(ctx context.Context, executionID ids.ID, name string, id ids.ID) (resultstore.ResultRef, bool, error) {
	return x.store.GetRef(ctx, executionID, name, id)
}

// NewManifest implements resultstore.Index.
func (x *Index) NewManifest(ctx context.Context, executionID ids.ID, ref resultstore.ResultRef, strategy resultstore.Strategy, arrayPath string) error {
	return x.store.NewManifestRef(ctx, executionID, ref, strategy, arrayPath)
}

// PutPart implements resultstore.Index.
func (x *Index) PutPart(ctx context.Context, manifestRef resultstore.ResultRef, index int, partID ids.ID) error {
	return x.store.PutManifestPart(ctx, manifestRef, index, partID)
}

// Manifest implements resultstore.Index.
func (x *Index) Manifest(ctx context.Context, manifestRef resultstore.ResultRef) ([]ids.ID, bool, resultstore.Strategy, string, error) {
	return x.store.ManifestState(ctx, manifestRef)
}

// Close implements resultstore.Index.
func (x *Index) Close(ctx context.Context, manifestRef resultstore.ResultRef, at time.Time) (bool, error) {
	return x.store.CloseManifestRef(ctx, manifestRef, at)
}

// ByExecution implements resultstore.Index.
func (x *Index) ByExecution(ctx context.Context, executionID ids.ID) ([]resultstore.ResultRef, error) {
	return x.store.ByExecution(ctx, executionID)
}

// Expired implements resultstore.Index.
func (x *Index) Expired(ctx context.Context, before time.Time) ([]resultstore.ResultRef, error) {
	return x.store.Expired(ctx, before)
}

// Delete implements resultstore.Index.
func (x *Index) Delete(ctx context.Context, executionID ids.ID, name string, id ids.ID) error {
	return x.store.DeleteRef(ctx, executionID, name, id)
}

var (
	_ resultstore.Backend = (*Store)(nil)
	_ resultstore.Index   = (*Index)(nil)
)

func toRefDocument(executionID ids.ID, ref resultstore.ResultRef) refDocument {
	return refDocument{
		ExecutionID: int64(executionID),
		Name:        ref.Name,
		ID:          int64(ref.ID),
		Scope:       string(ref.Scope),
		Tier:        string(ref.Tier),
		Size:        ref.Size,
		Preview:     append([]byte(nil), ref.Preview...),
		ExpiresAt:   ref.ExpiresAt.UTC(),
	}
}

func fromRefDocument(doc refDocument) resultstore.ResultRef {
	return resultstore.ResultRef{
		ExecutionID: ids.ID(doc.ExecutionID),
		Name:        doc.Name,
		ID:          ids.ID(doc.ID),
		Scope:       resultstore.Scope(doc.Scope),
		Tier:        resultstore.Tier(doc.Tier),
		Size:        doc.Size,
		Preview:     append([]byte(nil), doc.Preview...),
		ExpiresAt:   doc.ExpiresAt,
	}
}
