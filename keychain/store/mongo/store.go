// Package mongo provides the MongoDB-backed C4 Keychain store, grounded on
// registry/store/mongo's Replace-with-upsert/FindOne/DeleteOne shape, moved
// onto the mongo-driver/v2 Options/Client layering used throughout this
// module (see resultstore/mongo and eventlog/mongo) and re-keyed from
// toolset name to keychain.Key (name, catalog id, scope key).
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

	"github.com/noetl/noetl/keychain"
)

const (
	defaultCollection = "keychain_entries"
	defaultTimeout    = 5 * time.Second
	clientName        = "keychain-mongo"
)

// Options configures the Mongo-backed keychain store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a MongoDB-backed keychain.Store.
type Store struct {
	mongo      *mongodriver.Client
	collection *mongodriver.Collection
	timeout    time.Duration
}

type entryDocument struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	CatalogID   string    `bson:"catalog_id"`
	ScopeKey    string    `bson:"scope_key"`
	Scope       string    `bson:"scope"`
	Payload     []byte    `bson:"payload"`
	Schema      []byte    `bson:"schema,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at,omitempty"`
	AutoRenew   bool      `bson:"auto_renew"`
	RenewMargin int64     `bson:"renew_margin_ns"`
	AccessCount int64     `bson:"access_count"`
	LastAccess  time.Time `bson:"last_access,omitempty"`
}

// New builds a Store, creating the keychain_entries collection's indexes:
// a scope_key index (for DeleteScope sweeps) and an expires_at index (for
// periodic expiry cleanup).
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("keychain/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("keychain/mongo: database is required")
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

	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "scope_key", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("keychain/mongo: create indexes: %w", err)
	}

	return &Store{mongo: opts.Client, collection: coll, timeout: timeout}, nil
}

// Get implements keychain.Store.
func (s *Store) Get(ctx context.Context, key keychain.Key) (keychain.StoredEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc entryDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": docID(key)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return keychain.StoredEntry{}, false, nil
		}
		return keychain.StoredEntry{}, false, fmt.Errorf("keychain/mongo: get %s: %w", key, err)
	}
	return fromDocument(doc), true, nil
}

// Put implements keychain.Store.
func (s *Store) Put(ctx context.Context, key keychain.Key, entry keychain.StoredEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toDocument(key, entry)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("keychain/mongo: put %s: %w", key, err)
	}
	return nil
}

// Delete implements keychain.Store.
func (s *Store) Delete(ctx context.Context, key keychain.Key) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": docID(key)}); err != nil {
		return fmt.Errorf("keychain/mongo: delete %s: %w", key, err)
	}
	return nil
}

// DeleteScope removes every entry whose scope key matches scopeKey, e.g.
// when an execution owning local-scoped credentials terminates.
func (s *Store) DeleteScope(ctx context.Context, scopeKey string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collection.DeleteMany(ctx, bson.M{"scope_key": scopeKey}); err != nil {
		return fmt.Errorf("keychain/mongo: delete scope %s: %w", scopeKey, err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

func docID(key keychain.Key) string { return key.String() }

func toDocument(key keychain.Key, e keychain.StoredEntry) entryDocument {
	return entryDocument{
		ID:          docID(key),
		Name:        key.Name,
		CatalogID:   key.CatalogID,
		ScopeKey:    key.ScopeKey,
		Scope:       string(e.Scope),
		Payload:     e.Payload,
		Schema:      e.Schema,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
		AutoRenew:   e.AutoRenew,
		RenewMargin: int64(e.RenewMargin),
		AccessCount: e.AccessCount,
		LastAccess:  e.LastAccess,
	}
}

func fromDocument(doc entryDocument) keychain.StoredEntry {
	return keychain.StoredEntry{
		Scope:       keychain.Scope(doc.Scope),
		Payload:     doc.Payload,
		Schema:      doc.Schema,
		CreatedAt:   doc.CreatedAt,
		ExpiresAt:   doc.ExpiresAt,
		AutoRenew:   doc.AutoRenew,
		RenewMargin: time.Duration(doc.RenewMargin),
		AccessCount: doc.AccessCount,
		LastAccess:  doc.LastAccess,
	}
}

var (
	_ keychain.Store = (*Store)(nil)
	_ health.Pinger  = (*Store)(nil)
)
