// Package replicated is a replicated-map backed keychain.Store, grounded on
// registry/store/replicated: entries live in a Pulse rmap.Map (Redis-backed),
// making shared-scope credentials visible to every engine replica and
// durable across process restarts. Local-scope entries are typically kept in
// keychain/store/memory instead, since they die with their execution anyway;
// this store exists for keychain.ScopeShared and keychain.ScopeGlobal.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noetl/noetl/keychain"
)

// Map is the minimal replicated-map contract this store needs. It is
// satisfied by *rmap.Map from goa.design/pulse/rmap, and defined locally so
// the store is unit-testable without Redis.
type Map interface {
	Delete(ctx context.Context, key string) (string, error)
	Get(key string) (string, bool)
	Keys() []string
	Set(ctx context.Context, key, value string) (string, error)
}

const keyPrefix = "keychain:entry:"

// Store persists keychain entries in a replicated map.
type Store struct {
	m Map
}

// New builds a Store over m.
func New(m Map) *Store {
	return &Store{m: m}
}

// Get implements keychain.Store.
func (s *Store) Get(ctx context.Context, key keychain.Key) (keychain.StoredEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return keychain.StoredEntry{}, false, err
	}
	val, ok := s.m.Get(mapKey(key))
	if !ok {
		return keychain.StoredEntry{}, false, nil
	}
	var e keychain.StoredEntry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return keychain.StoredEntry{}, false, fmt.Errorf("keychain/replicated: unmarshal entry %s: %w", key, err)
	}
	return e, true, nil
}

// Put implements keychain.Store.
func (s *Store) Put(ctx context.Context, key keychain.Key, entry keychain.StoredEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("keychain/replicated: marshal entry %s: %w", key, err)
	}
	if _, err := s.m.Set(ctx, mapKey(key), string(b)); err != nil {
		return fmt.Errorf("keychain/replicated: store entry %s: %w", key, err)
	}
	return nil
}

// Delete implements keychain.Store.
func (s *Store) Delete(ctx context.Context, key keychain.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.m.Delete(ctx, mapKey(key)); err != nil {
		return fmt.Errorf("keychain/replicated: delete entry %s: %w", key, err)
	}
	return nil
}

// DeleteScope removes every entry whose scope key matches scopeKey.
func (s *Store) DeleteScope(ctx context.Context, scopeKey string) error {
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		if !strings.HasSuffix(k, ":"+scopeKey) {
			continue
		}
		if _, err := s.m.Delete(ctx, k); err != nil {
			return fmt.Errorf("keychain/replicated: delete scope %s: %w", scopeKey, err)
		}
	}
	return nil
}

func mapKey(key keychain.Key) string {
	return keyPrefix + key.String()
}

var _ keychain.Store = (*Store)(nil)
