// Package keychain is the C4 credential/token cache: named, typed
// credentials and derived tokens with TTL, scope, and auto-renewal, modeled
// after the fetch algorithm in spec.md §4.4. It is grounded on the
// lock-then-derive-then-cache shape of registry/health_tracker.go's
// ping/pong bookkeeping, generalized from toolset health to credential
// freshness, and on registry/store's Store-interface-over-pluggable-backend
// layering (see keychain/store).
package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/telemetry"
)

// Scope bounds an entry's visibility and lifetime, per spec.md §4.4.
type Scope string

const (
	// ScopeLocal entries are bound to one execution and expire when it
	// terminates.
	ScopeLocal Scope = "local"
	// ScopeShared entries are visible across an execution tree (a parent
	// and its sub-playbook children).
	ScopeShared Scope = "shared"
	// ScopeGlobal entries live until the underlying token's own expiry.
	ScopeGlobal Scope = "global"
)

// Key identifies a cached entry: a credential name scoped to a catalog
// entry and, for local/shared scope, an execution (tree).
type Key struct {
	Name      string
	CatalogID string
	ScopeKey  string // execution id (local) or execution tree root id (shared); empty for global
}

// String renders the key in the "name:catalog_id:scope_key" form used as
// the broker K/V key `keychain:<name>:<catalog_id>:<scope_key>` (§6.2).
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Name, k.CatalogID, k.ScopeKey)
}

// Entry is a cached, decrypted credential or token plus its bookkeeping.
type Entry struct {
	Key         Key
	Scope       Scope
	Payload     []byte
	Schema      json.RawMessage
	ExpiresAt   time.Time
	AutoRenew   bool
	RenewMargin time.Duration // re-derive once this much of the TTL remains

	CreatedAt   time.Time
	AccessCount int64
	LastAccess  time.Time
}

// Expired reports whether e's TTL has elapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// NeedsRenewal reports whether e has crossed its renewal margin: auto-renew
// is enabled and at least 90% (by default, via RenewMargin) of its TTL has
// elapsed.
func (e Entry) NeedsRenewal(createdAt, now time.Time) bool {
	if !e.AutoRenew || e.ExpiresAt.IsZero() {
		return false
	}
	total := e.ExpiresAt.Sub(createdAt)
	if total <= 0 {
		return true
	}
	remaining := e.ExpiresAt.Sub(now)
	return remaining <= e.RenewMargin
}

// Store persists entries keyed by Key, without regard to encryption (the
// Keychain encrypts Payload before Put and decrypts after Get).
type Store interface {
	Get(ctx context.Context, key Key) (StoredEntry, bool, error)
	Put(ctx context.Context, key Key, entry StoredEntry) error
	Delete(ctx context.Context, key Key) error
}

// StoredEntry is the at-rest representation: Payload is the encrypted
// credential/token bytes.
type StoredEntry struct {
	Scope       Scope
	Payload     []byte
	Schema      json.RawMessage
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AutoRenew   bool
	RenewMargin time.Duration
	AccessCount int64
	LastAccess  time.Time
}

// SecretResolver resolves a raw secret by name from the credential store
// (step 2, "raw secrets" branch of §4.4).
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (payload []byte, ttl time.Duration, err error)
}

// ProviderSpec configures a derived-token request (step 2, "derived tokens"
// branch): an HTTP endpoint, method, headers, and a body template resolved
// against the credential's own configuration before the call is made.
type ProviderSpec struct {
	Name   string
	Method string
	URL    string
	Header map[string]string
	Body   json.RawMessage
}

// TokenResponse is a derived token and its lifetime.
type TokenResponse struct {
	Payload   []byte
	ExpiresIn time.Duration
}

// TokenProvider derives a token by calling an external credential provider.
type TokenProvider interface {
	Derive(ctx context.Context, spec ProviderSpec) (TokenResponse, error)
}

// Cipher encrypts/decrypts payloads at rest.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Keychain implements the C4 fetch algorithm.
type Keychain struct {
	store    Store
	secrets  SecretResolver
	provider TokenProvider
	cipher   Cipher
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	now      func() time.Time

	defaultRenewMargin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-Key derive lock, per §5 "Shared-resource policy"
}

// Option configures a Keychain.
type Option func(*Keychain)

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option { return func(k *Keychain) { k.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(k *Keychain) { k.metrics = m } }

// WithSecretResolver sets the raw-secret resolver.
func WithSecretResolver(r SecretResolver) Option { return func(k *Keychain) { k.secrets = r } }

// WithTokenProvider sets the derived-token provider.
func WithTokenProvider(p TokenProvider) Option { return func(k *Keychain) { k.provider = p } }

// WithDefaultRenewMargin overrides the default 10%-of-TTL renewal margin.
func WithDefaultRenewMargin(d time.Duration) Option {
	return func(k *Keychain) { k.defaultRenewMargin = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option { return func(k *Keychain) { k.now = now } }

// New builds a Keychain over store, encrypting entries with cipher.
func New(store Store, cipher Cipher, opts ...Option) *Keychain {
	k := &Keychain{
		store:  store,
		cipher: cipher,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = telemetry.NoopLogger{}
	}
	if k.metrics == nil {
		k.metrics = telemetry.NoopMetrics{}
	}
	return k
}

// FetchOptions parameterizes a Fetch call for the raw-secret vs
// derived-token branches of step 2.
type FetchOptions struct {
	Scope    Scope
	Derived  bool
	Provider ProviderSpec
	// Schema, when non-nil, validates the resolved/derived payload; a
	// mismatch raises CredentialSchemaError.
	Schema      json.RawMessage
	AutoRenew   bool
	RenewMargin time.Duration
}

// Fetch implements the four-step algorithm from spec.md §4.4: serve a
// cached, unexpired entry; otherwise resolve (raw secret or derived token),
// encrypt, and cache it; and transparently re-derive when auto-renew is on
// and the entry has crossed its renewal margin.
func (k *Keychain) Fetch(ctx context.Context, key Key, opts FetchOptions) ([]byte, error) {
	lock := k.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := k.now()

	stored, found, err := k.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(errors.KindCredentialFailure, "keychain: load entry", err)
	}
	if found && !entryExpired(stored, now) {
		renew := stored.AutoRenew && remainingFraction(stored, now) <= 0
		if !renew {
			plaintext, err := k.decryptAndValidate(stored, opts.Schema)
			if err != nil {
				return nil, err
			}
			stored.AccessCount++
			stored.LastAccess = now
			if err := k.store.Put(ctx, key, stored); err != nil {
				k.logger.Warn(ctx, "keychain: update access counters failed", "key", key.String(), "error", err)
			}
			return plaintext, nil
		}
	}

	payload, ttl, err := k.resolve(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	if opts.Schema != nil {
		if err := validateSchema(opts.Schema, payload); err != nil {
			return nil, errors.Wrap(errors.KindCredentialSchema, "keychain: schema validation", err)
		}
	}
	ciphertext, err := k.cipher.Encrypt(payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindCredentialFailure, "keychain: encrypt", err)
	}
	margin := opts.RenewMargin
	if margin <= 0 {
		margin = k.defaultRenewMargin
	}
	if margin <= 0 && ttl > 0 {
		margin = ttl / 10 // 90% of TTL elapsed, matching spec.md §4.4 step 4's "≥ 90%"
	}
	newEntry := StoredEntry{
		Scope:       opts.Scope,
		Payload:     ciphertext,
		Schema:      opts.Schema,
		CreatedAt:   now,
		AutoRenew:   opts.AutoRenew,
		RenewMargin: margin,
		AccessCount: 1,
		LastAccess:  now,
	}
	if ttl > 0 {
		newEntry.ExpiresAt = now.Add(ttl)
	}
	if err := k.store.Put(ctx, key, newEntry); err != nil {
		return nil, errors.Wrap(errors.KindCredentialFailure, "keychain: store entry", err)
	}
	k.metrics.IncCounter("keychain.derive", 1, "scope", string(opts.Scope))
	return payload, nil
}

// Invalidate deletes a cached entry immediately, e.g. when its owning
// execution terminates (local scope lifecycle, §3.3).
func (k *Keychain) Invalidate(ctx context.Context, key Key) error {
	return k.store.Delete(ctx, key)
}

func (k *Keychain) resolve(ctx context.Context, key Key, opts FetchOptions) ([]byte, time.Duration, error) {
	if opts.Derived {
		if k.provider == nil {
			return nil, 0, errors.New(errors.KindCredentialFailure, "keychain: no token provider configured")
		}
		resp, err := k.provider.Derive(ctx, opts.Provider)
		if err != nil {
			return nil, 0, errors.Wrap(errors.KindCredentialFailure, "keychain: derive token", err)
		}
		return resp.Payload, resp.ExpiresIn, nil
	}
	if k.secrets == nil {
		return nil, 0, errors.New(errors.KindCredentialFailure, "keychain: no secret resolver configured")
	}
	payload, ttl, err := k.secrets.Resolve(ctx, key.Name)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindCredentialFailure, "keychain: resolve secret", err)
	}
	return payload, ttl, nil
}

func (k *Keychain) decryptAndValidate(stored StoredEntry, schema json.RawMessage) ([]byte, error) {
	plaintext, err := k.cipher.Decrypt(stored.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindCredentialFailure, "keychain: decrypt", err)
	}
	if schema != nil {
		if err := validateSchema(schema, plaintext); err != nil {
			return nil, errors.Wrap(errors.KindCredentialSchema, "keychain: schema validation", err)
		}
	}
	return plaintext, nil
}

func (k *Keychain) lockFor(key Key) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := key.String()
	l, ok := k.locks[s]
	if !ok {
		l = &sync.Mutex{}
		k.locks[s] = l
	}
	return l
}

func entryExpired(e StoredEntry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func remainingFraction(e StoredEntry, now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return e.RenewMargin + 1 // never renews: treat as ample remaining time
	}
	return e.ExpiresAt.Sub(now) - e.RenewMargin
}

func validateSchema(schema json.RawMessage, payload []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("keychain-schema.json", toJSONAny(schema)); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	sch, err := compiler.Compile("keychain-schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return sch.Validate(doc)
}

func toJSONAny(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}
