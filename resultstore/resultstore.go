// Package resultstore is the tiered result store (C3): a metadata index
// over pluggable physical backends that lets the event log stay compact
// while large step outputs and fan-out manifests live out-of-band. Callers
// never address a backend directly; they always go through a ResultRef.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl/internal/ids"
)

// Scope bounds a ResultRef's lifetime. CleanupExecution removes step- and
// execution-scoped refs; it leaves workflow-scoped refs in place, and no
// code here removes them when a workflow's executions end.
type Scope string

const (
	ScopeStep       Scope = "step"
	ScopeExecution  Scope = "execution"
	ScopeWorkflow   Scope = "workflow"
	ScopePermanent  Scope = "permanent"
)

// Tier names the physical backend a ResultRef's payload lives in.
type Tier string

const (
	TierInline Tier = "inline"
	TierKV     Tier = "kv"
	TierObject Tier = "object"
	// TierManifest marks a ResultRef that addresses a manifest rather than
	// a single payload; it never selects a Backend directly.
	TierManifest Tier = "manifest"
)

// Hint lets a caller override the size-based tier heuristic, e.g. a worker
// that already knows a payload will be fetched many times may hint TierKV
// even for a small payload to avoid event log churn.
type Hint string

const (
	HintAuto   Hint = ""
	HintInline Hint = "inline"
	HintKV     Hint = "kv"
	HintObject Hint = "object"
)

// Default tier thresholds, overridable via Options.
const (
	DefaultInlineThreshold = 4 * 1024
	DefaultKVThreshold     = 512 * 1024
)

// ResultRef is the logical pointer returned by every write operation. Its
// URI form is opaque outside this package: noetl://execution/<id>/result/<name>/<id>.
type ResultRef struct {
	ExecutionID ids.ID
	Name        string
	ID          ids.ID
	Scope       Scope
	Tier        Tier
	Size        int
	// Preview holds up to 1 KiB of the payload for UIs that want to show a
	// snippet without a full fetch.
	Preview   []byte
	ExpiresAt time.Time
}

// URI renders ref in its canonical noetl:// form.
func (ref ResultRef) URI() string {
	return fmt.Sprintf("noetl://execution/%s/result/%s/%s", ref.ExecutionID, ref.Name, ref.ID)
}

// ParseRef parses a noetl:// URI back into its execution/name/id components.
// Tier, Size, and Preview are not recoverable from the URI alone; callers
// that need them should keep the ResultRef returned by Put.
func ParseRef(uri string) (ResultRef, error) {
	const prefix = "noetl://execution/"
	if !strings.HasPrefix(uri, prefix) {
		return ResultRef{}, fmt.Errorf("resultstore: not a result ref: %q", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/result/", 2)
	if len(parts) != 2 {
		return ResultRef{}, fmt.Errorf("resultstore: malformed result ref: %q", uri)
	}
	execID, err := parseID(parts[0])
	if err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: malformed execution id in %q: %w", uri, err)
	}
	nameAndID := strings.SplitN(parts[1], "/", 2)
	if len(nameAndID) != 2 {
		return ResultRef{}, fmt.Errorf("resultstore: malformed result ref: %q", uri)
	}
	id, err := parseID(nameAndID[1])
	if err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: malformed result id in %q: %w", uri, err)
	}
	return ResultRef{ExecutionID: execID, Name: nameAndID[0], ID: id}, nil
}

func parseID(s string) (ids.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ids.ID(n), nil
}

// IsRef reports whether refLike is a noetl:// result reference as opposed to
// an inline JSON value. Resolve uses this to decide whether to fetch from a
// backend or decode refLike directly.
func IsRef(refLike string) bool {
	return strings.HasPrefix(refLike, "noetl://")
}

// Strategy names how a Manifest's parts combine into one logical value when
// resolved as a whole. append/concat join arrays (concat additionally
// reaching into each part at ArrayPath before joining); merge shallow-merges
// object parts; replace keeps only the last part.
type Strategy string

const (
	StrategyAppend  Strategy = "append"
	StrategyReplace Strategy = "replace"
	StrategyMerge   Strategy = "merge"
	StrategyConcat  Strategy = "concat"
)

// Manifest is the closed, ordered view of a fan-out's parts. It is only
// available after CloseManifest; before that, parts may still be arriving.
// A manifest is closed exactly once: Closed reports it, and PutPart rejects
// further parts once it is set. The Index records the close time, but a
// loaded Manifest does not carry it: CompletedAt stays the zero time.
type Manifest struct {
	Ref         ResultRef
	Parts       []ResultRef
	Strategy    Strategy
	ArrayPath   string
	Closed      bool
	CompletedAt time.Time
}

// Part is one item of a Stream sequence. Err is set, and Payload is nil,
// when a single part fails to resolve; the sequence still continues so one
// missing part does not hide the rest.
type Part struct {
	Index   int
	Payload []byte
	Err     error
}

// Store is the C3 Result Store contract. Implementations choose a physical
// tier per write using the inline/KV threshold heuristic (requested hint
// first, then payload size) and hide that choice behind ResultRef.
type Store interface {
	// Put stores payload under (executionID, name) at the tier selected by
	// hint and size, returning its ResultRef.
	Put(ctx context.Context, executionID ids.ID, name string, scope Scope, payload []byte, hint Hint) (ResultRef, error)

	// Get fetches the payload a ResultRef points to.
	Get(ctx context.Context, ref ResultRef) ([]byte, error)

	// NewManifest allocates an empty, open manifest that PutPart appends to.
	// strategy and arrayPath are fixed at creation and apply when a closed
	// manifest's parts are combined (see Resolve).
	NewManifest(ctx context.Context, executionID ids.ID, name string, scope Scope, strategy Strategy, arrayPath string) (ResultRef, error)

	// PutPart stores one part of an open manifest at the given index, tiered
	// independently of the manifest's own siblings so one oversized part
	// does not force every part into the object tier.
	PutPart(ctx context.Context, manifestRef ResultRef, index int, payload []byte, hint Hint) (ResultRef, error)

	// CloseManifest finalizes a manifest, fixing its part order. Further
	// PutPart calls against a closed manifest fail.
	CloseManifest(ctx context.Context, manifestRef ResultRef) (Manifest, error)

	// Stream returns a finite, non-restartable lazy sequence of a closed
	// manifest's parts in index order. The channel closes once every part
	// has been delivered (or failed).
	Stream(ctx context.Context, manifestRef ResultRef) (<-chan Part, error)

	// Resolve decodes refLike, which is either a noetl:// ResultRef URI or
	// an inline JSON value, into its payload. If refLike addresses a closed
	// manifest, its parts are combined per the manifest's Strategy before
	// being returned as one JSON value.
	Resolve(ctx context.Context, refLike string) (json.RawMessage, error)

	// CleanupExecution removes every ResultRef and manifest owned by
	// executionID whose scope is step or execution. Workflow- and
	// permanent-scoped refs are untouched.
	CleanupExecution(ctx context.Context, executionID ids.ID) error
}

// SelectTier applies the tier selection heuristic: requested hint first,
// then size against the given thresholds.
func SelectTier(hint Hint, size int, inlineThreshold, kvThreshold int) Tier {
	switch hint {
	case HintInline:
		return TierInline
	case HintKV:
		return TierKV
	case HintObject:
		return TierObject
	}
	switch {
	case size <= inlineThreshold:
		return TierInline
	case size <= kvThreshold:
		return TierKV
	default:
		return TierObject
	}
}

// Preview truncates payload to at most 1 KiB for ResultRef.Preview.
func Preview(payload []byte) []byte {
	const max = 1024
	if len(payload) <= max {
		return append([]byte(nil), payload...)
	}
	return append([]byte(nil), payload[:max]...)
}
