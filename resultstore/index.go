package resultstore

import (
	"context"
	"time"

	"github.com/noetl/noetl/internal/ids"
)

// Index is the pluggable metadata store backing Tiered: it tracks every
// ResultRef's scope/tier/size/expiry and, for manifests, their part order
// and close state. Payload bytes never pass through Index; those live in a
// Backend selected by tier.
type Index interface {
	// Put inserts or replaces a ref's metadata record.
	Put(ctx context.Context, executionID ids.ID, ref ResultRef) error

	// Get loads a single ref's metadata record.
	Get(ctx context.Context, executionID ids.ID, name string, id ids.ID) (ResultRef, bool, error)

	// NewManifest creates an open manifest record.
	NewManifest(ctx context.Context, executionID ids.ID, ref ResultRef, strategy Strategy, arrayPath string) error

	// PutPart records a part at the given slot index, returning an error if
	// the manifest is already closed. Slots may be filled out of order (an
	// async loop's iterations can complete in any order); Manifest returns
	// them sorted by index regardless of arrival order.
	PutPart(ctx context.Context, manifestRef ResultRef, index int, partID ids.ID) error

	// Manifest loads a manifest's part ids ordered by slot index, plus its
	// close state and combination settings.
	Manifest(ctx context.Context, manifestRef ResultRef) (parts []ids.ID, closed bool, strategy Strategy, arrayPath string, err error)

	// Close marks a manifest closed at the given time. Calling Close on an
	// already-closed manifest is a no-op (already=true, err=nil), so a
	// retried CloseManifest succeeds and the first close's time is kept.
	Close(ctx context.Context, manifestRef ResultRef, at time.Time) (already bool, err error)

	// ByExecution returns every ref (plain and manifest) owned by
	// executionID, for CleanupExecution.
	ByExecution(ctx context.Context, executionID ids.ID) ([]ResultRef, error)

	// Expired returns every non-permanent ref whose ExpiresAt is set and
	// before the given time, for the background sweep.
	Expired(ctx context.Context, before time.Time) ([]ResultRef, error)

	// Delete removes a ref's metadata record.
	Delete(ctx context.Context, executionID ids.ID, name string, id ids.ID) error
}
