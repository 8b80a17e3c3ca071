// Package vector mirrors persisted observations and summaries into an
// external vector index. The mirror is best-effort: failures are logged and
// never propagate to the write path, and ordering relative to store writes
// is not guaranteed.
package vector

import (
	"context"

	"github.com/recallhq/recall/internal/store"
)

// Index is the remote search index. Implementations must be safe for
// concurrent use.
type Index interface {
	SyncObservation(ctx context.Context, obs *store.Observation) error
	SyncSummary(ctx context.Context, summary *store.Summary) error
	Ping(ctx context.Context) error
}

// Disabled is the no-op Index used when no vector URL is configured.
type Disabled struct{}

func (Disabled) SyncObservation(context.Context, *store.Observation) error { return nil }
func (Disabled) SyncSummary(context.Context, *store.Summary) error         { return nil }
func (Disabled) Ping(context.Context) error                                { return nil }
