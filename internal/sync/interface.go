package sync

import (
	"context"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

// Syncer drains the local queue into the remote store.
type Syncer interface {
	// Run syncs attendance then sales.
	//
	// Returns ErrSyncInProgress without doing anything if another run holds
	// the single-flight slot. Otherwise the report describes both kinds and
	// the error joins the per-kind failures (nil when both succeeded).
	//
	// Example:
	//   report, err := syncer.Run(ctx)
	Run(ctx context.Context) (Report, error)

	// SyncAttendance drains and submits pending attendance events.
	//
	// An empty queue is a successful no-op. On insert failure the queue is
	// left untouched and the error is returned.
	SyncAttendance(ctx context.Context) (Outcome, error)

	// SyncSales drains pending sales, appends extra (sales captured right
	// now that are not queued), and submits them together.
	//
	// On insert failure nothing is cleared and extra is not queued; the
	// caller decides what to do with its own sales. After a successful
	// insert the drained sales are cleared regardless of decrement results.
	SyncSales(ctx context.Context, extra ...schema.SaleEvent) (SalesOutcome, error)

	// SubmitSales writes sales directly without touching the queue or the
	// single-flight slot. Used by the capture path when a run is busy.
	SubmitSales(ctx context.Context, sales []schema.SaleEvent) (SalesOutcome, error)
}
