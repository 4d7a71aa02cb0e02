// Package sync reconciles the local queue with the remote store.
//
// Overview
//
// Events that could not be written when they were captured sit in the local
// queue. The orchestrator drains each kind, submits it to the remote gateway
// in one batch, and removes exactly the drained entries once the remote store
// has accepted them:
//
//	queue/attendance ──► InsertAttendance ──► clear drained
//	queue/sale ────────► InsertSales ───────► DecrementStock (per item) ──► clear drained
//
// Sales are two-phase. After the ledger insert succeeds the sold volume is
// summed per stock item and each item is decremented once. Decrement
// failures are reported as warnings and never block clearing the queue,
// because the ledger rows already exist remotely.
//
// Triggers
//
// A run is started when connectivity comes back (the netstate handler), when
// the user asks for a retry, or on the daemon's optional retry ticker. Only
// one run is in flight at a time; a trigger that arrives while a run is busy
// returns ErrSyncInProgress immediately instead of queueing behind it.
// The daemon and CLI commands may share one store, so a run also takes the
// store's "sync" lease (see queue.AcquireLease); a run in another process
// yields ErrSyncInProgress too. A lease left by a crashed process expires
// after Config.LeaseTTL.
//
// Once an insert has succeeded, the stock decrements and the queue clear
// run even if the caller's context is cancelled. A replay would find the
// rows already present and skip their decrements.
//
// Failure handling
//
//   - Transient insert failure: queue untouched, retried on the next trigger.
//   - Rejected insert failure: queue untouched and the kind's rejection
//     counter increases. After Config.MaxRejectedAttempts consecutive
//     rejections the drained batch is moved to dead letters.
//   - Decrement failure: warning, queue still cleared.
//
// Every remote call is bounded by Config.RemoteTimeout so a hung connection
// cannot hold the single-flight slot forever.
//
// Usage
//
//	orch := sync.New(q, gw, notifier, nil)
//	report, err := orch.Run(ctx)
//	if errors.Is(err, sync.ErrSyncInProgress) {
//	    // another run is already draining the queue
//	}
package sync
