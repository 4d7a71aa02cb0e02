package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/status"
)

// Config holds orchestrator configuration.
type Config struct {
	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration

	// MaxRejectedAttempts is how many consecutive rejected inserts move a
	// drained batch to dead letters (0 disables dead-lettering).
	MaxRejectedAttempts int

	// LeaseTTL bounds how long a sync lease taken by a process that died
	// mid-run keeps other processes from syncing.
	LeaseTTL time.Duration

	// OnComplete, if set, is called after every Run.
	OnComplete func(Report)

	// Logger for sync activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RemoteTimeout:       15 * time.Second,
		MaxRejectedAttempts: 5,
		LeaseTTL:            5 * time.Minute,
		Logger:              log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// syncLease is the store-wide lease a process holds while it syncs.
const syncLease = "sync"

// Orchestrator implements Syncer.
type Orchestrator struct {
	queue    *queue.Queue
	gateway  gateway.Gateway
	notifier status.Notifier
	config   *Config

	// slot is the single-flight guard; runs TryAcquire it and never wait
	slot *semaphore.Weighted
	// owner identifies this orchestrator on the sync lease
	owner string
	last  atomic.Pointer[Report]
}

// New creates an orchestrator. notifier may be nil.
//
// Example:
//
//	q := queue.New(kv, nil)
//	orch := sync.New(q, gw, dashboardHandler, nil)
func New(q *queue.Queue, gw gateway.Gateway, notifier status.Notifier, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = def.RemoteTimeout
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = def.LeaseTTL
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if notifier == nil {
		notifier = status.Discard
	}

	return &Orchestrator{
		queue:    q,
		gateway:  gw,
		notifier: notifier,
		config:   config,
		slot:     semaphore.NewWeighted(1),
		owner:    uuid.NewString(),
	}
}

// acquire takes the in-process slot and then the sync lease shared with
// other processes on the same store. The returned func releases both.
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if !o.slot.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}

	ok, err := o.queue.AcquireLease(ctx, syncLease, o.owner, o.config.LeaseTTL)
	if err != nil {
		// Queue operations stay atomic without the lease.
		o.config.Logger.Printf("Warning: syncing without lease: %v", err)
		return func() { o.slot.Release(1) }, nil
	}
	if !ok {
		o.slot.Release(1)
		return nil, ErrSyncInProgress
	}

	return func() {
		if err := o.queue.ReleaseLease(context.WithoutCancel(ctx), syncLease, o.owner); err != nil {
			o.config.Logger.Printf("Warning: failed to release sync lease: %v", err)
		}
		o.slot.Release(1)
	}, nil
}

var _ Syncer = (*Orchestrator)(nil)

// Run implements Syncer.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{StartedAt: time.Now()}
	o.config.Logger.Println("Starting sync run")

	report.Attendance = o.syncAttendance(ctx)
	report.Sales = o.syncSales(ctx, nil)
	report.Duration = time.Since(report.StartedAt)

	o.config.Logger.Printf("Sync run finished in %v: attendance=%d/%d sales=%d/%d",
		report.Duration.Round(time.Millisecond),
		report.Attendance.Cleared, report.Attendance.Submitted,
		report.Sales.Cleared, report.Sales.Submitted)

	o.last.Store(&report)
	if o.config.OnComplete != nil {
		o.config.OnComplete(report)
	}
	return report, report.Err()
}

// Trigger runs a sync and logs the result. It is meant to be registered as
// the connectivity handler and the retry ticker's callback.
func (o *Orchestrator) Trigger(ctx context.Context) {
	_, err := o.Run(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		o.config.Logger.Println("Sync already running, trigger coalesced")
	case err != nil:
		o.config.Logger.Printf("Sync run incomplete: %v", err)
	}
}

// LastReport returns the report of the most recent full run.
func (o *Orchestrator) LastReport() (Report, bool) {
	r := o.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// SyncAttendance implements Syncer.
func (o *Orchestrator) SyncAttendance(ctx context.Context) (Outcome, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return Outcome{Kind: schema.KindAttendance}, err
	}
	defer release()

	out := o.syncAttendance(ctx)
	return out, out.Err
}

// SyncSales implements Syncer.
func (o *Orchestrator) SyncSales(ctx context.Context, extra ...schema.SaleEvent) (SalesOutcome, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return SalesOutcome{Outcome: Outcome{Kind: schema.KindSale}}, err
	}
	defer release()

	out := o.syncSales(ctx, extra)
	return out, out.Err
}

// SubmitSales implements Syncer.
func (o *Orchestrator) SubmitSales(ctx context.Context, sales []schema.SaleEvent) (SalesOutcome, error) {
	out := o.submitSales(ctx, sales)
	return out, out.Err
}

func (o *Orchestrator) syncAttendance(ctx context.Context) Outcome {
	kind := schema.KindAttendance
	out := Outcome{Kind: kind}

	drained, err := o.queue.List(ctx, kind)
	if err != nil {
		out.fail(fmt.Errorf("failed to read attendance queue: %w", err))
		return out
	}
	if len(drained) == 0 {
		return out
	}

	events := make([]schema.AttendanceEvent, 0, len(drained))
	for _, env := range drained {
		events = append(events, *env.Attendance)
	}
	out.Submitted = len(events)

	callCtx, cancel := context.WithTimeout(ctx, o.config.RemoteTimeout)
	err = o.gateway.InsertAttendance(callCtx, events)
	cancel()
	if err != nil {
		o.insertFailed(ctx, &out, drained, err)
		return out
	}
	out.Inserted = len(events)

	// The rows are written; finish the bookkeeping even if ctx is cancelled.
	o.cleared(context.WithoutCancel(ctx), &out, drained)
	return out
}

func (o *Orchestrator) syncSales(ctx context.Context, extra []schema.SaleEvent) SalesOutcome {
	kind := schema.KindSale
	out := SalesOutcome{Outcome: Outcome{Kind: kind}}

	drained, err := o.queue.List(ctx, kind)
	if err != nil {
		out.fail(fmt.Errorf("failed to read sales queue: %w", err))
		return out
	}

	sales := make([]schema.SaleEvent, 0, len(drained)+len(extra))
	for _, env := range drained {
		sales = append(sales, *env.Sale)
	}
	sales = append(sales, extra...)
	if len(sales) == 0 {
		return out
	}

	submitted := o.submitSales(ctx, sales)
	out.Submitted = submitted.Submitted
	out.Inserted = submitted.Inserted
	out.Decrements = submitted.Decrements
	if submitted.Err != nil {
		o.insertFailed(ctx, &out.Outcome, drained, submitted.Err)
		return out
	}

	o.cleared(context.WithoutCancel(ctx), &out.Outcome, drained)
	return out
}

// submitSales inserts sales and decrements stock for the rows that were
// newly written. It never touches the queue.
func (o *Orchestrator) submitSales(ctx context.Context, sales []schema.SaleEvent) SalesOutcome {
	out := SalesOutcome{Outcome: Outcome{Kind: schema.KindSale, Submitted: len(sales)}}
	if len(sales) == 0 {
		return out
	}

	batch := make([]schema.SaleEvent, len(sales))
	copy(batch, sales)
	for i := range batch {
		if batch[i].ClientEventID == "" {
			batch[i].ClientEventID = uuid.NewString()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.RemoteTimeout)
	inserted, err := o.gateway.InsertSales(callCtx, batch)
	cancel()
	if err != nil {
		out.fail(err)
		return out
	}
	out.Inserted = len(inserted)

	// A replay reports these rows as already present and skips their
	// decrements, so they must not be lost to cancellation. Each call is
	// still bounded by RemoteTimeout.
	out.Decrements = o.decrementStock(context.WithoutCancel(ctx), batch, inserted)
	if failed := out.FailedDecrements(); len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for _, d := range failed {
			ids = append(ids, d.StockItemID)
		}
		o.config.Logger.Printf("Warning: sales recorded but stock update failed for %s", strings.Join(ids, ", "))
		o.notifier.Notify(status.Message{
			Level:     status.LevelWarning,
			Kind:      schema.KindSale,
			Text:      fmt.Sprintf("Sales recorded, but stock update failed for %s", strings.Join(ids, ", ")),
			Timestamp: time.Now(),
		})
	}
	return out
}

// decrementStock sums the sold volume per stock item over the inserted sales
// and issues one decrement per item, in first-seen order. Each call is
// independent; a failure does not stop the others.
func (o *Orchestrator) decrementStock(ctx context.Context, sales []schema.SaleEvent, inserted []string) []DecrementResult {
	written := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		written[id] = true
	}

	totals := make(map[string]int)
	var order []string
	for _, s := range sales {
		if !written[s.ClientEventID] {
			continue
		}
		if _, seen := totals[s.StockItemID]; !seen {
			order = append(order, s.StockItemID)
		}
		totals[s.StockItemID] += s.QuantitySoldML
	}

	results := make([]DecrementResult, 0, len(order))
	for _, id := range order {
		res := DecrementResult{StockItemID: id, QuantityML: totals[id]}

		callCtx, cancel := context.WithTimeout(ctx, o.config.RemoteTimeout)
		err := o.gateway.DecrementStock(callCtx, id, totals[id])
		cancel()
		if err != nil {
			o.config.Logger.Printf("Failed to decrement stock %s by %dml: %v", id, totals[id], err)
			res.Err = err
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// cleared removes the drained snapshot after a successful insert.
func (o *Orchestrator) cleared(ctx context.Context, out *Outcome, drained []schema.Envelope) {
	if len(drained) == 0 {
		return
	}

	if err := o.queue.ResetRejections(ctx, out.Kind); err != nil {
		o.config.Logger.Printf("Warning: failed to reset %s rejection counter: %v", out.Kind, err)
	}

	if err := o.queue.Clear(ctx, out.Kind, drained); err != nil {
		// Remote rows exist; the next run replays them and the idempotency
		// keys make that a no-op.
		out.fail(fmt.Errorf("%s inserted but queue not cleared: %w", out.Kind, err))
		return
	}
	out.Cleared = len(drained)
	out.Pending, _ = o.queue.Count(ctx, out.Kind)

	o.config.Logger.Printf("Synced %d %s events", len(drained), out.Kind)
	o.notifier.Notify(status.Message{
		Level:     status.LevelSuccess,
		Kind:      out.Kind,
		Text:      fmt.Sprintf("%d pending %s records synced", len(drained), out.Kind),
		Pending:   out.Pending,
		Timestamp: time.Now(),
	})
}

// insertFailed records a failed insert. The queue is left as it was unless
// the batch has now been rejected too many times in a row.
func (o *Orchestrator) insertFailed(ctx context.Context, out *Outcome, drained []schema.Envelope, err error) {
	out.fail(err)
	out.Pending, _ = o.queue.Count(ctx, out.Kind)
	o.config.Logger.Printf("Failed to sync %d %s events: %v", out.Submitted, out.Kind, err)

	msg := status.Message{
		Level:     status.LevelWarning,
		Kind:      out.Kind,
		Text:      fmt.Sprintf("Sync failed, %s records kept on this device for retry", out.Kind),
		Pending:   out.Pending,
		Timestamp: time.Now(),
	}

	if len(drained) > 0 && gateway.IsRejected(err) && o.config.MaxRejectedAttempts > 0 {
		n, cerr := o.queue.RecordRejection(ctx, out.Kind)
		if cerr != nil {
			o.config.Logger.Printf("Warning: failed to record %s rejection: %v", out.Kind, cerr)
		} else if n >= o.config.MaxRejectedAttempts {
			if derr := o.queue.DeadLetter(ctx, out.Kind, drained); derr != nil {
				o.config.Logger.Printf("Failed to dead-letter %s batch: %v", out.Kind, derr)
			} else {
				_ = o.queue.ResetRejections(ctx, out.Kind)
				out.DeadLettered = len(drained)
				out.Pending, _ = o.queue.Count(ctx, out.Kind)
				msg.Level = status.LevelError
				msg.Pending = out.Pending
				msg.Text = fmt.Sprintf("%d %s records rejected %d times and set aside for review",
					len(drained), out.Kind, n)
			}
		}
	}

	o.notifier.Notify(msg)
}
