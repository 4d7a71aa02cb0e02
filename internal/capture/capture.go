// Package capture is the write path used when staff record attendance or a
// sale. It tries the remote store first when the device is online and falls
// back to the local queue otherwise, so a capture is never lost silently.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/identity"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/status"
	"github.com/mmb-retail/fieldsync/internal/sync"
)

// ErrResolution is returned when the employee or store could not be
// determined. Nothing is written in that case.
var ErrResolution = errors.New("cannot determine employee or store")

// Status is where a captured event ended up.
type Status string

const (
	// StatusSynced means the remote store accepted the event.
	StatusSynced Status = "synced"
	// StatusSavedLocally means the remote write failed and the event was queued.
	StatusSavedLocally Status = "saved_locally"
	// StatusQueuedOffline means the device was offline and the event was queued.
	StatusQueuedOffline Status = "queued_offline"
	// StatusDataLoss means the event could be neither sent nor saved.
	StatusDataLoss Status = "data_loss"
)

// Result describes a capture.
type Result struct {
	Status   Status             `json:"status"`
	Message  string             `json:"message"`
	Kind     schema.Kind        `json:"kind"`
	LocalID  int64              `json:"localId,omitempty"`
	Pending  int                `json:"pending"`
	Warnings []string           `json:"warnings,omitempty"`
	Event    schema.Envelope    `json:"event"`
	Outcome  *sync.SalesOutcome `json:"sync,omitempty"`
}

// Connectivity reports whether the remote store is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// SalesSyncer is the part of the orchestrator the capture path uses.
type SalesSyncer interface {
	SyncSales(ctx context.Context, extra ...schema.SaleEvent) (sync.SalesOutcome, error)
	SubmitSales(ctx context.Context, sales []schema.SaleEvent) (sync.SalesOutcome, error)
}

// Config holds recorder configuration.
type Config struct {
	// RemoteTimeout bounds the direct attendance write.
	RemoteTimeout time.Duration

	// Logger for capture activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RemoteTimeout: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[capture] ", log.LstdFlags),
	}
}

// Recorder captures events.
type Recorder struct {
	resolver identity.Resolver
	queue    *queue.Queue
	gateway  gateway.Gateway
	sales    SalesSyncer
	net      Connectivity
	notifier status.Notifier
	config   *Config
	now      func() time.Time
}

// NewRecorder wires a recorder. notifier may be nil.
func NewRecorder(resolver identity.Resolver, q *queue.Queue, gw gateway.Gateway, sales SalesSyncer,
	net Connectivity, notifier status.Notifier, config *Config) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = def.RemoteTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if notifier == nil {
		notifier = status.Discard
	}

	return &Recorder{
		resolver: resolver,
		queue:    q,
		gateway:  gw,
		sales:    sales,
		net:      net,
		notifier: notifier,
		config:   config,
		now:      time.Now,
	}
}

// CheckIn records the signed-in employee arriving at their store.
func (r *Recorder) CheckIn(ctx context.Context) (Result, error) {
	return r.attendance(ctx, true)
}

// CheckOut records the signed-in employee leaving their store.
func (r *Recorder) CheckOut(ctx context.Context) (Result, error) {
	return r.attendance(ctx, false)
}

func (r *Recorder) attendance(ctx context.Context, checkIn bool) (Result, error) {
	id, err := r.resolve(ctx, schema.KindAttendance)
	if err != nil {
		return Result{Kind: schema.KindAttendance, Message: userText(err)}, err
	}

	now := r.now()
	ev := schema.AttendanceEvent{EmployeeID: id.EmployeeID, StoreID: id.StoreID}
	if checkIn {
		ev.CheckInTime = &now
	} else {
		ev.CheckOutTime = &now
	}
	env := schema.NewAttendance(ev)
	env.Stamp(now)

	if !r.net.IsOnline() {
		return r.enqueue(ctx, env, StatusQueuedOffline, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.RemoteTimeout)
	err = r.gateway.InsertAttendance(callCtx, []schema.AttendanceEvent{*env.Attendance})
	cancel()
	if err != nil {
		r.config.Logger.Printf("Direct attendance write failed, saving locally: %v", err)
		return r.enqueue(ctx, env, StatusSavedLocally, nil)
	}

	text := "Check-in recorded"
	if !checkIn {
		text = "Check-out recorded"
	}
	return r.synced(ctx, env, text, nil), nil
}

// SaleInput is what the user enters for a sale.
type SaleInput struct {
	StockItemID    string            `json:"stockItemId"`
	QuantitySoldML int               `json:"quantitySoldMl"`
	UnitPrice      float64           `json:"unitPrice"`
	BottleType     schema.BottleType `json:"bottleType"`
}

// RecordSale records a sale by the signed-in employee. Online, the sale is
// submitted together with any queued sales; if a sync run is already busy
// it is submitted alone.
func (r *Recorder) RecordSale(ctx context.Context, in SaleInput) (Result, error) {
	id, err := r.resolve(ctx, schema.KindSale)
	if err != nil {
		return Result{Kind: schema.KindSale, Message: userText(err)}, err
	}

	now := r.now()
	env := schema.NewSale(schema.SaleEvent{
		EmployeeID:     id.EmployeeID,
		StoreID:        id.StoreID,
		StockItemID:    in.StockItemID,
		QuantitySoldML: in.QuantitySoldML,
		UnitPrice:      in.UnitPrice,
		BottleType:     in.BottleType,
		Timestamp:      now,
	})
	env.Stamp(now)

	if err := env.Validate(); err != nil {
		res := Result{Kind: schema.KindSale, Message: err.Error(), Event: env}
		return res, fmt.Errorf("%w: %w", queue.ErrInvalidEvent, err)
	}

	if !r.net.IsOnline() {
		return r.enqueue(ctx, env, StatusQueuedOffline, nil)
	}

	out, err := r.sales.SyncSales(ctx, *env.Sale)
	if errors.Is(err, sync.ErrSyncInProgress) {
		out, err = r.sales.SubmitSales(ctx, []schema.SaleEvent{*env.Sale})
	}
	if err != nil {
		r.config.Logger.Printf("Direct sale write failed, saving locally: %v", err)
		return r.enqueue(ctx, env, StatusSavedLocally, nil)
	}

	var warnings []string
	for _, d := range out.FailedDecrements() {
		warnings = append(warnings, fmt.Sprintf("stock update failed for %s (%dml)", d.StockItemID, d.QuantityML))
	}

	res := r.synced(ctx, env, "Sale recorded", warnings)
	res.Outcome = &out
	return res, nil
}

func (r *Recorder) resolve(ctx context.Context, kind schema.Kind) (identity.Identity, error) {
	id, err := r.resolver.Resolve(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrResolution, err)
		r.notifier.Notify(status.Message{
			Level:     status.LevelError,
			Kind:      kind,
			Text:      userText(err),
			Timestamp: r.now(),
		})
		return identity.Identity{}, err
	}
	return id, nil
}

func (r *Recorder) enqueue(ctx context.Context, env schema.Envelope, st Status, warnings []string) (Result, error) {
	stored, err := r.queue.Enqueue(ctx, env)
	if err != nil {
		r.config.Logger.Printf("Failed to save %s locally: %v", env.Kind, err)
		res := Result{
			Status:  StatusDataLoss,
			Kind:    env.Kind,
			Message: "Could not send or save this record. It was NOT recorded; please write it down and retry.",
			Event:   env,
		}
		res.Pending, _ = r.queue.Count(ctx, env.Kind)
		r.notifier.Notify(status.Message{
			Level:     status.LevelError,
			Kind:      env.Kind,
			Text:      res.Message,
			Pending:   res.Pending,
			Timestamp: r.now(),
		})
		return res, err
	}

	res := Result{
		Status:   st,
		Kind:     env.Kind,
		LocalID:  stored.LocalID,
		Warnings: warnings,
		Event:    stored,
	}
	res.Pending, _ = r.queue.Count(ctx, env.Kind)

	level := status.LevelInfo
	if st == StatusQueuedOffline {
		res.Message = "Offline: saved on this device, will sync when the connection returns"
	} else {
		level = status.LevelWarning
		res.Message = "Could not reach the server: saved on this device, will retry"
	}
	r.notifier.Notify(status.Message{
		Level:     level,
		Kind:      env.Kind,
		Text:      res.Message,
		Pending:   res.Pending,
		Timestamp: r.now(),
	})
	return res, nil
}

func (r *Recorder) synced(ctx context.Context, env schema.Envelope, text string, warnings []string) Result {
	res := Result{
		Status:   StatusSynced,
		Kind:     env.Kind,
		Message:  text,
		Warnings: warnings,
		Event:    env,
	}
	res.Pending, _ = r.queue.Count(ctx, env.Kind)

	level := status.LevelSuccess
	if len(warnings) > 0 {
		level = status.LevelWarning
	}
	r.notifier.Notify(status.Message{
		Level:     level,
		Kind:      env.Kind,
		Text:      text,
		Pending:   res.Pending,
		Timestamp: r.now(),
	})
	return res
}

func userText(err error) string {
	switch {
	case errors.Is(err, identity.ErrNoSession):
		return "Sign in before recording"
	case errors.Is(err, identity.ErrNoStoreAssigned):
		return "No store is assigned to your profile; ask an admin or select a store"
	}
	return err.Error()
}
