package sync

import (
	"errors"
	"time"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

// ErrSyncInProgress is returned when a run is already in flight.
var ErrSyncInProgress = errors.New("sync already in progress")

// Outcome describes one kind's part of a run.
type Outcome struct {
	Kind         schema.Kind `json:"kind"`
	Submitted    int         `json:"submitted"`
	Inserted     int         `json:"inserted"`
	Cleared      int         `json:"cleared"`
	DeadLettered int         `json:"deadLettered,omitempty"`
	Pending      int         `json:"pending"`
	Err          error       `json:"-"`
	Error        string      `json:"error,omitempty"`
}

// OK reports whether the kind synced (or had nothing to sync).
func (o Outcome) OK() bool {
	return o.Err == nil
}

func (o *Outcome) fail(err error) {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// DecrementResult is the result of one stock decrement.
type DecrementResult struct {
	StockItemID string `json:"stockItemId"`
	QuantityML  int    `json:"quantityMl"`
	Err         error  `json:"-"`
	Error       string `json:"error,omitempty"`
}

// SalesOutcome adds per-item decrement results to an Outcome.
type SalesOutcome struct {
	Outcome
	Decrements []DecrementResult `json:"decrements,omitempty"`
}

// FailedDecrements returns the decrements that did not apply.
func (o SalesOutcome) FailedDecrements() []DecrementResult {
	var failed []DecrementResult
	for _, d := range o.Decrements {
		if d.Err != nil {
			failed = append(failed, d)
		}
	}
	return failed
}

// Report is the result of a full run.
type Report struct {
	Attendance Outcome       `json:"attendance"`
	Sales      SalesOutcome  `json:"sales"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
}

// Err joins the per-kind errors.
func (r Report) Err() error {
	return errors.Join(r.Attendance.Err, r.Sales.Err)
}
