// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/schema"
)

// Decrement is one recorded DecrementStock call.
type Decrement struct {
	StockItemID string
	QuantityML  int
}

// Fake records writes in memory. Errors can be injected per operation.
// Sale and attendance writes are deduplicated by client event id like the
// real store.
type Fake struct {
	mu sync.Mutex

	attendance []schema.AttendanceEvent
	sales      []schema.SaleEvent
	decrements []Decrement
	seen       map[string]bool

	attendanceErr error
	salesErr      error
	decrementErr  map[string]error
	stores        map[string]string
	stock         map[string][]gateway.StockItem

	attendanceCalls int
	salesCalls      int

	// OnInsertSales, when set, runs at the start of InsertSales before any
	// state is recorded. Tests use it to hold a sync run in flight.
	OnInsertSales func()
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		seen:         make(map[string]bool),
		decrementErr: make(map[string]error),
		stores:       make(map[string]string),
		stock:        make(map[string][]gateway.StockItem),
	}
}

// FailAttendance makes InsertAttendance return err (nil clears it).
func (f *Fake) FailAttendance(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attendanceErr = err
}

// FailSales makes InsertSales return err (nil clears it).
func (f *Fake) FailSales(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.salesErr = err
}

// FailDecrement makes DecrementStock for one stock item return err.
func (f *Fake) FailDecrement(stockItemID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.decrementErr, stockItemID)
		return
	}
	f.decrementErr[stockItemID] = err
}

// SetStore assigns a store to an employee profile.
func (f *Fake) SetStore(employeeID, storeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores[employeeID] = storeID
}

// SetStock sets the inventory returned for a store.
func (f *Fake) SetStock(storeID string, items []gateway.StockItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stock[storeID] = items
}

// InsertAttendance implements gateway.Gateway.
func (f *Fake) InsertAttendance(ctx context.Context, events []schema.AttendanceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attendanceCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.attendanceErr != nil {
		return f.attendanceErr
	}
	for _, ev := range events {
		if ev.ClientEventID != "" && f.seen[ev.ClientEventID] {
			continue
		}
		f.seen[ev.ClientEventID] = true
		f.attendance = append(f.attendance, ev)
	}
	return nil
}

// InsertSales implements gateway.Gateway.
func (f *Fake) InsertSales(ctx context.Context, events []schema.SaleEvent) ([]string, error) {
	if f.OnInsertSales != nil {
		f.OnInsertSales()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.salesCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.salesErr != nil {
		return nil, f.salesErr
	}

	var inserted []string
	for _, ev := range events {
		if ev.ClientEventID != "" && f.seen[ev.ClientEventID] {
			continue
		}
		f.seen[ev.ClientEventID] = true
		f.sales = append(f.sales, ev)
		inserted = append(inserted, ev.ClientEventID)
	}
	return inserted, nil
}

// DecrementStock implements gateway.Gateway.
func (f *Fake) DecrementStock(ctx context.Context, stockItemID string, quantityML int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.decrementErr[stockItemID]; err != nil {
		return err
	}
	f.decrements = append(f.decrements, Decrement{StockItemID: stockItemID, QuantityML: quantityML})
	return nil
}

// LookupStore implements gateway.Gateway.
func (f *Fake) LookupStore(_ context.Context, employeeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	storeID, ok := f.stores[employeeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", gateway.ErrUnknownEmployee, employeeID)
	}
	return storeID, nil
}

// ListStock implements gateway.Gateway.
func (f *Fake) ListStock(_ context.Context, storeID string) ([]gateway.StockItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.StockItem(nil), f.stock[storeID]...), nil
}

// Attendance returns the attendance rows written so far.
func (f *Fake) Attendance() []schema.AttendanceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.AttendanceEvent(nil), f.attendance...)
}

// Sales returns the sales ledger rows written so far.
func (f *Fake) Sales() []schema.SaleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.SaleEvent(nil), f.sales...)
}

// Decrements returns the successful decrement calls in call order.
func (f *Fake) Decrements() []Decrement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Decrement(nil), f.decrements...)
}

// AttendanceCalls returns how many times InsertAttendance was called.
func (f *Fake) AttendanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attendanceCalls
}

// SalesCalls returns how many times InsertSales was called.
func (f *Fake) SalesCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.salesCalls
}

var _ gateway.Gateway = (*Fake)(nil)
