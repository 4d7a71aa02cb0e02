// Package gateway is the write path to the hosted Postgres store.
//
// The Gateway interface is what the sync orchestrator and the capture path
// talk to. Postgres implements it over a pgx connection pool; gatewaytest
// provides an in-memory fake.
//
// Errors are split in two classes:
//   - rejected: the remote store refused the data (permission, constraint,
//     malformed value, raised exception). Retrying the same batch will not
//     help. Check with IsRejected.
//   - transient: everything else (network, timeouts, server restarts).
//     Retrying later is expected to succeed. Check with IsTransient.
package gateway

import (
	"context"
	"errors"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

var (
	// ErrRejected marks errors where the remote store refused the write.
	ErrRejected = errors.New("rejected by remote store")

	// ErrUnknownEmployee is returned by LookupStore when no profile exists.
	ErrUnknownEmployee = errors.New("employee profile not found")

	// ErrNotConfigured is returned by Unconfigured for every call.
	ErrNotConfigured = errors.New("remote store not configured")
)

// Gateway writes captured events to the remote store.
type Gateway interface {
	// InsertAttendance writes all events in one all-or-nothing batch.
	InsertAttendance(ctx context.Context, events []schema.AttendanceEvent) error

	// InsertSales writes all events in one all-or-nothing batch into the
	// sales ledger and returns the client event ids of rows that were newly
	// written. Replayed events whose id already exists are skipped.
	InsertSales(ctx context.Context, events []schema.SaleEvent) ([]string, error)

	// DecrementStock lowers the volume of one stock item.
	DecrementStock(ctx context.Context, stockItemID string, quantityML int) error

	// LookupStore returns the store assigned to an employee's profile, or
	// "" when the profile has none.
	LookupStore(ctx context.Context, employeeID string) (string, error)

	// ListStock returns the stock items of a store.
	ListStock(ctx context.Context, storeID string) ([]StockItem, error)
}

// StockItem is one row of a store's inventory.
type StockItem struct {
	ID             string  `json:"id" yaml:"id"`
	StoreID        string  `json:"storeId" yaml:"store_id"`
	Name           string  `json:"name" yaml:"name"`
	VolumeML       int     `json:"volumeMl" yaml:"volume_ml"`
	DailyAverageML float64 `json:"dailyAverageMl" yaml:"daily_average_ml"`
}

// IsRejected reports whether err means the remote store refused the write.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return err != nil && !IsRejected(err)
}
