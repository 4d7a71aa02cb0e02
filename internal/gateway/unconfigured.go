package gateway

import (
	"context"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

// Unconfigured stands in when no remote store is set up. Every call fails
// with ErrNotConfigured, which is transient, so captures stay queued until
// a DSN is configured.
type Unconfigured struct{}

var _ Gateway = Unconfigured{}

func (Unconfigured) InsertAttendance(context.Context, []schema.AttendanceEvent) error {
	return ErrNotConfigured
}

func (Unconfigured) InsertSales(context.Context, []schema.SaleEvent) ([]string, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) DecrementStock(context.Context, string, int) error {
	return ErrNotConfigured
}

func (Unconfigured) LookupStore(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) ListStock(context.Context, string) ([]StockItem, error) {
	return nil, ErrNotConfigured
}
