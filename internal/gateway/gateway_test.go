package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClasses(t *testing.T) {
	rejected := fmt.Errorf("insert sales: %w", ErrRejected)

	if !IsRejected(rejected) || IsTransient(rejected) {
		t.Errorf("wrapped ErrRejected should be rejected, not transient")
	}
	if IsRejected(ErrNotConfigured) || !IsTransient(ErrNotConfigured) {
		t.Errorf("ErrNotConfigured should be transient")
	}
	if IsTransient(nil) {
		t.Errorf("nil is not transient")
	}
}

func TestUnconfigured(t *testing.T) {
	ctx := context.Background()
	var gw Gateway = Unconfigured{}

	if err := gw.InsertAttendance(ctx, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("InsertAttendance: got %v", err)
	}
	if _, err := gw.InsertSales(ctx, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("InsertSales: got %v", err)
	}
	if _, err := gw.ListStock(ctx, "store-1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("ListStock: got %v", err)
	}
}
