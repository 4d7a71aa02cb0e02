package sync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/mmb-retail/fieldsync/internal/gateway/gatewaytest"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/store"
	"github.com/mmb-retail/fieldsync/internal/sync"
)

func ExampleOrchestrator_Run() {
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	q := queue.New(store.NewMemory(), quiet)
	gw := gatewaytest.New()

	_, _ = q.Enqueue(ctx, schema.NewSale(schema.SaleEvent{
		EmployeeID:     "emp-1",
		StoreID:        "store-1",
		StockItemID:    "oud-30",
		QuantitySoldML: 30,
		UnitPrice:      1500,
		BottleType:     schema.BottleRefill30,
	}))

	config := sync.DefaultConfig()
	config.Logger = quiet
	orch := sync.New(q, gw, nil, config)

	report, err := orch.Run(ctx)
	if errors.Is(err, sync.ErrSyncInProgress) {
		return
	}

	fmt.Println("sales cleared:", report.Sales.Cleared)
	fmt.Println("decrements:", gw.Decrements())
	// Output:
	// sales cleared: 1
	// decrements: [{oud-30 30}]
}
