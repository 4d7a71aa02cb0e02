package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Memory) {
	t.Helper()
	kv := store.NewMemory()
	return New(kv, log.New(io.Discard, "", 0)), kv
}

func testSale(stockItem string, qty int) schema.Envelope {
	return schema.NewSale(schema.SaleEvent{
		EmployeeID:     "emp-1",
		StoreID:        "store-1",
		StockItemID:    stockItem,
		QuantitySoldML: qty,
		UnitPrice:      1000,
		BottleType:     schema.BottleRefill30,
	})
}

func testCheckIn(at time.Time) schema.Envelope {
	return schema.NewAttendance(schema.AttendanceEvent{
		EmployeeID:  "emp-1",
		StoreID:     "store-1",
		CheckInTime: &at,
	})
}

func TestEnqueue_PreservesCaptureOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 1; i <= 5; i++ {
		env, err := q.Enqueue(ctx, testSale(fmt.Sprintf("stk-%d", i), i))
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
		if env.LocalID != int64(i) {
			t.Errorf("LocalID = %d, want %d", env.LocalID, i)
		}
		if env.ClientEventID() == "" || env.CapturedAt.IsZero() {
			t.Errorf("capture metadata missing on %+v", env)
		}
	}

	pending, err := q.List(ctx, schema.KindSale)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("List returned %d events, want 5", len(pending))
	}
	for i, env := range pending {
		if want := fmt.Sprintf("stk-%d", i+1); env.Sale.StockItemID != want {
			t.Errorf("pending[%d] = %s, want %s", i, env.Sale.StockItemID, want)
		}
	}

	// Kinds are independent
	if n, _ := q.Count(ctx, schema.KindAttendance); n != 0 {
		t.Errorf("attendance count = %d, want 0", n)
	}
}

func TestList_Idempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, testCheckIn(time.Now())); err != nil {
		t.Fatal(err)
	}

	first, _ := q.List(ctx, schema.KindAttendance)
	second, _ := q.List(ctx, schema.KindAttendance)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("List lengths = %d, %d, want 1, 1", len(first), len(second))
	}
	if first[0].ClientEventID() != second[0].ClientEventID() {
		t.Error("List returned different events on repeated calls")
	}
}

func TestEnqueue_EmptyQueueListsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	pending, err := q.List(context.Background(), schema.KindSale)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("List on fresh queue returned %d events", len(pending))
	}
}

func TestEnqueue_RejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	env := testSale("stk-1", 10)
	env.Sale.StoreID = ""

	_, err := q.Enqueue(ctx, env)
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("Enqueue error = %v, want ErrInvalidEvent", err)
	}
	if n, _ := q.Count(ctx, schema.KindSale); n != 0 {
		t.Errorf("invalid event was persisted (count %d)", n)
	}
}

func TestEnqueue_StorageFailureIsDataLoss(t *testing.T) {
	ctx := context.Background()
	q, kv := newTestQueue(t)

	kv.FailWith(store.ErrUnavailable)
	_, err := q.Enqueue(ctx, testSale("stk-1", 10))
	if !errors.Is(err, ErrDataLoss) {
		t.Fatalf("Enqueue error = %v, want ErrDataLoss", err)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Enqueue error = %v, want store cause in chain", err)
	}
}

func TestEnqueue_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	kv.MaxBytes = 600
	q := New(kv, log.New(io.Discard, "", 0))

	var lastErr error
	for i := 0; i < 20 && lastErr == nil; i++ {
		_, lastErr = q.Enqueue(ctx, testSale("stk-1", 10))
	}
	if !errors.Is(lastErr, ErrDataLoss) || !errors.Is(lastErr, store.ErrQuotaExceeded) {
		t.Errorf("Enqueue error = %v, want ErrDataLoss wrapping ErrQuotaExceeded", lastErr)
	}
}

func TestClear_KeepsEventsAppendedAfterDrain(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, testSale("stk-1", 10)); err != nil {
			t.Fatal(err)
		}
	}

	drained, err := q.List(ctx, schema.KindSale)
	if err != nil {
		t.Fatal(err)
	}

	// Captured while the drain is in flight
	late, err := q.Enqueue(ctx, testSale("stk-late", 5))
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Clear(ctx, schema.KindSale, drained); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	pending, _ := q.List(ctx, schema.KindSale)
	if len(pending) != 1 {
		t.Fatalf("pending = %d events, want 1", len(pending))
	}
	if pending[0].LocalID != late.LocalID {
		t.Errorf("surviving event = %d, want %d", pending[0].LocalID, late.LocalID)
	}
}

func TestClear_ConcurrentEnqueues(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(ctx, testSale("stk-1", 1)); err != nil {
			t.Fatal(err)
		}
	}
	drained, _ := q.List(ctx, schema.KindSale)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(ctx, testSale("stk-2", 1)); err != nil {
				t.Errorf("concurrent Enqueue failed: %v", err)
			}
		}()
	}
	if err := q.Clear(ctx, schema.KindSale, drained); err != nil {
		t.Errorf("Clear failed: %v", err)
	}
	wg.Wait()

	pending, _ := q.List(ctx, schema.KindSale)
	if len(pending) != 20 {
		t.Fatalf("pending = %d, want 20", len(pending))
	}
	seen := make(map[int64]bool)
	for _, env := range pending {
		if env.Sale.StockItemID != "stk-2" {
			t.Errorf("drained event %d survived Clear", env.LocalID)
		}
		if seen[env.LocalID] {
			t.Errorf("duplicate localId %d", env.LocalID)
		}
		seen[env.LocalID] = true
	}
}

func TestLocalIDsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fieldsync.db")

	kv, err := store.OpenSQLite(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	q := New(kv, log.New(io.Discard, "", 0))
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, testSale("stk-1", 1)); err != nil {
			t.Fatal(err)
		}
	}
	drained, _ := q.List(ctx, schema.KindSale)
	if err := q.Clear(ctx, schema.KindSale, drained); err != nil {
		t.Fatal(err)
	}
	_ = kv.Close()

	kv, err = store.OpenSQLite(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	q = New(kv, log.New(io.Discard, "", 0))

	env, err := q.Enqueue(ctx, testSale("stk-1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if env.LocalID != 3 {
		t.Errorf("LocalID after restart = %d, want 3", env.LocalID)
	}
}

func TestObserverSeesEveryChange(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	var mu sync.Mutex
	var counts []int
	q.Subscribe(ObserverFunc(func(kind schema.Kind, count int) {
		mu.Lock()
		defer mu.Unlock()
		if kind == schema.KindAttendance {
			counts = append(counts, count)
		}
	}))

	_, _ = q.Enqueue(ctx, testCheckIn(time.Now()))
	_, _ = q.Enqueue(ctx, testCheckIn(time.Now()))
	drained, _ := q.List(ctx, schema.KindAttendance)
	_ = q.Clear(ctx, schema.KindAttendance, drained)

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 0}
	if fmt.Sprint(counts) != fmt.Sprint(want) {
		t.Errorf("observed counts = %v, want %v", counts, want)
	}
}

func TestDeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, testSale("stk-1", 1)); err != nil {
			t.Fatal(err)
		}
	}
	drained, _ := q.List(ctx, schema.KindSale)
	late, _ := q.Enqueue(ctx, testSale("stk-late", 1))

	if err := q.DeadLetter(ctx, schema.KindSale, drained); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	dead, _ := q.ListDead(ctx, schema.KindSale)
	if len(dead) != 2 {
		t.Fatalf("dead = %d, want 2", len(dead))
	}
	pending, _ := q.List(ctx, schema.KindSale)
	if len(pending) != 1 || pending[0].LocalID != late.LocalID {
		t.Fatalf("pending after dead-letter = %+v", pending)
	}

	n, err := q.Requeue(ctx, schema.KindSale)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Requeue moved %d, want 2", n)
	}

	pending, _ = q.List(ctx, schema.KindSale)
	if len(pending) != 3 {
		t.Fatalf("pending after requeue = %d, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].LocalID <= pending[i-1].LocalID {
			t.Errorf("localIds not increasing: %d then %d", pending[i-1].LocalID, pending[i].LocalID)
		}
	}
	if pending[1].ClientEventID() != drained[0].ClientEventID() {
		t.Error("requeue should keep idempotency keys")
	}
	if dead, _ := q.ListDead(ctx, schema.KindSale); len(dead) != 0 {
		t.Errorf("dead letters not emptied: %d", len(dead))
	}
}

func TestRejectionCounter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for want := 1; want <= 3; want++ {
		n, err := q.RecordRejection(ctx, schema.KindAttendance)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("RecordRejection = %d, want %d", n, want)
		}
	}

	if err := q.ResetRejections(ctx, schema.KindAttendance); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Rejections(ctx, schema.KindAttendance); n != 0 {
		t.Errorf("Rejections after reset = %d, want 0", n)
	}
}

// Two handles on one file stand in for the daemon and a CLI command.
func TestSharedStore_AppendsDuringDrainSurvive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fieldsync.db")

	openQueue := func() *Queue {
		kv, err := store.OpenSQLite(path, 0)
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		t.Cleanup(func() { _ = kv.Close() })
		return New(kv, log.New(io.Discard, "", 0))
	}
	daemonQ := openQueue()
	cliQ := openQueue()

	const perWriter = 30
	var wg sync.WaitGroup
	for _, q := range []*Queue{daemonQ, cliQ} {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := q.Enqueue(ctx, testCheckIn(time.Now())); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}(q)
	}
	writersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(writersDone)
	}()

	seen := make(map[int64]bool)
	for running := true; running; {
		select {
		case <-writersDone:
			running = false
		default:
		}

		drained, err := daemonQ.List(ctx, schema.KindAttendance)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, env := range drained {
			if seen[env.LocalID] {
				t.Errorf("localId %d handed out twice", env.LocalID)
			}
			seen[env.LocalID] = true
		}
		if err := daemonQ.Clear(ctx, schema.KindAttendance, drained); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
	}

	if len(seen) != 2*perWriter {
		t.Errorf("drained %d distinct check-ins, want %d", len(seen), 2*perWriter)
	}
	if n, _ := cliQ.Count(ctx, schema.KindAttendance); n != 0 {
		t.Errorf("pending after final drain = %d, want 0", n)
	}
}

func TestSharedStore_DeadLetterSkipsClearedEvents(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	a := New(kv, log.New(io.Discard, "", 0))
	b := New(kv, log.New(io.Discard, "", 0))

	for i := 0; i < 2; i++ {
		if _, err := a.Enqueue(ctx, testSale("stk-1", 1)); err != nil {
			t.Fatal(err)
		}
	}
	drained, _ := a.List(ctx, schema.KindSale)

	// The other process synced the first event already
	if err := b.Clear(ctx, schema.KindSale, drained[:1]); err != nil {
		t.Fatal(err)
	}
	if err := a.DeadLetter(ctx, schema.KindSale, drained); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	dead, _ := a.ListDead(ctx, schema.KindSale)
	if len(dead) != 1 || dead[0].LocalID != drained[1].LocalID {
		t.Errorf("dead = %+v, want only localId %d", dead, drained[1].LocalID)
	}
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	acquire := func(owner string, want bool) {
		t.Helper()
		ok, err := q.AcquireLease(ctx, "sync", owner, time.Minute)
		if err != nil {
			t.Fatalf("AcquireLease(%s) failed: %v", owner, err)
		}
		if ok != want {
			t.Errorf("AcquireLease(%s) = %v, want %v", owner, ok, want)
		}
	}

	acquire("daemon", true)
	acquire("cli", false)
	acquire("daemon", true)

	// Only the holder can release
	if err := q.ReleaseLease(ctx, "sync", "cli"); err != nil {
		t.Fatal(err)
	}
	acquire("cli", false)

	if err := q.ReleaseLease(ctx, "sync", "daemon"); err != nil {
		t.Fatal(err)
	}
	acquire("cli", true)

	// An abandoned lease expires
	now = now.Add(2 * time.Minute)
	acquire("daemon", true)
}
