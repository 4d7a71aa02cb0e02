package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mmb-retail/fieldsync/internal/gateway/gatewaytest"
	"github.com/mmb-retail/fieldsync/internal/netstate"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/status"
	"github.com/mmb-retail/fieldsync/internal/store"
	fsync "github.com/mmb-retail/fieldsync/internal/sync"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = log.New(io.Discard, "", 0)

// countingTrigger records sync triggers.
type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) Trigger(context.Context) { c.calls.Add(1) }

// start runs d in the background and returns a stop func that cancels it
// and returns Run's error.
func start(t *testing.T, d *Daemon) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var once atomic.Bool
	stop := func() error {
		if !once.CompareAndSwap(false, true) {
			return nil
		}
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newSensor() *netstate.Sensor {
	return netstate.New(nil, &netstate.Config{Logger: quiet})
}

func checkInEnvelope(employee string) *schema.Envelope {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	env := schema.NewAttendance(schema.AttendanceEvent{
		EmployeeID:  employee,
		StoreID:     "store-1",
		CheckInTime: &at,
	})
	return &env
}

func TestNewValidation(t *testing.T) {
	q := queue.New(store.NewMemory(), quiet)

	tests := []struct {
		name    string
		queue   *queue.Queue
		sensor  Sensor
		trigger Trigger
		config  *Config
	}{
		{"no queue", nil, newSensor(), &countingTrigger{}, nil},
		{"no sensor", q, nil, &countingTrigger{}, nil},
		{"no trigger", q, newSensor(), nil, nil},
		{"listener without handler", q, newSensor(), &countingTrigger{}, &Config{HTTPAddr: ":0", Logger: quiet}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.queue, tt.sensor, tt.trigger, tt.config); err == nil {
				t.Error("New should fail")
			}
		})
	}
}

func TestSpoolIngest(t *testing.T) {
	ctx := context.Background()
	spool := t.TempDir()
	q := queue.New(store.NewMemory(), quiet)

	// Left over from before the daemon started
	if _, err := schema.WriteEnvelopeFile(spool, checkInEnvelope("emp-early")); err != nil {
		t.Fatalf("WriteEnvelopeFile failed: %v", err)
	}

	d, err := New(q, newSensor(), &countingTrigger{}, &Config{
		SpoolDir:         spool,
		DebounceInterval: 20 * time.Millisecond,
		Logger:           quiet,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := start(t, d)

	attendance := func(want int) func() bool {
		return func() bool {
			n, _ := q.Count(ctx, schema.KindAttendance)
			return n == want
		}
	}
	waitFor(t, "startup ingest", 2*time.Second, attendance(1))

	if _, err := schema.WriteEnvelopeFile(spool, checkInEnvelope("emp-late")); err != nil {
		t.Fatalf("WriteEnvelopeFile failed: %v", err)
	}

	bad := filepath.Join(spool, "broken.json")
	if err := os.WriteFile(bad, []byte(`{"kind":"sale"}`), 0600); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "watched ingest", 2*time.Second, attendance(2))
	waitFor(t, "invalid file moved aside", 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(spool, RejectedDir, "broken.json"))
		return err == nil
	})

	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	left, err := filepath.Glob(filepath.Join(spool, "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("spool still holds %v, ingested files should be removed", left)
	}

	pending, err := q.List(ctx, schema.KindAttendance)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if pending[0].Attendance.EmployeeID != "emp-early" || pending[1].Attendance.EmployeeID != "emp-late" {
		t.Errorf("ingest order = %s, %s; want emp-early then emp-late",
			pending[0].Attendance.EmployeeID, pending[1].Attendance.EmployeeID)
	}
}

func TestSpoolKeepsFileWhenStoreFails(t *testing.T) {
	spool := t.TempDir()
	kv := store.NewMemory()
	q := queue.New(kv, quiet)

	path, err := schema.WriteEnvelopeFile(spool, checkInEnvelope("emp-1"))
	if err != nil {
		t.Fatalf("WriteEnvelopeFile failed: %v", err)
	}

	d, err := New(q, newSensor(), &countingTrigger{}, &Config{SpoolDir: spool, Logger: quiet})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(spool, RejectedDir), 0755); err != nil {
		t.Fatal(err)
	}

	kv.FailWith(store.ErrQuotaExceeded)
	n, err := d.IngestAll(context.Background())
	if err != nil {
		t.Fatalf("IngestAll failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ingested = %d, want 0", n)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("file must stay for the next attempt: %v", err)
	}
}

// The device records a check-in at 09:00 while offline; at 09:05 the
// connection returns and the queued check-in reaches the remote store.
func TestOnlineTransitionDrainsQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.New(store.NewMemory(), quiet)
	gw := gatewaytest.New()
	sensor := newSensor()

	syncConfig := fsync.DefaultConfig()
	syncConfig.Logger = quiet
	orch := fsync.New(q, gw, status.Discard, syncConfig)

	if _, err := q.Enqueue(ctx, *checkInEnvelope("emp-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d, err := New(q, sensor, orch, &Config{Logger: quiet})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := start(t, d)

	// Flap the connection until the handler registered by Run has drained
	// the queue; extra transitions coalesce or find nothing to do.
	waitFor(t, "queue drained", 2*time.Second, func() bool {
		sensor.Set(false)
		sensor.Set(true)
		n, _ := q.Count(ctx, schema.KindAttendance)
		return n == 0
	})

	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := len(gw.Attendance()); n != 1 {
		t.Errorf("remote attendance rows = %d, want 1", n)
	}
	report, ok := orch.LastReport()
	if !ok {
		t.Fatal("no sync report recorded")
	}
	if report.Attendance.Cleared != 1 {
		t.Errorf("attendance cleared = %d, want 1", report.Attendance.Cleared)
	}
}

func TestRetryInterval(t *testing.T) {
	trigger := &countingTrigger{}
	d, err := New(queue.New(store.NewMemory(), quiet), newSensor(), trigger, &Config{
		RetryInterval: 10 * time.Millisecond,
		Logger:        quiet,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := start(t, d)

	waitFor(t, "two retry triggers", 2*time.Second, func() bool {
		return trigger.calls.Load() >= 2
	})
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestServesAPI(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	d, err := New(queue.New(store.NewMemory(), quiet), newSensor(), &countingTrigger{}, &Config{
		HTTPAddr: "127.0.0.1:0",
		Handler:  handler,
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := start(t, d)

	waitFor(t, "listener", 2*time.Second, func() bool { return d.Addr() != "" })

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + d.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}

	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if _, err := client.Get("http://" + d.Addr() + "/health"); err == nil {
		t.Error("listener should be closed after stop")
	}
}

func TestRunTwiceFails(t *testing.T) {
	sensor := newSensor()
	if err := sensor.OnOnline(func() {}); err != nil {
		t.Fatal(err)
	}

	d, err := New(queue.New(store.NewMemory(), quiet), sensor, &countingTrigger{}, &Config{Logger: quiet})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := d.Run(context.Background()); !errors.Is(err, netstate.ErrHandlerRegistered) {
		t.Errorf("Run error = %v, want ErrHandlerRegistered", err)
	}
}
