package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/mmb-retail/fieldsync/internal/capture"
	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/gateway/gatewaytest"
	"github.com/mmb-retail/fieldsync/internal/identity"
	"github.com/mmb-retail/fieldsync/internal/netstate"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/status"
	"github.com/mmb-retail/fieldsync/internal/stock"
	"github.com/mmb-retail/fieldsync/internal/store"
	fsync "github.com/mmb-retail/fieldsync/internal/sync"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	queue    *queue.Queue
	gateway  *gatewaytest.Fake
	sensor   *netstate.Sensor
	profiles *identity.Profiles
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv := store.NewMemory()
	f := &fixture{gateway: gatewaytest.New()}
	f.queue = queue.New(kv, quiet)
	f.sensor = netstate.New(nil, &netstate.Config{Logger: quiet})
	f.profiles = identity.NewProfiles(kv, f.gateway, time.Second, quiet)

	syncConfig := fsync.DefaultConfig()
	syncConfig.Logger = quiet
	orch := fsync.New(f.queue, f.gateway, status.Discard, syncConfig)

	recorder := capture.NewRecorder(f.profiles, f.queue, f.gateway, orch, f.sensor, status.Discard,
		&capture.Config{RemoteTimeout: time.Second, Logger: quiet})

	f.handler = New(Config{
		Capture:  recorder,
		Sync:     orch,
		Queue:    f.queue,
		Net:      f.sensor,
		Sessions: f.profiles,
		Stock:    f.gateway,
		Logger:   quiet,
	}).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, f.handler, method, path, body)
}

func serve(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, want, rec.Body.String())
	}
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	expectCode(t, f.do(t, http.MethodPost, "/session", signInRequest{EmployeeID: "emp-1", StoreID: "store-1"}), http.StatusOK)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.do(t, http.MethodGet, "/health", nil), http.StatusOK)
}

func TestCheckInWithoutSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/attendance/check-in", nil)
	expectCode(t, rec, http.StatusUnauthorized)

	if res := decode[capture.Result](t, rec); res.Message != "Sign in before recording" {
		t.Errorf("message = %q, want the sign-in prompt", res.Message)
	}

	n, err := f.queue.Count(context.Background(), schema.KindAttendance)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestOfflineCheckInIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	rec := f.do(t, http.MethodPost, "/attendance/check-in", nil)
	expectCode(t, rec, http.StatusAccepted)

	res := decode[capture.Result](t, rec)
	if res.Status != capture.StatusQueuedOffline || res.Pending != 1 {
		t.Errorf("status %s pending %d, want queued offline and 1", res.Status, res.Pending)
	}

	pending := decode[pendingResponse](t, f.do(t, http.MethodGet, "/pending", nil))
	if pending.Pending[schema.KindAttendance] != 1 || pending.Total != 1 {
		t.Errorf("pending = %+v, want one attendance event", pending)
	}
	if pending.Online {
		t.Error("pending reports online while offline")
	}
}

func TestOnlineSaleIsCreated(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.sensor.Set(true)
	f.sensor.Wait()

	rec := f.do(t, http.MethodPost, "/sales", capture.SaleInput{
		StockItemID:    "oud-30",
		QuantitySoldML: 30,
		UnitPrice:      1500,
		BottleType:     schema.BottleRefill30,
	})
	expectCode(t, rec, http.StatusCreated)

	if res := decode[capture.Result](t, rec); res.Status != capture.StatusSynced {
		t.Errorf("status = %s, want synced", res.Status)
	}
	if n := len(f.gateway.Sales()); n != 1 {
		t.Errorf("remote sales rows = %d, want 1", n)
	}
	want := []gatewaytest.Decrement{{StockItemID: "oud-30", QuantityML: 30}}
	if got := f.gateway.Decrements(); !reflect.DeepEqual(got, want) {
		t.Errorf("decrements = %v, want %v", got, want)
	}
}

func TestInvalidSaleIsRejected(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	expectCode(t, f.do(t, http.MethodPost, "/sales", capture.SaleInput{StockItemID: "oud-30", UnitPrice: 10}), http.StatusBadRequest)
	expectCode(t, f.do(t, http.MethodPost, "/sales", "not an object"), http.StatusBadRequest)
}

func TestSyncDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	expectCode(t, f.do(t, http.MethodPost, "/attendance/check-in", nil), http.StatusAccepted)

	rec := f.do(t, http.MethodPost, "/sync", nil)
	expectCode(t, rec, http.StatusOK)

	if report := decode[fsync.Report](t, rec); report.Attendance.Cleared != 1 {
		t.Errorf("attendance cleared = %d, want 1", report.Attendance.Cleared)
	}
	if n := len(f.gateway.Attendance()); n != 1 {
		t.Errorf("remote attendance rows = %d, want 1", n)
	}

	expectCode(t, f.do(t, http.MethodGet, "/sync/last", nil), http.StatusOK)
}

func TestSyncPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.gateway.FailAttendance(errors.New("connection reset"))

	expectCode(t, f.do(t, http.MethodPost, "/attendance/check-in", nil), http.StatusAccepted)

	rec := f.do(t, http.MethodPost, "/sync", nil)
	expectCode(t, rec, http.StatusMultiStatus)

	report := decode[fsync.Report](t, rec)
	if report.Attendance.Error != "connection reset" {
		t.Errorf("attendance error = %q, want connection reset", report.Attendance.Error)
	}
	if report.Attendance.Pending != 1 {
		t.Errorf("attendance pending = %d, want 1", report.Attendance.Pending)
	}
}

func TestLastReportEmpty(t *testing.T) {
	f := newFixture(t)
	expectCode(t, f.do(t, http.MethodGet, "/sync/last", nil), http.StatusNoContent)
}

func TestDeadLettersAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env, err := f.queue.Enqueue(ctx, schema.NewSale(schema.SaleEvent{
		EmployeeID: "emp-1", StoreID: "store-1", StockItemID: "oud-30",
		QuantitySoldML: 30, UnitPrice: 1500, BottleType: schema.BottleRefill30,
	}))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := f.queue.DeadLetter(ctx, schema.KindSale, []schema.Envelope{env}); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/dead/sale", nil)
	expectCode(t, rec, http.StatusOK)
	if dead := decode[[]schema.Envelope](t, rec); len(dead) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dead))
	}

	rec = f.do(t, http.MethodPost, "/dead/sale/requeue", nil)
	expectCode(t, rec, http.StatusOK)
	if n := decode[map[string]int](t, rec)["requeued"]; n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	n, err := f.queue.Count(ctx, schema.KindSale)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	expectCode(t, f.do(t, http.MethodGet, "/dead/refund", nil), http.StatusBadRequest)
}

func TestConnectivity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/connectivity", connectivityRequest{Online: true})
	expectCode(t, rec, http.StatusOK)
	if !decode[connectivityRequest](t, rec).Online {
		t.Error("POST /connectivity should report online")
	}
	f.sensor.Wait()

	if !decode[connectivityRequest](t, f.do(t, http.MethodGet, "/connectivity", nil)).Online {
		t.Error("GET /connectivity should report online")
	}
}

func TestConnectivityWithoutSensor(t *testing.T) {
	handler := New(Config{
		Queue:  queue.New(store.NewMemory(), quiet),
		Logger: quiet,
	}).Handler()

	rec := serve(t, handler, http.MethodGet, "/connectivity", nil)
	expectCode(t, rec, http.StatusOK)
	if decode[connectivityRequest](t, rec).Online {
		t.Error("a server without a sensor should report offline")
	}

	rec = serve(t, handler, http.MethodPost, "/connectivity", connectivityRequest{Online: true})
	expectCode(t, rec, http.StatusServiceUnavailable)
	if msg := decode[errorResponse](t, rec).Error; msg != errNoSensor.Error() {
		t.Errorf("error = %q, want %q", msg, errNoSensor.Error())
	}

	pending := decode[pendingResponse](t, serve(t, handler, http.MethodGet, "/pending", nil))
	if pending.Online {
		t.Error("/pending should report offline without a sensor")
	}
}

func TestStockUsesSessionStore(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.gateway.SetStock("store-1", []gateway.StockItem{
		{ID: "musk", StoreID: "store-1", Name: "Musk", VolumeML: 1000, DailyAverageML: 10},
		{ID: "oud", StoreID: "store-1", Name: "Oud", VolumeML: 50, DailyAverageML: 10},
	})

	rec := f.do(t, http.MethodGet, "/stock", nil)
	expectCode(t, rec, http.StatusOK)

	rows := decode[[]stock.Row](t, rec)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ID != "oud" || rows[0].Level != stock.LevelCritical {
		t.Errorf("first row = %+v, want critical oud first", rows[0])
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	expectCode(t, f.do(t, http.MethodGet, "/session", nil), http.StatusUnauthorized)
	expectCode(t, f.do(t, http.MethodPost, "/session", signInRequest{}), http.StatusBadRequest)

	f.signIn(t)
	if sess := decode[identity.Session](t, f.do(t, http.MethodGet, "/session", nil)); sess.EmployeeID != "emp-1" {
		t.Errorf("session employee = %q, want emp-1", sess.EmployeeID)
	}

	expectCode(t, f.do(t, http.MethodDelete, "/session", nil), http.StatusNoContent)
	expectCode(t, f.do(t, http.MethodGet, "/session", nil), http.StatusUnauthorized)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{identity.ErrNoSession, http.StatusUnauthorized},
		{identity.ErrNoStoreAssigned, http.StatusUnprocessableEntity},
		{queue.ErrDataLoss, http.StatusInsufficientStorage},
		{fsync.ErrSyncInProgress, http.StatusConflict},
		{gateway.ErrRejected, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
