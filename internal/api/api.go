// Package api is the local HTTP interface the PWA talks to. Every capture
// goes through here so the browser never writes to the remote store itself.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mmb-retail/fieldsync/internal/capture"
	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/identity"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/stock"
	fsync "github.com/mmb-retail/fieldsync/internal/sync"
)

// Capturer records events. *capture.Recorder satisfies it.
type Capturer interface {
	CheckIn(ctx context.Context) (capture.Result, error)
	CheckOut(ctx context.Context) (capture.Result, error)
	RecordSale(ctx context.Context, in capture.SaleInput) (capture.Result, error)
}

// Runner starts a sync run. *sync.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context) (fsync.Report, error)
	LastReport() (fsync.Report, bool)
}

// Connectivity is the sensor as seen by the API. The browser reports its
// own online/offline events through it.
type Connectivity interface {
	IsOnline() bool
	Set(online bool)
}

// Sessions manages the signed-in employee. *identity.Profiles satisfies it.
type Sessions interface {
	identity.Resolver
	SignIn(ctx context.Context, employeeID, storeID string) (identity.Session, error)
	SignOut(ctx context.Context) error
	Session(ctx context.Context) (identity.Session, error)
}

// StockLister lists a store's inventory. gateway.Gateway satisfies it.
type StockLister interface {
	ListStock(ctx context.Context, storeID string) ([]gateway.StockItem, error)
}

// Mounter adds extra routes, e.g. the dashboard socket.
type Mounter interface {
	Mount(r chi.Router)
}

// Config wires the handlers to their collaborators.
type Config struct {
	Capture  Capturer
	Sync     Runner
	Queue    *queue.Queue
	Net      Connectivity
	Sessions Sessions
	Stock    StockLister

	// Dashboard, if set, is mounted at the root (/ws and /health).
	Dashboard Mounter

	// RequestTimeout bounds every request (default: 30s).
	RequestTimeout time.Duration

	// Logger for request logs.
	Logger *log.Logger
}

// Server holds the API handlers.
type Server struct {
	config Config
	logger *log.Logger
}

// New creates the API server.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Server{config: config, logger: config.Logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	if s.config.Dashboard != nil {
		s.config.Dashboard.Mount(r)
	} else {
		r.Get("/health", s.handleHealth)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.config.RequestTimeout))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/", s.handleSignIn)
			r.Delete("/", s.handleSignOut)
		})

		r.Post("/attendance/check-in", s.handleCheckIn)
		r.Post("/attendance/check-out", s.handleCheckOut)
		r.Post("/sales", s.handleSale)

		r.Post("/sync", s.handleSync)
		r.Get("/sync/last", s.handleLastReport)
		r.Get("/pending", s.handlePending)
		r.Get("/dead/{kind}", s.handleListDead)
		r.Post("/dead/{kind}/requeue", s.handleRequeue)

		r.Get("/connectivity", s.handleGetConnectivity)
		r.Post("/connectivity", s.handleSetConnectivity)

		r.Get("/stock", s.handleStock)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, capture.ErrResolution), errors.Is(err, identity.ErrNoStoreAssigned):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrDataLoss):
		return http.StatusInsufficientStorage
	case errors.Is(err, fsync.ErrSyncInProgress):
		return http.StatusConflict
	case gateway.IsRejected(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func kindParam(r *http.Request) (schema.Kind, error) {
	return schema.ParseKind(chi.URLParam(r, "kind"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type signInRequest struct {
	EmployeeID string `json:"employeeId"`
	StoreID    string `json:"storeId,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.config.Sessions.Session(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EmployeeID == "" {
		writeError(w, http.StatusBadRequest, errors.New("employeeId is required"))
		return
	}

	sess, err := s.config.Sessions.SignIn(r.Context(), req.EmployeeID, req.StoreID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Sessions.SignOut(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := s.config.Capture.CheckIn(r.Context())
	s.writeCapture(w, res, err)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	res, err := s.config.Capture.CheckOut(r.Context())
	s.writeCapture(w, res, err)
}

func (s *Server) handleSale(w http.ResponseWriter, r *http.Request) {
	var in capture.SaleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.config.Capture.RecordSale(r.Context(), in)
	s.writeCapture(w, res, err)
}

// writeCapture always returns the Result so the PWA can show its message.
func (s *Server) writeCapture(w http.ResponseWriter, res capture.Result, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}

	code := http.StatusAccepted
	if res.Status == capture.StatusSynced {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.config.Sync.Run(r.Context())
	switch {
	case errors.Is(err, fsync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		// Per-kind failures are in the report body.
		writeJSON(w, http.StatusMultiStatus, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleLastReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.config.Sync.LastReport()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type pendingResponse struct {
	Pending map[schema.Kind]int `json:"pending"`
	Total   int                 `json:"total"`
	Online  bool                `json:"online"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.config.Queue.Pending(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := pendingResponse{Pending: pending}
	for _, n := range pending {
		resp.Total += n
	}
	if s.config.Net != nil {
		resp.Online = s.config.Net.IsOnline()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dead, err := s.config.Queue.ListDead(r.Context(), kind)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n, err := s.config.Queue.Requeue(r.Context(), kind)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

// errNoSensor is returned when the server was built without a sensor.
var errNoSensor = errors.New("connectivity sensor not configured")

// Without a sensor the server reports offline, matching /pending.
func (s *Server) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	var resp connectivityRequest
	if s.config.Net != nil {
		resp.Online = s.config.Net.IsOnline()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.config.Net == nil {
		writeError(w, http.StatusServiceUnavailable, errNoSensor)
		return
	}

	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.config.Net.Set(req.Online)
	writeJSON(w, http.StatusOK, connectivityRequest{Online: s.config.Net.IsOnline()})
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store")
	if storeID == "" {
		id, err := s.config.Sessions.Resolve(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		storeID = id.StoreID
	}

	items, err := s.config.Stock.ListStock(r.Context(), storeID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, stock.Rows(items))
}
