package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/status"
	fsync "github.com/mmb-retail/fieldsync/internal/sync"
)

// PendingCountData is the payload of a pending_count message
type PendingCountData struct {
	Kind  schema.Kind `json:"kind"`
	Count int         `json:"count"`
}

// StatsData is the payload of a stats message
type StatsData struct {
	Pending map[schema.Kind]int `json:"pending"`
	Total   int                 `json:"total"`
}

// SyncCompleteData is the payload of a sync_complete message
type SyncCompleteData struct {
	AttendanceCleared int                     `json:"attendance_cleared"`
	SalesCleared      int                     `json:"sales_cleared"`
	DeadLettered      int                     `json:"dead_lettered,omitempty"`
	FailedDecrements  []fsync.DecrementResult `json:"failed_decrements,omitempty"`
	Errors            []string                `json:"errors,omitempty"`
	Duration          time.Duration           `json:"duration"`
}

// Handler turns queue, status and sync events into dashboard messages.
// It implements queue.Observer and status.Notifier.
type Handler struct {
	server *Server
	logger *log.Logger

	mu      sync.Mutex
	pending map[schema.Kind]int
}

// NewHandler creates a handler broadcasting through server and registers
// its stats snapshot as the server's welcome message.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server:  server,
		logger:  logger,
		pending: make(map[schema.Kind]int),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// PendingChanged implements queue.Observer.
func (h *Handler) PendingChanged(kind schema.Kind, count int) {
	h.mu.Lock()
	h.pending[kind] = count
	h.mu.Unlock()

	h.send(MessageTypePendingCount, PendingCountData{Kind: kind, Count: count})
}

// Notify implements status.Notifier.
func (h *Handler) Notify(msg status.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	h.send(MessageTypeStatus, msg)
}

// OnSyncComplete broadcasts a run summary followed by fresh stats.
func (h *Handler) OnSyncComplete(report fsync.Report) {
	h.logger.Printf("Sync complete: %d attendance, %d sales in %v",
		report.Attendance.Cleared, report.Sales.Cleared, report.Duration)

	data := SyncCompleteData{
		AttendanceCleared: report.Attendance.Cleared,
		SalesCleared:      report.Sales.Cleared,
		DeadLettered:      report.Attendance.DeadLettered + report.Sales.DeadLettered,
		FailedDecrements:  report.Sales.FailedDecrements(),
		Duration:          report.Duration,
	}
	for _, e := range []string{report.Attendance.Error, report.Sales.Error} {
		if e != "" {
			data.Errors = append(data.Errors, e)
		}
	}

	h.send(MessageTypeSyncComplete, data)
	h.server.Broadcast(h.statsMessage())
}

// UpdateStats seeds pending counts, e.g. at startup.
func (h *Handler) UpdateStats(pending map[schema.Kind]int) {
	h.mu.Lock()
	for kind, n := range pending {
		h.pending[kind] = n
	}
	h.mu.Unlock()

	h.server.Broadcast(h.statsMessage())
}

// GetStats returns the current pending counts
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := StatsData{Pending: make(map[schema.Kind]int, len(h.pending))}
	for kind, n := range h.pending {
		stats.Pending[kind] = n
		stats.Total += n
	}
	return stats
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
