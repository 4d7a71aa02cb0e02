package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is a queued record. Kind selects which payload is set.
type Envelope struct {
	Kind       Kind      `json:"kind"`
	LocalID    int64     `json:"localId,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`

	Attendance *AttendanceEvent `json:"attendance,omitempty"`
	Sale       *SaleEvent       `json:"sale,omitempty"`
}

// NewAttendance wraps an attendance event.
func NewAttendance(ev AttendanceEvent) Envelope {
	return Envelope{Kind: KindAttendance, Attendance: &ev}
}

// NewSale wraps a sale event.
func NewSale(ev SaleEvent) Envelope {
	return Envelope{Kind: KindSale, Sale: &ev}
}

// Validate checks the kind tag against the payload and validates the payload.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindAttendance:
		if e.Attendance == nil || e.Sale != nil {
			return fmt.Errorf("attendance envelope must carry only an attendance payload")
		}
		return e.Attendance.Validate()
	case KindSale:
		if e.Sale == nil || e.Attendance != nil {
			return fmt.Errorf("sale envelope must carry only a sale payload")
		}
		return e.Sale.Validate()
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
}

// StoreID returns the store of the wrapped payload.
func (e *Envelope) StoreID() string {
	switch e.Kind {
	case KindAttendance:
		if e.Attendance != nil {
			return e.Attendance.StoreID
		}
	case KindSale:
		if e.Sale != nil {
			return e.Sale.StoreID
		}
	}
	return ""
}

// ClientEventID returns the idempotency key of the wrapped payload.
func (e *Envelope) ClientEventID() string {
	switch e.Kind {
	case KindAttendance:
		if e.Attendance != nil {
			return e.Attendance.ClientEventID
		}
	case KindSale:
		if e.Sale != nil {
			return e.Sale.ClientEventID
		}
	}
	return ""
}

// Stamp fills in capture metadata that is still missing: the capture time
// and the idempotency key. Sale timestamps default to the capture time.
func (e *Envelope) Stamp(now time.Time) {
	if e.CapturedAt.IsZero() {
		e.CapturedAt = now
	}
	switch e.Kind {
	case KindAttendance:
		if e.Attendance != nil && e.Attendance.ClientEventID == "" {
			e.Attendance.ClientEventID = uuid.NewString()
		}
	case KindSale:
		if e.Sale != nil {
			if e.Sale.ClientEventID == "" {
				e.Sale.ClientEventID = uuid.NewString()
			}
			if e.Sale.Timestamp.IsZero() {
				e.Sale.Timestamp = e.CapturedAt
			}
		}
	}
}

// ReadEnvelopeFile reads and validates an envelope stored as JSON.
func ReadEnvelopeFile(path string) (*Envelope, error) {
	// #nosec G304 - path comes from the watched spool directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope file %s: %w", path, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope file %s: %w", path, err)
	}

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope file %s: %w", path, err)
	}

	return &env, nil
}

// WriteEnvelopeFile writes env to dir as {clientEventId}.json.
// The file is written atomically via a temp file so a watcher never sees a
// partial document.
func WriteEnvelopeFile(dir string, env *Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid envelope: %w", err)
	}
	env.Stamp(time.Now())

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	path := filepath.Join(dir, env.ClientEventID()+".json")
	tmpPath := strings.TrimSuffix(path, ".json") + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	return path, nil
}
