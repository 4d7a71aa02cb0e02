// Package migrate moves pending queues in and out of JSONL files, for
// backups before a device is wiped and for replaying a queue captured on
// another device.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
)

// Record is one line of an export file.
type Record struct {
	Dead     bool            `json:"dead,omitempty"`
	Envelope schema.Envelope `json:"envelope"`
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	Kinds       []schema.Kind // Kinds to export (default: all)
	Since       time.Time     // Skip envelopes captured before this
	IncludeDead bool          // Also export dead letters
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Exported map[schema.Kind]int
	Dead     int
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun bool // Preview without enqueueing
	Backup bool // Export the current queues next to the input first
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Imported      map[schema.Kind]int
	Duplicates    int
	BackupCreated string
	Errors        []string
}

// Export writes the pending envelopes of q to w, one JSON record per line.
func Export(ctx context.Context, q *queue.Queue, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = schema.Kinds
	}

	result := &ExportResult{Exported: make(map[schema.Kind]int)}
	encoder := json.NewEncoder(w)

	for _, kind := range kinds {
		pending, err := q.List(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s queue: %w", kind, err)
		}
		for _, env := range pending {
			if !opts.Since.IsZero() && env.CapturedAt.Before(opts.Since) {
				continue
			}
			if err := encoder.Encode(Record{Envelope: env}); err != nil {
				return nil, fmt.Errorf("failed to write %s event %d: %w", kind, env.LocalID, err)
			}
			result.Exported[kind]++
		}

		if !opts.IncludeDead {
			continue
		}
		dead, err := q.ListDead(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s dead letters: %w", kind, err)
		}
		for _, env := range dead {
			if !opts.Since.IsZero() && env.CapturedAt.Before(opts.Since) {
				continue
			}
			if err := encoder.Encode(Record{Dead: true, Envelope: env}); err != nil {
				return nil, fmt.Errorf("failed to write dead %s event: %w", kind, err)
			}
			result.Dead++
		}
	}

	return result, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, q *queue.Queue, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	buf := bufio.NewWriter(file)
	result, err := Export(ctx, q, buf, opts)
	if err == nil {
		err = buf.Flush()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// ReadJSONL parses an export file.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var records []Record
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++
		records = append(records, rec)
	}

	return records, nil
}

// Import enqueues every record of the JSONL file at path onto q. Envelopes
// whose idempotency key is already pending are skipped. Dead records are
// enqueued as pending again. Invalid envelopes are reported in the result
// and do not stop the import; storage failures do.
func Import(ctx context.Context, q *queue.Queue, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	records, err := ReadJSONL(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{Imported: make(map[schema.Kind]int)}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := ExportFile(ctx, q, backupPath, ExportOptions{IncludeDead: true}); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	seen := make(map[string]bool)
	for _, kind := range schema.Kinds {
		pending, err := q.List(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s queue: %w", kind, err)
		}
		for _, env := range pending {
			seen[env.ClientEventID()] = true
		}
	}

	for i, rec := range records {
		env := rec.Envelope
		if err := env.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}

		if id := env.ClientEventID(); id != "" {
			if seen[id] {
				result.Duplicates++
				continue
			}
			seen[id] = true
		}

		if !opts.DryRun {
			env.LocalID = 0
			if _, err := q.Enqueue(ctx, env); err != nil {
				return result, fmt.Errorf("failed to enqueue record %d: %w", i+1, err)
			}
		}
		result.Imported[env.Kind]++
	}

	return result, nil
}
