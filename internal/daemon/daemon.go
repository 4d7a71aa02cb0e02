// Package daemon runs fieldsync as a long-lived process next to the PWA.
//
// The daemon:
//  1. Probes connectivity and syncs on every offline-to-online transition
//  2. Ingests envelope files dropped into the spool directory
//  3. Optionally retries the sync on a fixed interval
//  4. Serves the local HTTP API and dashboard socket
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
)

// RejectedDir is the spool subdirectory that receives unreadable files.
const RejectedDir = "rejected"

// Sensor is the connectivity sensor as seen by the daemon.
type Sensor interface {
	Run(ctx context.Context) error
	OnOnline(handler func()) error
}

// Trigger starts a sync run. *sync.Orchestrator satisfies it.
type Trigger interface {
	Trigger(ctx context.Context)
}

// Lifecycle is a component with a start and stop, e.g. the dashboard hub.
type Lifecycle interface {
	Start()
	Stop()
}

// Config holds configuration for the daemon.
type Config struct {
	// SpoolDir is watched for *.json envelope files (empty disables it)
	SpoolDir string

	// DebounceInterval is how long a spool file must be quiet before it is
	// ingested. This batches rapid writes together
	DebounceInterval time.Duration

	// RetryInterval triggers a sync on a fixed schedule (0 disables it)
	RetryInterval time.Duration

	// HTTPAddr is the API listen address (empty disables the listener)
	HTTPAddr string

	// Handler serves HTTPAddr
	Handler http.Handler

	// Dashboard is started and stopped with the daemon
	Dashboard Lifecycle

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the sensor, the spool and the API to the queue and orchestrator.
type Daemon struct {
	queue  *queue.Queue
	sensor Sensor
	syncer Trigger
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	addrMu sync.Mutex
	addr   string
}

// New creates a daemon. Use Run to start it.
func New(q *queue.Queue, sensor Sensor, syncer Trigger, config *Config) (*Daemon, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if sensor == nil {
		return nil, fmt.Errorf("sensor cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.HTTPAddr != "" && config.Handler == nil {
		return nil, fmt.Errorf("an HTTP handler is required to listen on %s", config.HTTPAddr)
	}

	return &Daemon{
		queue:       q,
		sensor:      sensor,
		syncer:      syncer,
		config:      config,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Addr returns the address the API is listening on, once it is.
func (d *Daemon) Addr() string {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.addr
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. A daemon can only be run once because the sensor accepts a
// single online handler.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.sensor.OnOnline(func() { d.syncer.Trigger(ctx) }); err != nil {
		return fmt.Errorf("failed to register online handler: %w", err)
	}

	if d.config.SpoolDir != "" {
		if err := d.startSpool(ctx); err != nil {
			return err
		}
		defer func() {
			if err := d.watcher.Close(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sensor.Run(gctx) })

	if d.watcher != nil {
		g.Go(func() error { d.watchFileEvents(gctx); return nil })
		g.Go(func() error { d.processChangeQueue(gctx); return nil })
	}

	if d.config.RetryInterval > 0 {
		g.Go(func() error { d.retryLoop(gctx); return nil })
	}

	if d.config.HTTPAddr != "" {
		if err := d.serve(g, gctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	err := g.Wait()
	d.config.Logger.Println("Daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serve starts the API listener and the dashboard on g.
func (d *Daemon) serve(g *errgroup.Group, ctx context.Context) error {
	ln, err := net.Listen("tcp", d.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.HTTPAddr, err)
	}

	d.addrMu.Lock()
	d.addr = ln.Addr().String()
	d.addrMu.Unlock()
	d.config.Logger.Printf("API listening on http://%s", ln.Addr())

	srv := &http.Server{
		Handler:           d.config.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if d.config.Dashboard != nil {
		d.config.Dashboard.Start()
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// Close sockets first; Shutdown does not wait for hijacked connections
		if d.config.Dashboard != nil {
			d.config.Dashboard.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// startSpool creates the spool directories, ingests files left from
// before the start and begins watching.
func (d *Daemon) startSpool(ctx context.Context) error {
	dir := d.config.SpoolDir
	if err := os.MkdirAll(filepath.Join(dir, RejectedDir), 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Watch before the initial scan so nothing written in between is missed
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	d.watcher = watcher

	if _, err := d.IngestAll(ctx); err != nil {
		watcher.Close()
		d.watcher = nil
		return fmt.Errorf("initial spool ingest failed: %w", err)
	}

	d.config.Logger.Printf("Watching spool: %s", dir)
	return nil
}

// retryLoop triggers a sync every RetryInterval.
func (d *Daemon) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.syncer.Trigger(ctx)
		}
	}
}

// watchFileEvents monitors the spool directory and queues changed files.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about files appearing or being written
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			// Temp files are renamed to .json when complete
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for path.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue ingests queued files with debouncing.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.ingestFile(ctx, path); err != nil {
			d.config.Logger.Printf("Error ingesting %s: %v", path, err)
		}
	}
}

// IngestAll ingests every *.json file currently in the spool directory and
// returns how many were enqueued.
func (d *Daemon) IngestAll(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(d.config.SpoolDir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list spool: %w", err)
	}

	n := 0
	for _, path := range paths {
		if err := d.ingestFile(ctx, path); err != nil {
			d.config.Logger.Printf("Error ingesting %s: %v", path, err)
			continue
		}
		n++
	}
	if len(paths) > 0 {
		d.config.Logger.Printf("Ingested %d of %d spool files", n, len(paths))
	}
	return n, nil
}

// ingestFile enqueues one spool file and removes it. Unreadable or invalid
// files are moved to the rejected directory. A file whose envelope could
// not be stored is left in place for the next attempt.
func (d *Daemon) ingestFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	env, err := schema.ReadEnvelopeFile(path)
	if err != nil {
		return d.reject(path, err)
	}

	// Spooled envelopes get a local id from this queue, not the writer's.
	env.LocalID = 0
	stored, err := d.queue.Enqueue(ctx, *env)
	if errors.Is(err, queue.ErrInvalidEvent) {
		return d.reject(path, err)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue spool file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("enqueued %s %d but failed to remove spool file: %w", stored.Kind, stored.LocalID, err)
	}
	d.config.Logger.Printf("Spooled %s event %d from %s", stored.Kind, stored.LocalID, filepath.Base(path))
	return nil
}

func (d *Daemon) reject(path string, cause error) error {
	dest := filepath.Join(d.config.SpoolDir, RejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to move rejected file (%v): %w", cause, err)
	}
	d.config.Logger.Printf("Rejected spool file %s: %v", filepath.Base(path), cause)
	return nil
}
