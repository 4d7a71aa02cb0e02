// Package netstate tracks whether the remote store is reachable and
// announces offline-to-online transitions.
//
// The sensor starts out offline. A background loop probes reachability at a
// fixed interval, and callers that learn about connectivity some other way
// (the browser's online/offline events forwarded by the API) can inject it
// with Set. Whenever the state flips from offline to online the registered
// handler runs once in its own goroutine. Overlapping handler runs are
// expected; the handler is responsible for coalescing them.
package netstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHandlerRegistered is returned by OnOnline when a handler already exists.
var ErrHandlerRegistered = errors.New("online handler already registered")

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// TCPProber dials addr (host:port) and closes the connection.
func TCPProber(addr string) Prober {
	return ProberFunc(func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// Config holds sensor configuration.
type Config struct {
	// Interval between probes.
	Interval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// Logger for state transitions.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     5 * time.Second,
		ProbeTimeout: 3 * time.Second,
		Logger:       log.New(os.Stderr, "[netstate] ", log.LstdFlags),
	}
}

// Sensor reports connectivity and fires the online handler on transitions.
type Sensor struct {
	prober Prober
	config *Config

	online atomic.Bool

	handlerMu sync.Mutex
	handler   func()
	handlers  sync.WaitGroup
	// stopped is set once Run starts waiting for handlers; no new
	// handler goroutines are launched after that
	stopped bool
}

// New creates a sensor. prober may be nil, in which case the state only
// changes through Set.
func New(prober Prober, config *Config) *Sensor {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Sensor{prober: prober, config: config}
}

// IsOnline returns the last known state. It is best effort.
func (s *Sensor) IsOnline() bool {
	return s.online.Load()
}

// OnOnline registers the transition handler. Only one handler may be
// registered for the lifetime of the sensor.
func (s *Sensor) OnOnline(handler func()) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	if s.handler != nil {
		return ErrHandlerRegistered
	}
	s.handler = handler
	return nil
}

// Set records the connectivity state. An offline-to-online change fires the
// handler; repeated reports of the same state do nothing.
func (s *Sensor) Set(online bool) {
	prev := s.online.Swap(online)
	if prev == online {
		return
	}

	if !online {
		s.config.Logger.Println("Connectivity lost")
		return
	}

	s.config.Logger.Println("Connectivity restored")

	s.handlerMu.Lock()
	handler := s.handler
	if s.stopped {
		handler = nil
	}
	if handler != nil {
		s.handlers.Add(1)
	}
	s.handlerMu.Unlock()

	if handler != nil {
		go func() {
			defer s.handlers.Done()
			handler()
		}()
	}
}

// Run probes until ctx is cancelled. The first probe happens immediately.
// It waits for running handlers before returning. Once Run has returned,
// Set still records the state but no longer fires the handler.
func (s *Sensor) Run(ctx context.Context) error {
	defer s.shutdown()

	if s.prober == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.probe(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check probes once and returns the resulting state. Without a prober it
// returns the last state set.
func (s *Sensor) Check(ctx context.Context) bool {
	if s.prober != nil {
		s.probe(ctx)
	}
	return s.IsOnline()
}

func (s *Sensor) shutdown() {
	s.handlerMu.Lock()
	s.stopped = true
	s.handlerMu.Unlock()

	s.handlers.Wait()
}

// Wait blocks until every handler started so far has returned.
func (s *Sensor) Wait() {
	s.handlers.Wait()
}

func (s *Sensor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	err := s.prober.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil && s.IsOnline() {
		s.config.Logger.Printf("Probe failed: %v", err)
	}
	s.Set(err == nil)
}
