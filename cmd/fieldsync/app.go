package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mmb-retail/fieldsync/internal/capture"
	"github.com/mmb-retail/fieldsync/internal/config"
	"github.com/mmb-retail/fieldsync/internal/gateway"
	"github.com/mmb-retail/fieldsync/internal/identity"
	"github.com/mmb-retail/fieldsync/internal/logging"
	"github.com/mmb-retail/fieldsync/internal/netstate"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/status"
	"github.com/mmb-retail/fieldsync/internal/store"
	fsync "github.com/mmb-retail/fieldsync/internal/sync"
)

// hooks lets the daemon attach the dashboard before components are built.
type hooks struct {
	Notifier   status.Notifier
	Observer   queue.Observer
	OnComplete func(fsync.Report)
	LogStderr  bool
}

// app is every component of one fieldsync process.
type app struct {
	cfg  *config.Config
	logs *logging.Logging

	kv       store.KV
	queue    *queue.Queue
	postgres *gateway.Postgres
	gateway  gateway.Gateway
	profiles *identity.Profiles
	sensor   *netstate.Sensor
	orch     *fsync.Orchestrator
	recorder *capture.Recorder
}

func openApp(ctx context.Context, h hooks) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      !verbose && !h.LogStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	a := &app{cfg: cfg, logs: logs}

	a.kv, err = store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	a.queue = queue.New(a.kv, logs.Logger("queue"))
	if h.Observer != nil {
		a.queue.Subscribe(h.Observer)
	}

	var prober netstate.Prober
	if cfg.Remote.DSN != "" {
		a.postgres, err = gateway.Open(ctx, cfg.Remote.DSN, logs.Logger("gateway"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.gateway = a.postgres
		prober = netstate.ProberFunc(a.postgres.Ping)
	} else {
		a.gateway = gateway.Unconfigured{}
	}
	if cfg.Remote.ProbeAddr != "" {
		prober = netstate.TCPProber(cfg.Remote.ProbeAddr)
	}

	a.sensor = netstate.New(prober, &netstate.Config{
		Interval:     cfg.Sync.ProbeInterval,
		ProbeTimeout: 3 * time.Second,
		Logger:       logs.Logger("netstate"),
	})

	a.profiles = identity.NewProfiles(a.kv, a.gateway, cfg.Remote.Timeout, logs.Logger("identity"))

	notifier := status.Notifier(status.Logger{L: logs.Logger("status")})
	if h.Notifier != nil {
		notifier = status.Multi{notifier, h.Notifier}
	}

	a.orch = fsync.New(a.queue, a.gateway, notifier, &fsync.Config{
		RemoteTimeout:       cfg.Remote.Timeout,
		MaxRejectedAttempts: cfg.Sync.MaxRejectedAttempts,
		OnComplete:          h.OnComplete,
		Logger:              logs.Logger("sync"),
	})

	a.recorder = capture.NewRecorder(a.profiles, a.queue, a.gateway, a.orch, a.sensor, notifier,
		&capture.Config{RemoteTimeout: cfg.Remote.Timeout, Logger: logs.Logger("capture")})

	return a, nil
}

// checkOnline probes the remote store once so one-shot commands know
// whether to write directly.
func (a *app) checkOnline(ctx context.Context) bool {
	if a.postgres == nil && a.cfg.Remote.ProbeAddr == "" {
		return false
	}
	return a.sensor.Check(ctx)
}

func (a *app) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.kv != nil {
		_ = a.kv.Close()
	}
	_ = a.logs.Close()
}
