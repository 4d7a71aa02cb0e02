package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmb-retail/fieldsync/internal/api"
	"github.com/mmb-retail/fieldsync/internal/daemon"
	"github.com/mmb-retail/fieldsync/internal/dashboard"
	"github.com/mmb-retail/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the local API and sync automatically",
	Long: `Run fieldsync in the background of the shop device.

The daemon:
  - serves the local API the PWA captures through (--addr)
  - streams queue counts and sync results on /ws
  - probes the hosted store and syncs whenever the connection returns
  - ingests envelope files dropped into the spool directory

Send SIGHUP to reopen the log file after external rotation.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Output is redirected to the log file once it is open
		dashLog := log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
		server := dashboard.NewServer(&dashboard.Config{Logger: dashLog})
		handler := dashboard.NewHandler(server, dashLog)

		a, err := openApp(ctx, hooks{
			Notifier:   handler,
			Observer:   handler,
			OnComplete: handler.OnSyncComplete,
			LogStderr:  true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()
		dashLog.SetOutput(a.logs.Writer())

		if pending, err := a.queue.Pending(ctx); err == nil {
			handler.UpdateStats(pending)
		}

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.HTTP.Addr
		}

		apiServer := api.New(api.Config{
			Capture:   a.recorder,
			Sync:      a.orch,
			Queue:     a.queue,
			Net:       a.sensor,
			Sessions:  a.profiles,
			Stock:     a.gateway,
			Dashboard: server,
			Logger:    a.logs.Logger("api"),
		})

		d, err := daemon.New(a.queue, a.sensor, a.orch, &daemon.Config{
			SpoolDir:      a.cfg.Spool.Dir,
			RetryInterval: a.cfg.Sync.RetryInterval,
			HTTPAddr:      addr,
			Handler:       apiServer.Handler(),
			Dashboard:     server,
			Logger:        a.logs.Logger("daemon"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.Close()
			os.Exit(1)
		}

		go reopenLogsOnHangup(ctx, a)

		fmt.Printf("%s fieldsync daemon on %s (spool %s)\n", ui.RenderAccent("▶"), addr, a.cfg.Spool.Dir)
		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.Close()
			os.Exit(1)
		}
	},
}

func reopenLogsOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger := a.logs.Logger("daemon")
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.logs.Rotate(); err != nil {
				logger.Printf("Failed to rotate log: %v", err)
			}
		}
	}
}

func init() {
	daemonCmd.Flags().String("addr", "", "API listen address (default from config, :8787)")
	rootCmd.AddCommand(daemonCmd)
}
