// Command fieldsync is the on-device agent of the retail PWA: it records
// attendance and sales, keeps them in a local queue while offline and
// reconciles them with the hosted store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmb-retail/fieldsync/internal/config"
)

var (
	// v holds defaults, FIELDSYNC_* overrides and bound flags
	v = config.New()

	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first attendance and sales capture for retail staff",
	Long: `fieldsync records attendance and sales on a shop device and keeps them
safe while the connection is down.

Captures go straight to the hosted store when it is reachable. Otherwise they
are saved in a local queue and replayed automatically when the connection
returns (run 'fieldsync daemon'), or on demand with 'fieldsync sync'.

Configuration is read from ~/.fieldsync/config.toml (see 'fieldsync config
init') and FIELDSYNC_* environment variables, e.g. FIELDSYNC_REMOTE_DSN.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "capture", Title: "Capture:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ~/.fieldsync/config.toml)")
	flags.String("data-dir", "", "directory for the local queue and spool")
	flags.String("remote-dsn", "", "Postgres connection string of the hosted store")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	bindFlag("data_dir", "data-dir")
	bindFlag("remote.dsn", "remote-dsn")
}

// bindFlag lets a persistent flag override a config key when it is set.
func bindFlag(key, name string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
		panic(err)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(v, configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
