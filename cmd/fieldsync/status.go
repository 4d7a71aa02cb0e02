package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/ui"
)

type statusReport struct {
	Employee   string              `json:"employee,omitempty" yaml:"employee,omitempty"`
	Store      string              `json:"store,omitempty" yaml:"store,omitempty"`
	Online     bool                `json:"online" yaml:"online"`
	Remote     bool                `json:"remoteConfigured" yaml:"remote_configured"`
	Pending    map[schema.Kind]int `json:"pending" yaml:"pending"`
	Dead       map[schema.Kind]int `json:"dead" yaml:"dead"`
	Rejections map[schema.Kind]int `json:"rejections" yaml:"rejections"`
	StorePath  string              `json:"storePath" yaml:"store_path"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show session, connectivity and queue counts",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		report := statusReport{
			Online:     a.checkOnline(ctx),
			Remote:     a.postgres != nil,
			Dead:       make(map[schema.Kind]int),
			Rejections: make(map[schema.Kind]int),
			StorePath:  a.cfg.Store.Path,
		}
		if id, err := a.profiles.Resolve(ctx); err == nil {
			report.Employee, report.Store = id.EmployeeID, id.StoreID
		} else if sess, err := a.profiles.Session(ctx); err == nil {
			report.Employee = sess.EmployeeID
		}

		report.Pending, err = a.queue.Pending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}
		for _, kind := range schema.Kinds {
			dead, err := a.queue.ListDead(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading dead letters: %v\n", err)
				os.Exit(1)
			}
			report.Dead[kind] = len(dead)
			report.Rejections[kind], _ = a.queue.Rejections(ctx, kind)
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			_ = enc.Encode(report)
			_ = enc.Close()
		case "table", "":
			printStatus(report)
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (want table, json or yaml)\n", format)
			os.Exit(1)
		}
	},
}

func printStatus(r statusReport) {
	fmt.Printf("\n%s fieldsync status\n\n", ui.RenderAccent("📊"))

	who := ui.RenderWarn("not signed in")
	if r.Employee != "" {
		who = r.Employee
		if r.Store != "" {
			who += " @ " + r.Store
		} else {
			who += " " + ui.RenderWarn("(no store)")
		}
	}
	fmt.Printf("Employee: %s\n", who)

	conn := ui.RenderWarn("offline")
	if r.Online {
		conn = ui.RenderPass("online")
	}
	if !r.Remote {
		conn = ui.RenderMuted("no remote configured")
	}
	fmt.Printf("Remote: %s\n", conn)
	fmt.Printf("Queue: %s\n\n", r.StorePath)

	rows := make([][]string, 0, len(schema.Kinds))
	for _, kind := range schema.Kinds {
		rows = append(rows, []string{
			string(kind),
			strconv.Itoa(r.Pending[kind]),
			strconv.Itoa(r.Dead[kind]),
			strconv.Itoa(r.Rejections[kind]),
		})
	}
	fmt.Println(ui.Table([]string{"KIND", "PENDING", "DEAD", "REJECTED RUNS"}, rows))
	fmt.Println()
}

func init() {
	statusCmd.Flags().String("format", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
