package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	fsync "github.com/mmb-retail/fieldsync/internal/sync"
	"github.com/mmb-retail/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send queued attendance and sales to the hosted store",
	Long: `Replay every queued record against the hosted store.

Attendance and sales are each sent as one batch. Records are removed from the
queue only after their batch was accepted. Stock decrements that fail after
the sales were accepted are reported as warnings and are not retried.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if !a.checkOnline(ctx) {
			fmt.Printf("%s Remote store not reachable, trying anyway\n", ui.RenderWarn("⚠"))
		}

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		report, err := a.orch.Run(ctx)
		if errors.Is(err, fsync.ErrSyncInProgress) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printOutcome("Attendance", report.Attendance)
		printOutcome("Sales", report.Sales.Outcome)
		for _, d := range report.Sales.FailedDecrements() {
			fmt.Printf("   %s stock update failed for %s (%dml): %s\n",
				ui.RenderWarn("!"), d.StockItemID, d.QuantityML, d.Error)
		}
		fmt.Printf("   Took %v\n", report.Duration.Round(time.Millisecond))

		if err != nil {
			os.Exit(1)
		}
	},
}

func printOutcome(label string, out fsync.Outcome) {
	switch {
	case !out.OK():
		fmt.Printf("%s %s: %s (pending %d)\n", ui.RenderFail("✗"), label, out.Error, out.Pending)
		if out.DeadLettered > 0 {
			fmt.Printf("   %d records set aside, see 'fieldsync queue dead %s'\n", out.DeadLettered, out.Kind)
		}
	case out.Submitted == 0:
		fmt.Printf("%s %s: nothing to send\n", ui.RenderPass("✓"), label)
	default:
		fmt.Printf("%s %s: %d sent, %d new (pending %d)\n",
			ui.RenderPass("✓"), label, out.Cleared, out.Inserted, out.Pending)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
