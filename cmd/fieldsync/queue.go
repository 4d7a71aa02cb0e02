package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mmb-retail/fieldsync/internal/migrate"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "admin",
	Short:   "Inspect and maintain the local queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List queued records",
	Long: `List the records waiting to be sent, oldest first.

--since accepts RFC3339 timestamps or phrases like "yesterday 9am" or
"last friday". With --dead the parked records are listed instead.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sinceStr, _ := cmd.Flags().GetString("since")
		dead, _ := cmd.Flags().GetBool("dead")

		kinds, err := kindArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		since, err := parseSince(sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		var rows [][]string
		for _, kind := range kinds {
			envs, err := a.queue.List(ctx, kind)
			if dead {
				envs, err = a.queue.ListDead(ctx, kind)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s queue: %v\n", kind, err)
				os.Exit(1)
			}
			for _, env := range envs {
				if !since.IsZero() && env.CapturedAt.Before(since) {
					continue
				}
				rows = append(rows, envelopeRow(env))
			}
		}

		if len(rows) == 0 {
			fmt.Println("Queue is empty")
			return
		}
		fmt.Println(ui.Table([]string{"KIND", "ID", "CAPTURED", "STORE", "DETAIL"}, rows))
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead <kind>",
	Short: "List records set aside after repeated rejections",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kinds, err := kindArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		envs, err := a.queue.ListDead(ctx, kinds[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(envs) == 0 {
			fmt.Printf("%s No %s records set aside\n", ui.RenderPass("✓"), kinds[0])
			return
		}
		rows := make([][]string, 0, len(envs))
		for _, env := range envs {
			rows = append(rows, envelopeRow(env))
		}
		fmt.Println(ui.Table([]string{"KIND", "ID", "CAPTURED", "STORE", "DETAIL"}, rows))
		fmt.Printf("\nFix the cause and run 'fieldsync queue requeue %s' to send them again.\n", kinds[0])
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <kind>",
	Short: "Move set-aside records back into the queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kinds, err := kindArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		n, err := a.queue.Requeue(ctx, kinds[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Requeued %d %s records\n", ui.RenderPass("✓"), n, kinds[0])
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the queue to a JSONL file",
	Long: `Write queued records to a JSONL file, one record per line.

The export is a backup: records stay in the queue. Use it before wiping a
device, then 'fieldsync queue import' on the replacement.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kindFlag, _ := cmd.Flags().GetString("kind")
		sinceStr, _ := cmd.Flags().GetString("since")
		dead, _ := cmd.Flags().GetBool("dead")

		opts := migrate.ExportOptions{IncludeDead: dead}
		if kindFlag != "" {
			kinds, err := kindArgs([]string{kindFlag})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			opts.Kinds = kinds
		}
		since, err := parseSince(sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts.Since = since

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		res, err := migrate.ExportFile(ctx, a.queue, args[0], opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		total := res.Dead
		for _, n := range res.Exported {
			total += n
		}
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), total, args[0])
		for _, kind := range schema.Kinds {
			if n := res.Exported[kind]; n > 0 {
				fmt.Printf("   %s: %d\n", kind, n)
			}
		}
		if res.Dead > 0 {
			fmt.Printf("   set aside: %d\n", res.Dead)
		}
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add records from a JSONL export to the queue",
	Long: `Add records from a JSONL export to the queue.

Records whose client event id is already queued are skipped. Records that
already reached the hosted store are safe to import again: the store ignores
replayed ids.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		res, err := migrate.Import(ctx, a.queue, args[0], migrate.ImportOptions{
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		total := 0
		for _, n := range res.Imported {
			total += n
		}
		fmt.Printf("%s %s %d records (%d duplicates skipped)\n", ui.RenderPass("✓"), verb, total, res.Duplicates)
		if res.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", res.BackupCreated)
		}
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("!"), e)
		}
	},
}

// kindArgs returns the kind named in args, or every kind when args is empty.
func kindArgs(args []string) ([]schema.Kind, error) {
	if len(args) == 0 {
		return schema.Kinds, nil
	}
	kind, err := schema.ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	return []schema.Kind{kind}, nil
}

// parseSince accepts RFC3339, a plain date, or a natural phrase.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func envelopeRow(env schema.Envelope) []string {
	detail := ""
	switch {
	case env.Attendance != nil:
		action := "check-in"
		if env.Attendance.CheckOutTime != nil {
			action = "check-out"
		}
		detail = action + " " + env.Attendance.EmployeeID
	case env.Sale != nil:
		detail = fmt.Sprintf("%s %dml %s", env.Sale.StockItemID, env.Sale.QuantitySoldML,
			strconv.FormatFloat(env.Sale.UnitPrice, 'f', 2, 64))
	}
	return []string{
		string(env.Kind),
		strconv.FormatInt(env.LocalID, 10),
		env.CapturedAt.Local().Format("2006-01-02 15:04"),
		env.StoreID(),
		detail,
	}
}

func init() {
	queueListCmd.Flags().String("since", "", "only records captured after this time")
	queueListCmd.Flags().Bool("dead", false, "list set-aside records instead")

	queueExportCmd.Flags().String("kind", "", "export only this kind (attendance or sale)")
	queueExportCmd.Flags().String("since", "", "only records captured after this time")
	queueExportCmd.Flags().Bool("dead", false, "include set-aside records")

	queueImportCmd.Flags().Bool("dry-run", false, "show what would be imported")
	queueImportCmd.Flags().Bool("backup", false, "export the current queue next to the file first")

	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queueRequeueCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}
