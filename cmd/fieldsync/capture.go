package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mmb-retail/fieldsync/internal/capture"
	"github.com/mmb-retail/fieldsync/internal/queue"
	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login <employee-id>",
	GroupID: "capture",
	Short:   "Sign an employee in on this device",
	Long: `Sign an employee in. Captures are recorded for the signed-in employee.

The store comes from --store, or from the employee's profile on the hosted
store. The profile is fetched right away when online and cached, so captures
keep working after the connection drops.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		storeID, _ := cmd.Flags().GetString("store")

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		sess, err := a.profiles.SignIn(ctx, args[0], storeID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error signing in: %v\n", err)
			os.Exit(1)
		}

		id, err := a.profiles.Resolve(ctx)
		if err != nil {
			fmt.Printf("%s Signed in as %s, but no store is known yet\n", ui.RenderWarn("⚠"), sess.EmployeeID)
			fmt.Printf("   Use --store or connect once so the profile can be fetched\n")
			return
		}
		fmt.Printf("%s Signed in as %s at %s\n", ui.RenderPass("✓"), id.EmployeeID, ui.RenderAccent(id.StoreID))
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "capture",
	Short:   "Sign the current employee out",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := a.profiles.SignOut(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error signing out: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var checkinCmd = &cobra.Command{
	Use:     "checkin",
	GroupID: "capture",
	Short:   "Record a check-in for the signed-in employee",
	Run: func(cmd *cobra.Command, args []string) {
		runAttendance(cmd.Context(), true)
	},
}

var checkoutCmd = &cobra.Command{
	Use:     "checkout",
	GroupID: "capture",
	Short:   "Record a check-out for the signed-in employee",
	Run: func(cmd *cobra.Command, args []string) {
		runAttendance(cmd.Context(), false)
	},
}

func runAttendance(ctx context.Context, checkIn bool) {
	a, err := openApp(ctx, hooks{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a.checkOnline(ctx)

	var res capture.Result
	if checkIn {
		res, err = a.recorder.CheckIn(ctx)
	} else {
		res, err = a.recorder.CheckOut(ctx)
	}
	code := printResult(res, err)
	a.Close()
	if code != 0 {
		os.Exit(code)
	}
}

var saleCmd = &cobra.Command{
	Use:     "sale",
	GroupID: "capture",
	Short:   "Record a sale for the signed-in employee",
	Long: `Record a sale out of a stock item.

Missing values are asked for in an interactive form when running in a
terminal. Online, the sale is sent together with any queued sales and the
stock level is lowered; offline, it is queued.

Examples:
  fieldsync sale --item oud-30 --ml 30 --price 1500 --bottle "Refill 30ml"
  fieldsync sale              # interactive`,
	Run: func(cmd *cobra.Command, args []string) {
		in := capture.SaleInput{}
		in.StockItemID, _ = cmd.Flags().GetString("item")
		in.QuantitySoldML, _ = cmd.Flags().GetInt("ml")
		in.UnitPrice, _ = cmd.Flags().GetFloat64("price")
		bottle, _ := cmd.Flags().GetString("bottle")
		in.BottleType = schema.BottleType(bottle)

		if in.StockItemID == "" || in.QuantitySoldML <= 0 || in.UnitPrice <= 0 || !in.BottleType.Valid() {
			if !ui.IsTerminal() {
				fmt.Fprintf(os.Stderr, "Error: --item, --ml, --price and --bottle are required\n")
				os.Exit(1)
			}
			if err := saleForm(&in); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, hooks{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		a.checkOnline(ctx)

		res, err := a.recorder.RecordSale(ctx, in)
		code := printResult(res, err)
		a.Close()
		if code != 0 {
			os.Exit(code)
		}
	},
}

// saleForm fills the missing parts of in interactively.
func saleForm(in *capture.SaleInput) error {
	quantity := ""
	if in.QuantitySoldML > 0 {
		quantity = strconv.Itoa(in.QuantitySoldML)
	}
	price := ""
	if in.UnitPrice > 0 {
		price = strconv.FormatFloat(in.UnitPrice, 'f', -1, 64)
	}
	bottle := string(in.BottleType)
	if !in.BottleType.Valid() {
		bottle = string(schema.BottleRefill30)
	}

	options := make([]huh.Option[string], 0, len(schema.BottleTypes))
	for _, bt := range schema.BottleTypes {
		options = append(options, huh.NewOption(string(bt), string(bt)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Stock item").
				Value(&in.StockItemID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("stock item is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Quantity (ml)").
				Value(&quantity).
				Validate(positiveInt),
			huh.NewInput().
				Title("Unit price").
				Value(&price).
				Validate(positiveFloat),
			huh.NewSelect[string]().
				Title("Bottle").
				Options(options...).
				Value(&bottle),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	in.StockItemID = strings.TrimSpace(in.StockItemID)
	in.QuantitySoldML, _ = strconv.Atoi(strings.TrimSpace(quantity))
	in.UnitPrice, _ = strconv.ParseFloat(strings.TrimSpace(price), 64)
	in.BottleType = schema.BottleType(bottle)
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return errors.New("enter a whole number above zero")
	}
	return nil
}

func positiveFloat(s string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 {
		return errors.New("enter a price above zero")
	}
	return nil
}

// printResult shows a capture result and returns the exit code: 0 when the
// event was synced or queued, 2 on data loss, 1 otherwise.
func printResult(res capture.Result, err error) int {
	switch res.Status {
	case capture.StatusSynced:
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), res.Message)
	case capture.StatusSavedLocally, capture.StatusQueuedOffline:
		fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), res.Message)
	default:
		msg := res.Message
		if msg == "" && err != nil {
			msg = err.Error()
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("✗"), msg)
	}

	for _, w := range res.Warnings {
		fmt.Printf("   %s %s\n", ui.RenderWarn("!"), w)
	}
	if res.Kind != "" && res.Status != "" {
		fmt.Printf("   Pending %s: %d\n", res.Kind, res.Pending)
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, queue.ErrDataLoss):
		return 2
	default:
		return 1
	}
}

func init() {
	loginCmd.Flags().String("store", "", "store to record captures for")

	saleCmd.Flags().String("item", "", "stock item id")
	saleCmd.Flags().Int("ml", 0, "quantity sold in ml")
	saleCmd.Flags().Float64("price", 0, "unit price")
	saleCmd.Flags().String("bottle", "", `bottle type ("Refill 30ml", "Refill 50ml", "New Bottle")`)

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(saleCmd)
}
