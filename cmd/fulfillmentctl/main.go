package main

import (
	"encoding/json"
	"fmt"
	"os"

	"fulfillment-service/config"
	"fulfillment-service/internal/app"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "fulfillmentctl",
		Short:   "Operator commands for the fulfillment service",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.InitLogger(os.Getenv("ENV"))
		},
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			db, err := store.NewStore(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sweep [sla|recovery|expiry|all]",
		Short: "Run one batch of a sweep, for cron-style schedulers",
		Long: `Run one batch of a sweep and print its report.

Sweeps take the same Redis lock as the server's scheduler, so running this
alongside a server is safe; a sweep already running elsewhere is reported
as skipped.

Examples:
  fulfillmentctl sweep recovery
  fulfillmentctl sweep all --json`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"sla", "recovery", "expiry", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			names := []string{args[0]}
			if args[0] == "all" {
				names = []string{"sla", "recovery", "expiry"}
			}

			ctx := cmd.Context()

			a, err := app.Build(ctx, config.Load())
			if err != nil {
				return err
			}
			defer a.Close()

			for _, name := range names {
				report, ran, err := a.Scheduler.Run(ctx, name)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", name, err)
				}
				if !ran {
					fmt.Printf("%s: skipped, already running elsewhere\n", name)
					continue
				}

				if asJSON {
					out, err := json.Marshal(report)
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					continue
				}
				fmt.Printf("%s: claimed=%d warned=%d escalated=%d recovered=%d failed=%d stalled=%d expired=%d skipped=%d errors=%d\n",
					name, report.Claimed, report.Warned, report.Escalated, report.Recovered,
					report.Failed, report.Stalled, report.Expired, report.Skipped, report.Errors)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output reports as JSON")

	return cmd
}
