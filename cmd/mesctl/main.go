package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/app"
	"mes-execution-backend/internal/db"
	"mes-execution-backend/internal/model"
)

var rootCmd = &cobra.Command{
	Use:   "mesctl",
	Short: "MES execution operator CLI",
	Long: `mesctl runs the batch jobs of the execution backend once, against the
database named in the service configuration: event processing, time rule
sweeps, ingest polling, readiness checks and schema migration.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "./config/config.yaml", "configuration file")
	flags.String("db-driver", "", "database driver (overrides config)")
	flags.String("db-dsn", "", "database DSN (overrides config)")
	flags.String("actor-id", "mesctl", "operator recorded on mutations")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "db-driver", "db-dsn", "actor-id", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processEventsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(readinessCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := viper.GetString("db-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("db-dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Log)
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)
	return fn(ctx, app.New(cfg, gormDB, logger))
}

func closeDB(gormDB *gorm.DB) {
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gormDB, err := db.Init(&cfg.Database)
			if err != nil {
				return err
			}
			defer closeDB(gormDB)
			fmt.Printf("migrated %d tables (%s)\n", len(model.All()), cfg.Database.Driver)
			return nil
		},
	}
}

func processEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process-events",
		Short: "Process one batch of pending MES events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Services.Events.ProcessBatch(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				return render(table.Row{"Processed", "Completed", "Failed", "Skipped"},
					table.Row{sum.Processed, sum.Completed, sum.Failed, sum.Skipped})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (0 uses the configured size)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-time-rules",
		Short: "Expire overdue time rule instances and raise warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				return render(table.Row{"Expired", "Warned"}, table.Row{res.Expired, res.Warned})
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	ing := &cobra.Command{Use: "ingest", Short: "Ingest upstream events"}
	var source string
	poll := &cobra.Command{
		Use:   "poll",
		Short: "Poll every enabled ingest source once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tw := newTable(table.Row{"Source", "Fetched", "Accepted", "Duplicates", "Rejected", "Error"})
				var results []map[string]any
				polled := 0
				for _, p := range a.Pollers {
					if source != "" && p.Source() != source {
						continue
					}
					polled++
					res, err := p.PollOnce(ctx)
					errText := ""
					if err != nil {
						errText = err.Error()
					}
					tw.AppendRow(table.Row{p.Source(), res.Fetched, res.Accepted, res.Duplicates, res.Rejected, errText})
					results = append(results, map[string]any{"source": p.Source(), "result": res, "error": errText})
				}
				if polled == 0 {
					return fmt.Errorf("no enabled ingest source with a url matches %q", source)
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw.Render()
				return nil
			})
		},
	}
	poll.Flags().StringVar(&source, "source", "", "poll only this source")
	ing.AddCommand(poll)
	return ing
}

func readinessCmd() *cobra.Command {
	rd := &cobra.Command{Use: "readiness", Short: "Run readiness checks"}
	var checkType string
	check := &cobra.Command{
		Use:   "check <runNo>",
		Short: "Run a readiness check for a run and print its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Services.Readiness.PerformCheck(ctx, args[0], strings.ToUpper(checkType), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable(table.Row{"Type", "Key", "Status", "Reason"})
				for _, it := range report.Items {
					reason := ""
					if it.FailReason != nil {
						reason = *it.FailReason
					}
					tw.AppendRow(table.Row{it.ItemType, it.ItemKey, it.Status, reason})
				}
				tw.AppendFooter(table.Row{report.Status, fmt.Sprintf("%d items", report.Summary.Total),
					fmt.Sprintf("%d failed", report.Summary.Failed), fmt.Sprintf("%d waived", report.Summary.Waived)})
				tw.Render()
				return nil
			})
		},
	}
	check.Flags().StringVar(&checkType, "type", model.CheckFormal, "check type (PRECHECK or FORMAL)")
	rd.AddCommand(check)
	return rd
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func render(header, row table.Row) error {
	tw := newTable(header)
	tw.AppendRow(row)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
