package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"council/internal/app"
	"council/internal/council"
	"council/internal/report"
	"council/internal/snapshot"
	"council/internal/store"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "council",
		Short:         "Multi-agent council that deliberates over market snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "Configuration file path (env COUNCIL_CONFIG)")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newAuditCmd(&cfgPath))
	root.AddCommand(newReplayCmd(&cfgPath))
	root.AddCommand(newListCmd(&cfgPath))
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and snapshot inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()
			a, err := app.NewApp(cfg)
			if err != nil {
				return fmt.Errorf("初始化应用失败: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()
			return a.Run(ctx)
		},
	}
}

// offlineApp 构建不带 HTTP 与收件箱的应用，用于单次运行与查询。
func offlineApp(cfgPath string, dryRun bool) (*app.App, func(), error) {
	cfg, cleanup, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		cfg.Council.DryRun = true
	}
	a, err := app.NewAppBuilder(cfg, app.WithoutHTTP()).Build(context.Background())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("初始化应用失败: %w", err)
	}
	return a, func() {
		_ = a.Close()
		cleanup()
	}, nil
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var (
		snapPath  string
		dryRun    bool
		chartPath string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single cycle over a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.LoadFile(snapPath)
			if err != nil {
				return err
			}
			a, done, err := offlineApp(*cfgPath, dryRun)
			if err != nil {
				return err
			}
			defer done()

			ctx, stop := signalContext()
			defer stop()
			res, runErr := a.Service().Run(ctx, snap)
			if res.CycleID == "" {
				return runErr
			}
			out := cmd.OutOrStdout()
			if asJSON {
				raw, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
			} else {
				fmt.Fprint(out, report.Summary(res.CycleID, res.Records, res.Outcome))
			}
			if chartPath != "" {
				if err := writeChart(chartPath, res); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&snapPath, "snapshot", "", "Snapshot JSON file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the decision instead of handing it off")
	cmd.Flags().StringVar(&chartPath, "chart", "", "Write the vote chart HTML to this path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func writeChart(path string, res council.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart file: %w", err)
	}
	defer f.Close()
	return report.RenderCharts(f, res.Records)
}

func newAuditCmd(cfgPath *string) *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "audit <cycle-id>",
		Short: "Print the round records of a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := offlineApp(*cfgPath, false)
			if err != nil {
				return err
			}
			defer done()
			ctx := context.Background()
			recs, err := a.Service().Audit(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if text {
				outcome, err := a.Service().Outcome(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(out, report.Summary(args[0], recs, outcome))
				return nil
			}
			raw, err := json.MarshalIndent(recs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(raw))
			return nil
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "Print a terminal summary instead of JSON")
	return cmd
}

func newReplayCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <cycle-id>",
		Short: "Recompute every aggregation from the audit log and compare",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := offlineApp(*cfgPath, false)
			if err != nil {
				return err
			}
			defer done()
			rep, err := a.Service().Replay(context.Background(), args[0])
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			if !rep.Consistent() {
				return errors.New("replay mismatch: audit log does not reproduce recorded results")
			}
			return nil
		},
	}
}

func newListCmd(cfgPath *string) *cobra.Command {
	var (
		symbol string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finished cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := offlineApp(*cfgPath, false)
			if err != nil {
				return err
			}
			defer done()
			items, err := a.Service().List(context.Background(), store.CycleQuery{Symbol: symbol, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, it := range items {
				fmt.Fprintf(out, "%s  %-10s %-24s %-20s rounds=%d %s\n",
					it.FinishedAt.Format("2006-01-02 15:04:05"), it.Symbol, it.State, it.Reason, it.Rounds, it.CycleID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Filter by symbol")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}
