// Package cli は運用者向けコマンド forgectl を提供します。
//
//	forgectl sweep                      失効リースを回収する
//	forgectl job show <jobId>           ジョブの状態を表示する
//	forgectl queue stats                キューの滞留状況を表示する
//	forgectl account show <accountId>   残高を表示する
//	forgectl account reset <accountId>  今期の使用量を 0 に戻す
//	forgectl account deactivate <id>    アカウントを無効化する
//	forgectl ledger migrate             PostgreSQL の台帳テーブルを作成する
//	forgectl entitlements               プラン表を表示する
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/docforge/internal/app"
	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/jobs"
	"github.com/yourusername/docforge/internal/ledger"
	"github.com/yourusername/docforge/internal/logging"
)

type options struct {
	output  string
	timeout time.Duration
}

// BuildCLI はルートコマンドを組み立てます。
func BuildCLI() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "docforge operator tool",
		Long:          "Inspect and repair the docforge job queue, job records and credit ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "output format: yaml or json")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(
		buildSweepCommand(opts),
		buildJobCommand(opts),
		buildQueueCommand(opts),
		buildAccountCommand(opts),
		buildLedgerCommand(opts),
		buildEntitlementsCommand(opts),
	)
	return root
}

// withApp は設定を読み込んで App を組み立て、fn の終了後に接続を閉じます。
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	logger := logging.New("release", "warn").Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true})
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func buildSweepCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue or fail jobs whose lease has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				m, err := a.NewManager(nil)
				if err != nil {
					return err
				}
				res, err := m.Sweep(ctx)
				if err != nil {
					return err
				}
				if res.Requeued == nil {
					res.Requeued = []string{}
				}
				if res.Exhausted == nil {
					res.Exhausted = []string{}
				}
				return render(cmd.OutOrStdout(), opts.output, res)
			})
		},
	}
}

func buildJobCommand(opts *options) *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	job.AddCommand(&cobra.Command{
		Use:   "show <jobId>",
		Short: "Show the stored record and queue state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				m, err := a.NewManager(nil)
				if err != nil {
					return err
				}
				record, err := m.Record(ctx, args[0])
				if errors.Is(err, jobs.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				out := map[string]any{"record": record}
				if info, err := a.Queue.Info(ctx, args[0]); err == nil {
					out["queue"] = info
				}
				return render(cmd.OutOrStdout(), opts.output, out)
			})
		},
	})
	return job
}

func buildQueueCommand(opts *options) *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the work queue"}
	q.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pending jobs per priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				stats, err := a.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, stats)
			})
		},
	})
	return q
}

func buildAccountCommand(opts *options) *cobra.Command {
	account := &cobra.Command{Use: "account", Short: "Inspect and adjust ledger accounts"}

	account.AddCommand(&cobra.Command{
		Use:   "show <accountId>",
		Short: "Show allotment, usage and availability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				acct, err := a.Ledger.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				active, err := a.Store.ActiveCount(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, map[string]any{
					"account":    acct,
					"available":  acct.Available(),
					"activeJobs": active,
				})
			})
		},
	})

	var at string
	reset := &cobra.Command{
		Use:   "reset <accountId>",
		Short: "Start a new billing period (usage back to zero)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resetAt := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				resetAt = parsed
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				applied, err := a.Ledger.ResetPeriod(ctx, args[0], resetAt)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, map[string]any{
					"accountId": args[0],
					"resetAt":   resetAt,
					"applied":   applied,
				})
			})
		},
	}
	reset.Flags().StringVar(&at, "at", "", "period start (RFC3339, default now)")
	account.AddCommand(reset)

	account.AddCommand(&cobra.Command{
		Use:   "deactivate <accountId>",
		Short: "Reject new submissions from the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if err := a.Ledger.Deactivate(ctx, args[0]); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, map[string]any{"accountId": args[0], "active": false})
			})
		},
	})
	return account
}

func buildLedgerCommand(opts *options) *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Manage the credit ledger store"}
	l.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.LedgerBackend != "postgres" {
				return fmt.Errorf("LEDGER_BACKEND is %s; migrate only applies to postgres", cfg.LedgerBackend)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			pg, pool, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, map[string]any{"migrated": true})
		},
	})
	return l
}

func buildEntitlementsCommand(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "entitlements",
		Short: "Print the effective tier table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := entitlement.LoadFile(file)
			if err != nil {
				return err
			}
			ordered := make([]entitlement.Entitlement, 0, len(table))
			for _, tier := range entitlement.Tiers() {
				ent := table[tier]
				ent.Tier = tier
				ordered = append(ordered, ent)
			}
			return render(cmd.OutOrStdout(), opts.output, ordered)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "tier table YAML (default: built-in table)")
	return cmd
}

// render は v を JSON タグに従って整形し、format で出力します。
func render(w io.Writer, format string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		var pretty any
		if err := json.Unmarshal(data, &pretty); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	case "yaml", "":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (use yaml or json)", format)
	}
}
