// Command steward supervises event watchers and schedules the tasks
// their events produce. `steward run` is the daemon; the other
// commands inspect and operate on the shared store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/approval"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/scheduler"
	"steward/internal/source"
	"steward/internal/store"
)

// Exit codes.
const (
	exitOK         = 0
	exitValidation = 1
	exitRuntime    = 2
)

// validationError signals exit code 1 (bad input, failed check)
// instead of the generic runtime 2.
type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           "steward",
	Short:         "Watcher supervision and task scheduling engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("STEWARD")
		viper.AutomaticEnv()
	})
	addPersistentFlags()
	registerCommands()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var vErr *validationError
		if errors.As(err, &vErr) {
			os.Exit(exitValidation)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to steward.yaml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(dependCmd())
	rootCmd.AddCommand(initCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

// withStore opens the configured store, runs fn, and closes it.
func withStore(ctx context.Context, fn func(context.Context, *config.Config, store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return &validationError{err}
	}
	st, err := store.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, cfg, st)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: watchers, scheduler, workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withStore(ctx, func(ctx context.Context, cfg *config.Config, st store.Store) error {
				logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
				eng, err := engine.New(*cfg, st, logger)
				if err != nil {
					return &validationError{err}
				}
				return eng.Run(ctx)
			})
		},
	}
}

// statusReport is the `status --json` payload.
type statusReport struct {
	Watchers      []*domain.WatcherHandle   `json:"watchers"`
	QueueDepth    map[domain.Status]int     `json:"queue_depth"`
	OpenApprovals []*domain.ApprovalRequest `json:"open_approvals"`
	SLABreaches   int                       `json:"sla_breaches"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show watchers, queue depths, and open approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				watchers, err := st.ListWatchers(ctx)
				if err != nil {
					return err
				}
				depth, err := st.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				open, err := st.ListOpenApprovals(ctx)
				if err != nil {
					return err
				}
				breaches := 0
				tasks, err := st.ListTasks(ctx)
				if err != nil {
					return err
				}
				for _, task := range tasks {
					if task.SLABreached && !task.Status.Terminal() {
						breaches++
					}
				}

				report := statusReport{
					Watchers:      watchers,
					QueueDepth:    depth,
					OpenApprovals: open,
					SLABreaches:   breaches,
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Watcher", "State", "Restarts", "Last heartbeat"})
				for _, w := range watchers {
					tw.AppendRow(table.Row{w.WatcherID, w.State, w.RestartCount, formatTime(w.LastHeartbeat)})
				}
				tw.Render()

				fmt.Println()
				tw = table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, status := range []domain.Status{
					domain.StatusPending, domain.StatusReady, domain.StatusAwaitingApproval,
					domain.StatusApproved, domain.StatusRunning, domain.StatusDone,
					domain.StatusFailed, domain.StatusExpired,
				} {
					if n := depth[status]; n > 0 {
						tw.AppendRow(table.Row{status, n})
					}
				}
				tw.Render()

				fmt.Printf("\nopen approvals: %d, active SLA breaches: %d\n", len(open), breaches)
				return nil
			})
		},
	}
}

func tasksCmd() *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				var tasks []*domain.Task
				var err error
				if statusFilter != "" {
					tasks, err = st.ListTasksByStatus(ctx, domain.Status(statusFilter))
				} else {
					tasks, err = st.ListTasks(ctx)
				}
				if err != nil {
					return err
				}
				sort.Slice(tasks, func(i, j int) bool {
					return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
				})

				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Source", "Key", "Priority", "Status", "Attempts", "Created", "Last error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						short(t.TaskID), t.SourceID, t.LogicalKey, t.Priority, t.Status,
						fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
						formatTime(t.CreatedAt), t.LastError,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	return cmd
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <watcher_id>",
		Short: "Reset a watcher's restart budget and relaunch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				id := args[0]
				handle, err := st.GetWatcher(ctx, id)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return &validationError{fmt.Errorf("unknown watcher: %s", id)}
					}
					return err
				}
				if err := st.TransitionWatcher(ctx, id, domain.WatcherRestarting, 0, "operator"); err != nil {
					return err
				}
				fmt.Printf("watcher %s marked for restart (was %s, %d restarts)\n",
					id, handle.State, handle.RestartCount)
				return nil
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check config, watcher specs, and the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				specs, err := source.LoadSpecs(cfg.Watchers.Dir)
				if err != nil {
					return &validationError{err}
				}

				sched := scheduler.New(st, scheduler.Config{})
				if err := sched.Rehydrate(ctx); err != nil {
					return err
				}
				order, err := sched.Validate()
				if err != nil {
					return &validationError{err}
				}

				fmt.Printf("ok: %d watcher specs, %d tasks, dependency graph acyclic\n",
					len(specs), len(order))
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Export the audit log as JSONL ('-' for stdout)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				out := os.Stdout
				if args[0] != "-" {
					f, err := os.Create(args[0])
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				n, err := st.ExportAudit(ctx, out)
				if err != nil {
					return err
				}
				if args[0] != "-" {
					fmt.Printf("exported %d audit entries to %s\n", n, args[0])
				}
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	return decideCmd("approve", domain.DecisionApproved, "Approve a pending request")
}

func rejectCmd() *cobra.Command {
	return decideCmd("reject", domain.DecisionRejected, "Reject a pending request")
}

func decideCmd(use string, decision domain.Decision, short string) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   use + " <approval_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				gate := approval.NewGate(st, cfg.Approval.TTL)
				err := gate.Decide(ctx, args[0], decision, actor)
				var decided *approval.AlreadyDecidedError
				if errors.As(err, &decided) {
					return &validationError{fmt.Errorf("approval %s already %s", args[0], decided.Decision)}
				}
				if errors.Is(err, store.ErrNotFound) {
					return &validationError{fmt.Errorf("unknown approval: %s", args[0])}
				}
				if err != nil {
					return err
				}
				fmt.Printf("approval %s: %s\n", args[0], decision)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "operator", "who is deciding")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a non-terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				prior, err := st.CancelTask(ctx, args[0], reason, "operator")
				if errors.Is(err, store.ErrNotFound) {
					return &validationError{fmt.Errorf("unknown task: %s", args[0])}
				}
				if errors.Is(err, store.ErrConflict) {
					return &validationError{fmt.Errorf("task %s is already %s", args[0], prior)}
				}
				if err != nil {
					return err
				}
				fmt.Printf("task %s cancelled (was %s)\n", args[0], prior)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled", "reason recorded on the task")
	return cmd
}

func dependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <task_id> <depends_on_id>",
		Short: "Make one task depend on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
				sched := scheduler.New(st, scheduler.Config{})
				if err := sched.Rehydrate(ctx); err != nil {
					return err
				}
				err := sched.RegisterDependency(ctx, args[0], args[1])
				var cycle *scheduler.CycleError
				if errors.As(err, &cycle) {
					return &validationError{err}
				}
				if errors.Is(err, store.ErrNotFound) {
					return &validationError{err}
				}
				if err != nil {
					return err
				}
				fmt.Printf("task %s now depends on %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func initCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "steward.yaml", "where to write the config")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
