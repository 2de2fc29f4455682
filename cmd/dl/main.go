package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/db"
	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/logging"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deliverline CLI",
	Long: `Deliverline turns finished agent tasks into deliverables.
Core concepts:
- Workspace: one engagement. It starts bootstrapping and only aggregates once active.
- Goal: a measurable target (e.g. 50 qualified contacts). Tasks add their contribution to it.
- Task completion: every finished task passes the quality gate first. Approved work moves the goal;
  weak work is sent to human review or course correction.
- Deliverable: created when enough quality work has landed and a goal is ready. Each one is
  attributed to the goal it best serves.
- Insight: something a task learned, stored for later tasks to query.
- Event log: every state change, view with 'dl events'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureDataDir(viper.GetString("data-dir"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DELIVERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".", "data directory (holds .deliverline/ and deliverline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(insightCmd())
	rootCmd.AddCommand(qualityCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceStatusCmd("activate", domain.WorkspaceActive))
	ws.AddCommand(workspaceStatusCmd("pause", domain.WorkspacePaused))
	ws.AddCommand(workspaceDeleteCmd())
	return ws
}

func workspaceCreateCmd() *cobra.Command {
	var id, name string
	var activate bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				w, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: id, Name: name, ActorID: actor})
				if err != nil {
					return err
				}
				if activate {
					if w, err = e.SetWorkspaceStatus(ctx, w.ID, domain.WorkspaceActive, actor); err != nil {
						return err
					}
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate right away")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkspaces(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Updated")
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deleted workspaces")
	return cmd
}

func workspaceStatusCmd(use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <workspace-id>",
		Short: fmt.Sprintf("Set workspace status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetWorkspaceStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workspaceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workspace-id>",
		Short: "Soft-delete a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.DeleteWorkspace(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func goalCmd() *cobra.Command {
	g := &cobra.Command{Use: "goal", Short: "Manage workspace goals"}
	g.AddCommand(goalCreateCmd())
	g.AddCommand(goalListCmd())
	g.AddCommand(goalProgressCmd())
	g.AddCommand(goalStatusCmd())
	g.AddCommand(goalResetCmd())
	return g
}

func goalCreateCmd() *cobra.Command {
	var opts engine.GoalCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				g, err := e.CreateGoal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "goal id (generated when empty)")
	cmd.Flags().StringVar(&opts.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what the goal asks for")
	cmd.Flags().StringVar(&opts.MetricType, "metric", "", "metric type (contacts, deliverables, ...)")
	cmd.Flags().Float64Var(&opts.TargetValue, "target", 0, "target value")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority; higher wins ties")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func goalListCmd() *cobra.Command {
	var workspaceID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals with progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				goals, err := e.Repo.ListGoals(ctx, workspaceID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := newTable("ID", "Status", "Metric", "Progress", "%", "Description")
				for _, g := range goals {
					tw.AppendRow(table.Row{
						g.ID, g.Status, g.MetricType,
						fmt.Sprintf("%.2f/%.2f", g.CurrentValue, g.TargetValue),
						fmt.Sprintf("%.0f", g.ProgressPercent()),
						g.Description,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, paused)")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func goalProgressCmd() *cobra.Command {
	var delta float64
	var reason string
	cmd := &cobra.Command{
		Use:   "progress <goal-id>",
		Short: "Add progress to a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ch, agg, err := e.ApplyProgress(ctx, args[0], delta, reason)
				if err != nil && ch.Goal.ID == "" {
					return err
				}
				return printJSONOrTable(map[string]any{"change": ch, "aggregation": agg})
			})
		},
	}
	cmd.Flags().Float64Var(&delta, "delta", 0, "amount to add (must be >= 0)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	_ = cmd.MarkFlagRequired("delta")
	return cmd
}

func goalStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <goal-id> <active|paused>",
		Short: "Pause or resume a goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.SetGoalStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func goalResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <goal-id>",
		Short: "Reset a goal's progress to zero and reactivate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ResetGoal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

// --- helpers ---

func newLogger(console bool) zerolog.Logger {
	return logging.New(logging.Options{Level: viper.GetString("log-level"), Console: console})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, app.Options{DataDir: viper.GetString("data-dir"), Logger: newLogger(true)})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
