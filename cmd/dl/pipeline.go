package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/memory"
	"deliverline/internal/quality"
	"deliverline/internal/repo"
)

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Report and inspect tasks"}
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskBatchCmd())
	t.AddCommand(taskListCmd())
	return t
}

func taskCompleteCmd() *cobra.Command {
	var ev engine.TaskCompletedEvent
	var score float64
	var outputFile string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Report a completed task and run it through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("quality") {
				ev.QualityScore = &score
			}
			if outputFile != "" {
				data, err := readInput(outputFile)
				if err != nil {
					return err
				}
				ev.Output = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev.ActorID = viper.GetString("actor-id")
				out, err := e.HandleTaskCompleted(ctx, ev)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&ev.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&ev.TaskID, "id", "", "task id")
	cmd.Flags().StringVar(&ev.Name, "name", "", "task name")
	cmd.Flags().StringVar(&ev.GoalID, "goal", "", "goal the task contributes to")
	cmd.Flags().StringVar(&ev.AgentRole, "agent-role", "", "role of the agent that did the work")
	cmd.Flags().StringVar(&ev.Output, "output", "", "task output")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "read task output from a file (- for stdin)")
	cmd.Flags().Float64Var(&score, "quality", 0, "self-reported quality score in [0,1]")
	cmd.Flags().Float64Var(&ev.Contribution, "contribution", 0, "amount added to the goal")
	cmd.Flags().Float64Var(&ev.BusinessImpact, "business-impact", 0, "business impact in [0,1]")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskBatchCmd() *cobra.Command {
	var file string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process a JSON array of task completion events",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			var evs []engine.TaskCompletedEvent
			if err := json.Unmarshal(data, &evs); err != nil {
				return fmt.Errorf("invalid batch json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				for i := range evs {
					if evs[i].ActorID == "" {
						evs[i].ActorID = actor
					}
				}
				results, err := e.HandleBatch(ctx, evs, concurrency)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable("Task", "Decision", "Deliverable", "Error")
				for i, r := range results {
					deliverable := ""
					if agg := r.Outcome.Aggregation; agg != nil && agg.Deliverable != nil {
						deliverable = agg.Deliverable.ID
					}
					tw.AppendRow(table.Row{evs[i].TaskID, r.Outcome.Assessment.Decision, deliverable, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with events (- for stdin)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "events processed in parallel")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Name", "Status", "Decision", "Quality", "Goal", "Deliverable")
				for _, t := range tasks {
					q := ""
					if t.QualityScore != nil {
						q = fmt.Sprintf("%.2f", *t.QualityScore)
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, t.Decision, q, deref(t.GoalID), deref(t.DeliverableID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, completed)")
	cmd.Flags().StringVar(&f.Decision, "decision", "", "quality gate decision filter")
	cmd.Flags().StringVar(&f.GoalID, "goal", "", "goal filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <workspace-id>",
		Short: "Explain why a workspace has or has not produced a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetWorkspace(ctx, args[0]); err != nil {
					return err
				}
				d, err := e.Diagnose(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				ev := d.Evaluation
				if ev.Ready {
					fmt.Printf("ready (mode %s)\n", ev.Mode)
				} else {
					fmt.Println("not ready")
				}
				tw := newTable("Reason", "Detail")
				for _, r := range ev.Reasons {
					tw.AppendRow(table.Row{r.Code, r.Detail})
				}
				tw.Render()
				fmt.Printf("completed tasks: %d  avg quality: %.2f  deliverables: %d\n", ev.CompletedTasks, ev.AvgQuality, ev.Deliverables)
				fmt.Printf("breaker %s: %s\n", d.Breaker.Name, d.Breaker.State)
				return nil
			})
		},
	}
}

func aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <workspace-id>",
		Short: "Check the trigger and create a deliverable if the workspace is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agg, err := e.Aggregate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
}

func deliverableCmd() *cobra.Command {
	d := &cobra.Command{Use: "deliverable", Short: "Inspect deliverables"}
	d.AddCommand(&cobra.Command{
		Use:   "list <workspace-id>",
		Short: "List deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeliverables(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Type", "Status", "Goal", "Match", "Value")
				for _, d := range items {
					tw.AppendRow(table.Row{
						d.ID, d.Title, d.Type, d.Status, deref(d.GoalID),
						fmt.Sprintf("%s %.0f", d.MatchMethod, d.MatchConfidence),
						fmt.Sprintf("%.2f", d.BusinessValueScore),
					})
				}
				tw.Render()
				return nil
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "show <deliverable-id>",
		Short: "Show a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Repo.GetDeliverable(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	})
	var reason string
	reassign := &cobra.Command{
		Use:   "reassign <deliverable-id> <goal-id>",
		Short: "Attribute a deliverable to a different goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ReassignDeliverableGoal(ctx, args[0], args[1], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	reassign.Flags().StringVar(&reason, "reason", "", "why the attribution changed")
	d.AddCommand(reassign)
	return d
}

func insightCmd() *cobra.Command {
	i := &cobra.Command{Use: "insight", Short: "Store and query workspace insights"}
	i.AddCommand(insightStoreCmd())
	i.AddCommand(insightQueryCmd())
	return i
}

func insightStoreCmd() *cobra.Command {
	var in domain.Insight
	var tags, taskID string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store an insight",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.RelevanceTags = splitCSV(tags)
			in.TaskID = optionalString(taskID)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkspace(ctx, in.WorkspaceID)
				if err != nil {
					return err
				}
				if w.Status == domain.WorkspaceDeleted {
					return engine.ErrWorkspaceDeleted
				}
				id, err := e.Memory.Store(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id})
			})
		},
	}
	cmd.Flags().StringVar(&in.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&in.InsightType, "type", "", "insight type ("+strings.Join(domain.InsightTypes, ", ")+")")
	cmd.Flags().StringVar(&in.Content, "content", "", "insight text")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated relevance tags")
	cmd.Flags().StringVar(&taskID, "task", "", "source task id")
	cmd.Flags().StringVar(&in.AgentRole, "agent-role", "", "recording agent role")
	cmd.Flags().Float64Var(&in.ConfidenceScore, "confidence", 0.7, "confidence in [0,1]")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func insightQueryCmd() *cobra.Command {
	var q memory.Query
	var tags string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query insights, most relevant first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Tags = splitCSV(tags)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Memory.Query(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Confidence", "Tags", "Content")
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.InsightType, fmt.Sprintf("%.2f", in.ConfidenceScore), strings.Join(in.RelevanceTags, ","), in.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated tags (any match)")
	cmd.Flags().StringVar(&q.Type, "type", "", "insight type filter")
	cmd.Flags().Float64Var(&q.MinConfidence, "min-confidence", 0, "minimum confidence")
	cmd.Flags().IntVar(&q.Limit, "limit", 10, "max results")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func qualityCmd() *cobra.Command {
	qc := &cobra.Command{Use: "quality", Short: "Quality gate tools"}
	var a quality.Artifact
	var score float64
	var file string
	eval := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the quality gate on content without recording anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := readInput(file)
				if err != nil {
					return err
				}
				a.Content = string(data)
			}
			if cmd.Flags().Changed("score") {
				a.ReportedScore = &score
			}
			if strings.TrimSpace(a.Content) == "" && a.ReportedScore == nil {
				return fmt.Errorf("--content, --file or --score required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.EvaluateQuality(ctx, a))
			})
		},
	}
	a.Kind = "artifact"
	eval.Flags().StringVar(&a.Title, "title", "", "artifact title")
	eval.Flags().StringVar(&a.Content, "content", "", "artifact content")
	eval.Flags().StringVarP(&file, "file", "f", "", "read content from a file (- for stdin)")
	eval.Flags().Float64Var(&score, "score", 0, "known quality score in [0,1]")
	eval.Flags().Float64Var(&a.BusinessImpact, "business-impact", 0, "business impact in [0,1]")
	qc.AddCommand(eval)
	return qc
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
