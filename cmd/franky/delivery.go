package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Plan, run and report on projects",
		Long:  "A project is a dependency graph of tasks, expanded from service templates or listed explicitly. Running it executes ready tasks in a bounded pool and sends every deliverable through QA.",
	}
	prj.AddCommand(projectSubmitCmd())
	prj.AddCommand(projectRunCmd())
	prj.AddCommand(projectCancelCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectReportCmd())
	return prj
}

func projectSubmitCmd() *cobra.Command {
	var opts engine.ProjectSubmitOptions
	var file string
	var run bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a project from flags or a spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				var spec domain.ProjectSpec
				if err := decodeFile(file, &spec); err != nil {
					return err
				}
				mergeSpec(&spec, opts.Spec)
				opts.Spec = spec
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitProject(ctx, opts)
				if err != nil {
					return err
				}
				if run {
					sum, err := e.RunProject(ctx, p.ID)
					if err != nil {
						return err
					}
					if p, err = e.GetProject(ctx, sum.ProjectID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Project %s (%s) for %s\n", p.ID, p.Status, p.Client.BusinessName)
				printTasks(p.Tasks)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "project spec (JSON or YAML)")
	f.StringVar(&opts.ID, "id", "", "project id (generated if empty)")
	f.StringVar(&opts.Spec.Client.BusinessName, "client", "", "client business name")
	f.StringVar(&opts.Spec.Client.LeadID, "lead", "", "originating lead id")
	f.StringVar(&opts.Spec.DealID, "deal", "", "originating deal id")
	f.StringSliceVar(&opts.Spec.Services, "service", nil, "service types to expand")
	f.StringVar(&opts.Spec.DueDate, "due", "", "due date (RFC3339)")
	f.StringVar(&opts.Spec.RequirementsSummary, "requirements", "", "requirements summary")
	f.BoolVar(&run, "run", false, "run the project to completion after creating it")
	return cmd
}

// mergeSpec lets flags override fields of a spec file.
func mergeSpec(dst *domain.ProjectSpec, flags domain.ProjectSpec) {
	if flags.Client.BusinessName != "" {
		dst.Client.BusinessName = flags.Client.BusinessName
	}
	if flags.Client.LeadID != "" {
		dst.Client.LeadID = flags.Client.LeadID
	}
	if flags.DealID != "" {
		dst.DealID = flags.DealID
	}
	if len(flags.Services) > 0 {
		dst.Services = flags.Services
	}
	if flags.DueDate != "" {
		dst.DueDate = flags.DueDate
	}
	if flags.RequirementsSummary != "" {
		dst.RequirementsSummary = flags.RequirementsSummary
	}
}

func projectRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run a project until no task can make progress",
		Long:  "Runs in the foreground; interrupting stops dispatch and leaves in-flight tasks to be retried on the next run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.RunProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Project %s: %s\n", sum.ProjectID, sum.Status)
				printCounts(sum.Counts)
				return nil
			})
		},
	}
}

func projectCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Cancel a project and every unfinished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CancelProject(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Project %s cancelled\n", p.ID)
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Project %s (%s) for %s\n", p.ID, p.Status, p.Client.BusinessName)
				if len(p.Services) > 0 {
					fmt.Printf("Services: %s\n", strings.Join(p.Services, ", "))
				}
				if p.DueDate != "" {
					fmt.Printf("Due: %s\n", p.DueDate)
				}
				printTasks(p.Tasks)
				return nil
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projects, err := e.ListProjects(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := newTable(table.Row{"ID", "Client", "Status", "Services", "Due", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Client.BusinessName, p.Status, strings.Join(p.Services, ","), p.DueDate, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max projects")
	return cmd
}

func projectReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <project-id>",
		Short: "Show completion and schedule health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.ProjectReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Project %s: %s\n", r.ProjectID, r.Status)
				fmt.Printf("Completion: %.1f%%  Elapsed: %.1f%%  %s\n", r.CompletionPercent, r.ElapsedPercent, r.Summary)
				printCounts(r.Counts)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks and resolve the stuck ones",
		Long:  "Escalated tasks wait for a human decision; failed or blocked tasks can be reset to pending and picked up by the next run.",
	}
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskResetCmd())
	task.AddCommand(taskResolveCmd())
	return task
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Return a failed, blocked or escalated task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ResetTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Task %s: %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
}

func taskResolveCmd() *cobra.Command {
	var approve, reject bool
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Accept or fail an escalated task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("pass exactly one of --approve or --reject")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ResolveTaskEscalation(ctx, args[0], approve, note, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Task %s: %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "accept the deliverable as is")
	cmd.Flags().BoolVar(&reject, "reject", false, "fail the task")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func printTasks(tasks []domain.Task) {
	tw := newTable(table.Row{"ID", "Name", "Status", "Depends on", "Retries", "QA"})
	for _, t := range tasks {
		qa := ""
		if t.QAScore != nil {
			qa = fmt.Sprintf("%.0f", *t.QAScore)
		}
		tw.AppendRow(table.Row{t.ID, t.Name, t.Status, strings.Join(t.DependsOn, ","), t.RetryCount, qa})
	}
	tw.Render()
}

func printCounts(counts map[domain.TaskStatus]int) {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("  %s: %d\n", s, counts[domain.TaskStatus(s)])
	}
}
