package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teammanage/internal/app"
	"teammanage/internal/config"
	"teammanage/internal/db"
	"teammanage/internal/domain"
	"teammanage/internal/engine"
	"teammanage/internal/hierarchy"
	"teammanage/internal/repo"
	"teammanage/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "TeamManage CLI",
	Long: `TeamManage organizes project work as a module tree with approval workflows.
- Workspace: the .teammanage directory holding the database; teammanage.yml holds config.
- Project: owns a forest of modules, each with a dotted hierarchy code like 7.1.0.
- Modules: nestable work areas with members; codes are derived from the parent.
- Workflows: ordered steps with named approvers, bound one-to-one to a module.
- Tasks: work items inside a module; a task walks its module's workflow step
  by step as approvers sign off, and finishes when the last step is approved.
- Event log: diary of changes, view with 'tm log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TEAMMANAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().Int64("project", 0, "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(moduleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "demo", "project name")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, startDate string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, name, startDate, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "project id")
	return cmd
}

func moduleCmd() *cobra.Command {
	mod := &cobra.Command{Use: "module", Short: "Manage the module tree"}
	mod.AddCommand(moduleCreateCmd())
	mod.AddCommand(moduleListCmd())
	mod.AddCommand(moduleTreeCmd())
	mod.AddCommand(moduleShowCmd())
	mod.AddCommand(moduleUpdateCmd())
	mod.AddCommand(moduleDeleteCmd())
	mod.AddCommand(moduleHardDeleteCmd())
	mod.AddCommand(moduleRebuildCodesCmd())
	return mod
}

func moduleCreateCmd() *cobra.Command {
	var name string
	var parentID int64
	var members []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetInt64("project"))
				if err != nil {
					return err
				}
				m, err := e.CreateModule(ctx, engine.ModuleCreateOptions{
					ProjectID:      p.ID,
					Name:           name,
					ParentModuleID: optionalInt64(parentID),
					MemberIDs:      members,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "module name")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent module id")
	cmd.Flags().StringArrayVar(&members, "member", []string{}, "member user id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func moduleListCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetInt64("project"))
				if err != nil {
					return err
				}
				items, err := e.Repo.ListModules(ctx, repo.ModuleFilters{ProjectID: p.ID, IncludeDeleted: includeDeleted})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Status", "Parent", "Workflow"})
				for _, m := range items {
					parent := ""
					if m.ParentModuleID != nil {
						parent = fmt.Sprintf("%d", *m.ParentModuleID)
					}
					wf := ""
					if m.WorkflowID != nil {
						wf = fmt.Sprintf("%d", *m.WorkflowID)
					}
					tw.AppendRow(table.Row{m.ID, m.Code, m.Name, m.Status, parent, wf})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted modules")
	return cmd
}

func moduleTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show module tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetInt64("project"))
				if err != nil {
					return err
				}
				roots, err := e.GetModuleTree(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roots)
				}
				for i, n := range roots {
					printModuleTree(n, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
}

func moduleShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show module with members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, members, err := e.GetModule(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"module": m, "member_ids": members})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "module id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func moduleUpdateCmd() *cobra.Command {
	var id int64
	var name, status string
	var members []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ModuleUpdateOptions{
					ModuleID: id,
					Name:     name,
					Status:   status,
					ActorID:  viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("member") {
					opts.MemberIDs = &members
				}
				m, err := e.UpdateModule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "module id")
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringArrayVar(&members, "member", []string{}, "replacement member set (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func moduleDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Toggle module soft delete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.DeleteModule(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"deleted": deleted})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "module id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func moduleHardDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "hard-delete",
		Short: "Permanently delete a leaf module without tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.HardDeleteModule(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "module id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func moduleRebuildCodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-codes",
		Short: "Recompute every module code from the tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				count, err := e.RebuildAllCodes(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"updated": count})
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage approval workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowStepStatusCmd())
	wf.AddCommand(workflowReplaceApproverCmd())
	return wf
}

// parseStepSpec turns "Design:alice,bob" into a step with approvers.
func parseStepSpec(spec string, order int) (engine.StepInput, error) {
	parts := strings.SplitN(spec, ":", 2)
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return engine.StepInput{}, fmt.Errorf("step %q: name required", spec)
	}
	var approvers []string
	if len(parts) == 2 {
		for _, a := range strings.Split(parts[1], ",") {
			if a = strings.TrimSpace(a); a != "" {
				approvers = append(approvers, a)
			}
		}
	}
	return engine.StepInput{Name: name, Order: order, ApproverIDs: approvers}, nil
}

func workflowCreateCmd() *cobra.Command {
	var moduleID int64
	var name string
	var stepSpecs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workflow for a module",
		Long:  `Steps are given as --step "Name:approver1,approver2" in order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps := make([]engine.StepInput, 0, len(stepSpecs))
				for i, spec := range stepSpecs {
					s, err := parseStepSpec(spec, i+1)
					if err != nil {
						return err
					}
					steps = append(steps, s)
				}
				w, err := e.CreateWorkflow(ctx, engine.WorkflowCreateOptions{
					ModuleID: moduleID,
					Name:     name,
					Steps:    steps,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().Int64Var(&moduleID, "module", 0, "module id")
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringArrayVar(&stepSpecs, "step", []string{}, `step spec "Name:approver,..." (repeatable, in order)`)
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	var moduleID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the workflow bound to a module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkflowByModule(ctx, moduleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s (workflow %d, module %d)\n", w.Name, w.ID, w.ModuleID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Name", "Order", "Status", "Approvers", "Completed"})
				for _, s := range w.Steps {
					approvers := make([]string, 0, len(s.Approvals))
					for _, a := range s.Approvals {
						approvers = append(approvers, a.ApproverID)
					}
					completed := ""
					if s.CompletedAt != nil {
						completed = *s.CompletedAt
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.Order, s.Status, strings.Join(approvers, ","), completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&moduleID, "module", 0, "module id")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func workflowStepStatusCmd() *cobra.Command {
	var stepID int64
	var status string
	cmd := &cobra.Command{
		Use:   "step-status",
		Short: "Move a step's status forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateStepStatus(ctx, stepID, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Int64Var(&stepID, "step", 0, "step id")
	cmd.Flags().StringVar(&status, "status", "", "pending|in_progress|testing|approved")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func workflowReplaceApproverCmd() *cobra.Command {
	var stepID int64
	var approver string
	cmd := &cobra.Command{
		Use:   "replace-approver",
		Short: "Replace a step's approvers with a single user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReplaceApprovers(ctx, stepID, approver, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().Int64Var(&stepID, "step", 0, "step id")
	cmd.Flags().StringVar(&approver, "approver", "", "user id")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskDeleteCmd())
	t.AddCommand(taskHardDeleteCmd())
	t.AddCommand(taskAssignStepCmd())
	t.AddCommand(taskApproveCmd())
	t.AddCommand(taskCurrentStepCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var moduleID int64
	var title, note, startDate, endDate, assignee string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ModuleID:       moduleID,
					Title:          title,
					Note:           note,
					StartDate:      optionalString(startDate),
					EndDate:        optionalString(endDate),
					AssignedUserID: optionalString(assignee),
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&moduleID, "module", 0, "module id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&note, "note", "", "note")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (RFC3339)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned user id (must be a module member)")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("title")
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
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Step"})
				for _, t := range tasks {
					assignee := ""
					if t.AssignedUserID != nil {
						assignee = *t.AssignedUserID
					}
					step := ""
					if t.CurrentStepID != nil {
						step = fmt.Sprintf("%d", *t.CurrentStepID)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, assignee, step})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ModuleID, "module", 0, "module id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedUserID, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include soft-deleted tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var id int64
	var title, note, status, startDate, endDate, assignee string
	var clearAssignee bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					TaskID:        id,
					Title:         title,
					Status:        status,
					StartDate:     optionalString(startDate),
					EndDate:       optionalString(endDate),
					ClearAssignee: clearAssignee,
					ActorID:       viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("note") {
					opts.Note = &note
				}
				if assignee != "" {
					opts.AssignedUserID = &assignee
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&note, "note", "", "new note")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (RFC3339)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned user id")
	cmd.Flags().BoolVar(&clearAssignee, "clear-assignee", false, "remove the assignee")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Toggle task soft delete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.DeleteTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"deleted": deleted})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskHardDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "hard-delete",
		Short: "Permanently delete a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.HardDeleteTask(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskAssignStepCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "assign-step",
		Short: "Bind a task to its module workflow's first step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, already, err := e.AssignFirstStep(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"step": step, "already_bound": already})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the task's current step as the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				next, done, err := e.ApproveCurrentStep(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"workflow_complete": done}
				if next != nil {
					out["next_step"] = next
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskCurrentStepCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "current-step",
		Short: "Show the task's current workflow step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.GetCurrentStep(ctx, id)
				if err != nil {
					return err
				}
				if step == nil {
					fmt.Println("task is not bound to a workflow step")
					return nil
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func issueCmd() *cobra.Command {
	c := &cobra.Command{Use: "issue", Short: "Manage issues on tasks"}
	c.AddCommand(issueCreateCmd())
	c.AddCommand(issueListCmd())
	c.AddCommand(issueShowCmd())
	c.AddCommand(issueUpdateCmd())
	c.AddCommand(issueDeleteCmd())
	return c
}

func issueCreateCmd() *cobra.Command {
	var taskID int64
	var title, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report issue against a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				i, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
					TaskID:      taskID,
					Title:       title,
					Description: description,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				issues, err := r.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Title", "Status"})
				for _, i := range issues {
					tw.AppendRow(table.Row{i.ID, i.TaskID, i.Title, i.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.TaskID, "task", 0, "task id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include soft-deleted issues")
	return cmd
}

func issueShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				i, err := r.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func issueUpdateCmd() *cobra.Command {
	var id int64
	var title, description, status string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				i, err := e.UpdateIssue(ctx, engine.IssueUpdateOptions{
					IssueID:     id,
					Title:       title,
					Description: description,
					Status:      status,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func issueDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Toggle issue soft delete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.DeleteIssue(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if deleted {
					fmt.Println("issue deleted")
				} else {
					fmt.Println("issue restored")
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userAddCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userVerifyCmd())
	return u
}

func userAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := r.UpsertUser(ctx, u); err != nil {
					return err
				}
				stored, err := r.GetUser(ctx, u.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id")
	cmd.Flags().StringVar(&u.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&u.Role, "role", "viewer", "admin|dev|tester|viewer")
	cmd.Flags().BoolVar(&u.Verified, "verified", false, "mark verified")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Verified"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.FullName, u.Role, u.Verified})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userVerifyCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Mark user verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.MarkUserVerified(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetInt64("project"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			rt, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer rt.Close()
			e := engine.New(rt.DB, cfg)
			secret := os.Getenv("TEAMMANAGE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or TEAMMANAGE_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			server.StartAccountSweeper(cmd.Context(), e)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving TeamManage API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine.Repo)
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

func printModuleTree(n *hierarchy.Node, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s] (%d members)\n", prefix, connector, n.Module.Code, n.Module.Name, n.Module.Status, n.MemberCount)
	for i, c := range n.Children {
		printModuleTree(c, newPrefix, i == len(n.Children)-1)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
