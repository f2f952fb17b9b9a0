package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casebridge/internal/config"
	"casebridge/internal/db"
	"casebridge/internal/engine"
	"casebridge/internal/gateway"
	"casebridge/internal/migrate"
	"casebridge/internal/repo"
	"casebridge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cb",
	Short: "Casebridge CLI",
	Long: `Casebridge coordinates project work across two stores: local tasks in
the workspace database, and coverage requests delegated to an external
workflow engine as one case per project.
- Workspace: the .casebridge directory holding the database; casebridge.yml
  next to it configures the engine connection and submission defaults.
- Project: owns local tasks and at most one external case; its status walks
  draft -> planned -> executing -> complete, never backwards.
- Local task: claimed with 'cb task take', finished with 'cb task done'.
- Coverage request: lives on the case, fulfilled by organizations through
  commitments ('cb commitment propose' / 'assign' / 'done').
- Event log: diary of changes, view with 'cb log tail'.`,
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
	viper.SetEnvPrefix("CASEBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(coverageCmd())
	rootCmd.AddCommand(commitmentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectExecuteCmd())
	prj.AddCommand(projectCompleteCmd())
	prj.AddCommand(projectResubmitCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete project and its local tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteProject(ctx, id); err != nil {
					return err
				}
				fmt.Println("deleted project", id)
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var name, desc, start, end string
	var taskTitles, coverageTitles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with local tasks and coverage requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectCreateOptions{
					Name:        name,
					Description: desc,
					StartDate:   start,
					EndDate:     end,
					ActorID:     viper.GetString("actor-id"),
				}
				for _, t := range taskTitles {
					opts.Tasks = append(opts.Tasks, engine.TaskInput{Title: t})
				}
				for _, t := range coverageTitles {
					opts.Tasks = append(opts.Tasks, engine.TaskInput{Title: t, IsCoverageRequest: true})
				}
				res, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				if res.Submission.Error != "" {
					fmt.Fprintf(os.Stderr, "warning: coverage submission failed: %s\nretry with 'cb project resubmit %d --coverage ...'\n", res.Submission.Error, res.Project.ID)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&taskTitles, "task", nil, "local task title (repeatable)")
	cmd.Flags().StringArrayVar(&coverageTitles, "coverage", nil, "coverage request title (repeatable)")
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
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Case", "Created"})
				for _, p := range items {
					caseID := ""
					if p.ExternalCaseID != nil {
						caseID = *p.ExternalCaseID
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, caseID, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Project status with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"project_id":       p.ID,
					"status":           p.Status,
					"external_case_id": p.ExternalCaseID,
					"task_counts":      counts,
				})
			})
		},
	}
}

func projectExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <project-id>",
		Short: "Move project from planned to executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ExecuteProject(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if res.Report != nil {
					fmt.Fprintf(os.Stderr, "warning: %d external task update(s) failed\n", len(res.Report.Failures))
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func projectCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Move project from executing to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CompleteProject(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectResubmitCmd() *cobra.Command {
	var coverageTitles []string
	cmd := &cobra.Command{
		Use:   "resubmit <project-id>",
		Short: "Retry a failed coverage batch submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var tasks []engine.TaskInput
				for _, t := range coverageTitles {
					tasks = append(tasks, engine.TaskInput{Title: t, IsCoverageRequest: true})
				}
				report, err := e.ResubmitCoverage(ctx, id, viper.GetString("actor-id"), tasks)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringArrayVar(&coverageTitles, "coverage", nil, "coverage request title (repeatable)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage local tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskTakeCmd())
	task.AddCommand(taskDoneCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var projectID int64
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, repo.TaskFilters{
					ProjectID: projectID,
					Status:    status,
					Assignee:  assignee,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Due"})
				for _, t := range items {
					assigned := ""
					if t.Assignee != nil {
						assigned = *t.Assignee
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, assigned, t.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskTakeCmd() *cobra.Command {
	var projectID int64
	var org string
	cmd := &cobra.Command{
		Use:   "take <task-id>",
		Short: "Claim a local task for an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if org == "" {
					org = viper.GetString("actor-id")
				}
				t, err := e.TakeTask(ctx, projectID, args[0], org)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&org, "org", "", "organization id (defaults to actor-id)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a local task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.MarkTaskDone(ctx, projectID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func coverageCmd() *cobra.Command {
	cov := &cobra.Command{Use: "coverage", Short: "Inspect coverage requests"}
	var projectID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List coverage requests with external status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCoverage(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Title", "Status", "Urgency", "Due", "Commitment"})
				for _, v := range items {
					commitment := ""
					if v.AssignedCommitmentID != nil {
						commitment = strconv.FormatInt(*v.AssignedCommitmentID, 10)
					}
					tw.AppendRow(table.Row{v.TaskID, v.Title, v.Status, v.UrgencyLevel, v.DueDate, commitment})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = list.MarkFlagRequired("project")
	cov.AddCommand(list)
	return cov
}

func commitmentCmd() *cobra.Command {
	com := &cobra.Command{Use: "commitment", Short: "Manage commitments"}
	com.AddCommand(commitmentProposeCmd())
	com.AddCommand(commitmentListCmd())
	com.AddCommand(commitmentAssignCmd())
	com.AddCommand(commitmentDoneCmd())
	return com
}

func commitmentProposeCmd() *cobra.Command {
	var projectID int64
	var taskID, org, desc string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a commitment for a coverage request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if org == "" {
					org = viper.GetString("actor-id")
				}
				c, err := e.ProposeCommitment(ctx, projectID, taskID, org, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&taskID, "task", "", "coverage task id")
	cmd.Flags().StringVar(&org, "org", "", "organization id (defaults to actor-id)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func commitmentListCmd() *cobra.Command {
	var projectID int64
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commitments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items any
				var err error
				if taskID != "" {
					items, err = r.ListCommitmentsByTask(ctx, projectID, taskID)
				} else {
					items, err = r.ListCommitmentsByProject(ctx, projectID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&taskID, "task", "", "coverage task id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func commitmentAssignCmd() *cobra.Command {
	var projectID int64
	var taskID string
	cmd := &cobra.Command{
		Use:   "assign <commitment-id>",
		Short: "Assign the winning commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AssignCommitment(ctx, projectID, taskID, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&taskID, "task", "", "coverage task id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func commitmentDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <commitment-id>",
		Short: "Mark a commitment's coverage task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.MarkCommitmentDone(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items any
				var err error
				if projectID > 0 {
					items, err = r.ProjectEvents(ctx, projectID, n)
				} else {
					items, err = r.LatestEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default casebridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, gatewayClient(cfg))
			authCfg := server.AuthConfig{
				JWTSecret:            os.Getenv("CASEBRIDGE_JWT_SECRET"),
				AllowLegacyOrgHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("CASEBRIDGE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-org-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Casebridge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-org-header", false, "accept X-Org-Id without bearer auth")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, gatewayClient(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func gatewayClient(cfg *config.Config) *gateway.Client {
	c := gateway.New(cfg.Engine.BaseURL, cfg.EngineTimeout())
	c.PollInitialInterval = cfg.PollInitialInterval()
	c.PollMaxElapsed = cfg.PollMaxElapsed()
	c.PollMaxAttempts = cfg.Engine.Poll.MaxAttempts
	return c
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
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
