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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"issueflow/internal/config"
	"issueflow/internal/db"
	"issueflow/internal/engine"
	"issueflow/internal/migrate"
	"issueflow/internal/repo"
	"issueflow/internal/server"
	issueflowsdk "issueflow/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "iflow",
	Short: "issueflow orchestrates GitHub issues into agent pipelines",
	Long:  "issueflow admits GitHub webhook events, plans the work with a generative planner, executes subtasks through agents, and gates merge actions by autonomy policy.",
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ISSUEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-url", "http://127.0.0.1:8080", "API base URL for remote commands")
	rootCmd.PersistentFlags().String("api-key", "", "API key for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(autonomyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func sdkClient() *issueflowsdk.Client {
	c := issueflowsdk.New(viper.GetString("api-url"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default issueflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if projectID == "" {
				projectID = "issueflow"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; fill in github owner/repo/token and webhook_secret.\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the queue consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			e.Tracker = trackerFromConfig(cmd.Context(), cfg)
			wirePlannerExecutorReviewer(e, cfg)

			jwtSecret := cfg.Server.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("ISSUEFLOW_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("server.jwt_secret (or ISSUEFLOW_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go e.Consume(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving issueflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Runs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "REF", "STATUS", "STAGE", "PR", "UPDATED"})
			for _, r := range items {
				pr := ""
				if r.PRNumber != nil {
					pr = fmt.Sprintf("#%d", *r.PRNumber)
				}
				tw.AppendRow(table.Row{r.ID, r.ExternalTaskRef, r.Status, r.CurrentStage, pr, r.UpdatedAt})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with tasks, decisions, and stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := sdkClient().Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(view)
			}
			fmt.Printf("Run %s  %s  status=%s stage=%s pending=%d\n",
				view.Run.ID, view.Run.ExternalTaskRef, view.Run.Status, view.Run.CurrentStage, view.PendingTasks)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"KEY", "TITLE", "ROLE", "STATUS", "ATTEMPTS", "DEPENDS ON"})
			for _, t := range view.Tasks {
				tw.AppendRow(table.Row{t.TaskKey, t.Title, t.OwnerRole, t.Status, t.AttemptCount, strings.Join(t.DependsOn, ",")})
			}
			tw.Render()
			for _, d := range view.Decisions {
				fmt.Printf("decision %s by %s: %s\n", d.Decision, d.DecidedBy, d.Rationale)
			}
			return nil
		},
	}

	var reason string
	action := &cobra.Command{
		Use:   "action <run-id> <approve|request_changes|block>",
		Short: "Dispatch a manual merge action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := sdkClient().RunAction(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	}
	action.Flags().StringVar(&reason, "reason", "", "why this action is being taken (required)")

	runs.AddCommand(list, show, action)
	return runs
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage plan tasks",
	}
	list := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := sdkClient().Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(view.Tasks)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "KEY", "STATUS", "ATTEMPTS", "DEPENDS ON"})
			for _, t := range view.Tasks {
				tw.AppendRow(table.Row{t.ID, t.TaskKey, t.Status, t.AttemptCount, strings.Join(t.DependsOn, ",")})
			}
			tw.Render()
			return nil
		},
	}
	requeue := &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Put a parked task back in the runnable pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := sdkClient().RequeueTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	tasks.AddCommand(list, requeue)
	return tasks
}

func autonomyCmd() *cobra.Command {
	aut := &cobra.Command{
		Use:   "autonomy",
		Short: "Inspect and change the autonomy mode",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Current mode and transition history",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := sdkClient().Autonomy(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(status)
			}
			fmt.Printf("mode: %s\n", status.Mode)
			for _, t := range status.History {
				fmt.Printf("  %s  %s -> %s  by %s: %s\n", t.ChangedAt, t.From, t.To, t.ChangedBy, t.Reason)
			}
			return nil
		},
	}
	var reason string
	set := &cobra.Command{
		Use:   "set <mode>",
		Short: "Transition to a new mode (one step, or dry_run from anywhere)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sdkClient().SetAutonomy(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	set.Flags().StringVar(&reason, "reason", "", "why the mode is changing (required)")
	aut.AddCommand(get, set)
	return aut
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The diary of everything that happened: admissions, stage moves, task results, decisions.",
	}
	var runID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Events(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "TYPE", "RUN", "ENTITY", "ACTOR"})
			for _, e := range items {
				tw.AppendRow(table.Row{e.TS, e.Type, e.RunID, e.EntityKind + "/" + e.EntityID, e.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	tail.Flags().StringVar(&runID, "run", "", "scope to one run")
	tail.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	logc.AddCommand(tail)
	return logc
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys (writes to the workspace database)",
	}
	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
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
			r := repo.Repo{DB: conn}
			secret := uuid.NewString() + uuid.NewString()
			key := repoAPIKey(actorID, role, name, secret)
			if err := r.InsertAPIKey(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Printf("api key %s created for %s (role %s)\nsecret: %s\n", key.ID, actorID, key.Role, secret)
			return nil
		},
	}
	create.Flags().StringVar(&actorID, "actor", "local-user", "actor identifier")
	create.Flags().StringVar(&role, "role", "viewer", "role: viewer, operator, or admin")
	create.Flags().StringVar(&name, "name", "", "display name")
	keys.AddCommand(create)
	return keys
}
