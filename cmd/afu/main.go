package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"afu/internal/config"
	"afu/internal/db"
	"afu/internal/domain"
	"afu/internal/engine"
	"afu/internal/migrate"
	"afu/internal/preflight"
	"afu/internal/provider"
	"afu/internal/repo"
	"afu/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "afu",
	Short: "AFU CLI",
	Long: `AFU mirrors local work items into GitHub and drives them to a verified
pull request: handoff creates the mirror issue, implement creates the work
branch and PR, trigger arms the implementation bot, verify dispatches the
verification workflow. Every mutating operation is idempotent and leaves an
auditable run behind ('afu run list').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("AFU")
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
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(implementCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage work items",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueSpecCmd())
	issue.AddCommand(issueSpecReadyCmd())
	issue.AddCommand(issuePreflightCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var title, specFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			var specMD string
			if specFile != "" {
				data, err := os.ReadFile(specFile)
				if err != nil {
					return err
				}
				specMD = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wi, err := e.CreateWorkItem(ctx, engine.CreateOptions{
					Title:  title,
					SpecMD: specMD,
					Actor:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(wi)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "path to the spec markdown")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Lifecycle", "Handoff", "Issue", "PR"})
				for _, wi := range items {
					issueRef := ""
					if wi.ExternalNumber != 0 {
						issueRef = fmt.Sprintf("#%d", wi.ExternalNumber)
					}
					prRef := ""
					if wi.PRNumber != 0 {
						prRef = fmt.Sprintf("!%d", wi.PRNumber)
					}
					tw.AppendRow(table.Row{wi.ShortID, wi.Title, wi.Lifecycle, wi.Handoff, issueRef, prRef})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wi, err := e.Repo.ResolveWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wi)
			})
		},
	}
	return cmd
}

func issueSpecCmd() *cobra.Command {
	var specFile string
	cmd := &cobra.Command{
		Use:   "spec <id>",
		Short: "Replace the spec content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wi, err := e.UpdateSpec(ctx, args[0], string(data))
				if err != nil {
					return err
				}
				return printJSONOrTable(wi)
			})
		},
	}
	cmd.Flags().StringVar(&specFile, "file", "", "path to the spec markdown")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func issueSpecReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec-ready <id>",
		Short: "Mark the spec ready for implementation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wi, err := e.SetLifecycle(ctx, args[0], domain.LifecycleSpecReady)
				if err != nil {
					return err
				}
				return printJSONOrTable(wi)
			})
		},
	}
	return cmd
}

func issuePreflightCmd() *cobra.Command {
	var op string
	cmd := &cobra.Command{
		Use:   "preflight <id>",
		Short: "Dry-run the precondition chain for an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decision, err := e.Preflight(ctx, op, args[0])
				if err != nil {
					return err
				}
				if decision == nil {
					fmt.Printf("%s would proceed for %s\n", op, args[0])
					return nil
				}
				return printDecision(decision)
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "handoff", "operation (handoff, implement, trigger, verify)")
	return cmd
}

func handoffCmd() *cobra.Command {
	var update bool
	cmd := &cobra.Command{
		Use:   "handoff <id>",
		Short: "Mirror the work item as a GitHub issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printResult(e.Handoff(ctx, engine.HandoffOptions{
					Identifier: args[0],
					RequestID:  uuid.New().String(),
					Actor:      viper.GetString("actor-id"),
					Update:     update,
				}))
			})
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "edit the existing mirror issue")
	return cmd
}

func implementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "implement <id>",
		Short: "Create or adopt the work branch and pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printResult(e.Implement(ctx, engine.ImplementOptions{
					Identifier: args[0],
					RequestID:  uuid.New().String(),
					Actor:      viper.GetString("actor-id"),
				}))
			})
		},
	}
	return cmd
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <id>",
		Short: "Arm the implementation trigger on the mirror issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printResult(e.Trigger(ctx, engine.TriggerOptions{
					Identifier: args[0],
					RequestID:  uuid.New().String(),
					Actor:      viper.GetString("actor-id"),
				}))
			})
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Dispatch the verification workflow and await its conclusion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printResult(e.Verify(ctx, engine.VerifyOptions{
					Identifier: args[0],
					RequestID:  uuid.New().String(),
					Actor:      viper.GetString("actor-id"),
				}))
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Inspect orchestration runs",
	}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	return run
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <issue-id>",
		Short: "List runs for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wi, err := e.Repo.ResolveWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := e.Repo.ListRuns(ctx, wi.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Type", "Status", "Actor", "Started"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Type, r.Status, r.Actor, r.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of runs")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListRunSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "steps": steps})
				}
				fmt.Printf("Run %s (%s) %s\n", run.ID, run.Type, run.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Status", "Error", "Evidence"})
				for _, s := range steps {
					evidence, _ := json.Marshal(s.Evidence)
					tw.AppendRow(table.Row{s.StepID, s.Status, s.ErrorMessage, string(evidence)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default afu.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(stage)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "afu9", "stage identifier (prefixes work branches)")
	return cmd
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			missing := cfg.Missing(config.KeyStage, config.KeyGitHubToken, config.KeyRepo)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": cfg, "missing": missing})
			}
			if len(missing) == 0 {
				fmt.Println("Configuration complete.")
				return nil
			}
			fmt.Println("Missing keys:")
			for _, k := range missing {
				fmt.Printf("  %s\n", k)
			}
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the plain key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plain),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key for %s: %s\n", actor, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := newLogger()
			e := engine.New(conn, cfg, provider.NewFactory(cfg.GitHub.Token), logger)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("AFU_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
				Logger:         logger,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("AFU_JWT_SECRET is required unless --allow-anonymous is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving AFU API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "admit unauthenticated requests as the local actor")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, provider.NewFactory(cfg.GitHub.Token), newLogger())
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

// printResult renders an operation outcome; blocked decisions become a
// non-zero exit with the precise cause.
func printResult(res engine.Result, err error) error {
	if err != nil {
		return err
	}
	if res.Decision != nil {
		_ = printDecision(res.Decision)
		return fmt.Errorf("blocked: %s", res.Decision.Code)
	}
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("%s %s\n", res.Outcome, res.Item.ShortID)
	if res.Item.ExternalURL != "" {
		fmt.Printf("  issue: %s\n", res.Item.ExternalURL)
	}
	if res.Item.PRURL != "" {
		fmt.Printf("  pr:    %s\n", res.Item.PRURL)
	}
	if res.RunID != "" {
		fmt.Printf("  run:   %s\n", res.RunID)
	}
	return nil
}

func printDecision(d *preflight.Decision) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Printf("Blocked by %s at %s: %s\n", d.BlockedBy, d.Phase, d.Code)
	if d.NextAction != "" {
		fmt.Printf("  next: %s\n", d.NextAction)
	}
	for _, k := range d.MissingConfig {
		fmt.Printf("  missing: %s\n", k)
	}
	return nil
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
