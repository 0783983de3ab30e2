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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/canukguy1974/franky-ai/internal/app"
	"github.com/canukguy1974/franky-ai/internal/config"
	"github.com/canukguy1974/franky-ai/internal/db"
	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "franky",
	Short: "Franky agency automation CLI",
	Long: `Franky runs a small agency pipeline end to end.
- Leads: business signal snapshots scored 0-100 and bucketed hot, warm, lukewarm or cold.
- Deals: one state machine per lead, from first outreach to a signed contract; negotiation stays inside configured bounds and escalates otherwise.
- Projects: a won deal becomes a dependency graph of tasks executed by a bounded worker pool.
- QA: every deliverable is checked; failures go back for revision and exhausted tasks escalate to a human.
- Event log: every change is recorded; view it with 'franky events'.
Configuration lives in franky.yml in the workspace ('franky init' writes the defaults).`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FRANKY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/franky.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level override: debug, info, warn or error")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens (overrides server.jwt_secret)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default franky.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			version, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Database %s at schema version %d\n", db.Path(workspace), version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing franky.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config is the rulebook: scoring weights, deal dwell times, negotiation bounds, service task templates, capabilities and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redact(cfg)
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
}

// redact masks credentials before a config is printed.
func redact(cfg *config.Config) {
	const mask = "********"
	for name, spec := range cfg.Capabilities {
		if spec.Token != "" {
			spec.Token = mask
			cfg.Capabilities[name] = spec
		}
	}
	for i := range cfg.Webhooks {
		if cfg.Webhooks[i].Secret != "" {
			cfg.Webhooks[i].Secret = mask
		}
	}
	if cfg.Server.JWTSecret != "" {
		cfg.Server.JWTSecret = mask
	}
}

func openSession(ctx context.Context, withMetrics bool) (*app.Session, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		Metrics:    withMetrics,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
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

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

// decodeFile reads a JSON or YAML document into out using its JSON field
// names, so request files match the HTTP API bodies.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
