package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/repo"
	"github.com/canukguy1974/franky-ai/internal/server"
)

const defaultTickInterval = 30 * time.Second

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the deal timer and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()
			cfg := s.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if basePath == "" {
				basePath = "/v0"
			}
			authCfg := server.AuthConfig{JWTSecret: jwtSecret(cfg.Server.JWTSecret), Logger: s.Logger}
			if authCfg.JWTSecret == "" {
				s.Logger.Warn("no JWT secret configured; API is open and trusts X-Actor-Id")
			}
			handler, err := server.New(server.Config{Engine: s.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			dispatcher, err := server.NewDispatcher(cmd.Context(), s.Engine, cfg.Webhooks, s.Logger)
			if err != nil {
				return err
			}
			interval := cfg.Deals.TickInterval
			if interval <= 0 {
				interval = defaultTickInterval
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				s.Logger.Info("serving franky API", "addr", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", basePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return tickDeals(ctx, s.Engine, interval)
			})
			g.Go(func() error {
				return dispatcher.Run(ctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config or 127.0.0.1:8080)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config or /v0)")
	return cmd
}

func tickDeals(ctx context.Context, e engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.Tick(ctx)
			if err != nil && ctx.Err() == nil {
				e.Logger.Warn("deal tick failed", "err", err)
				continue
			}
			if n > 0 {
				e.Logger.Info("deal timeouts fired", "deals", n)
			}
		}
	}
}

// jwtSecret prefers the flag or FRANKY_JWT_SECRET over the config file.
func jwtSecret(fromConfig string) string {
	if v := viper.GetString("jwt-secret"); v != "" {
		return v
	}
	return fromConfig
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API credentials",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	cmd.AddCommand(apiKeyTokenCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := actorID()
				if all {
					actor = ""
				}
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	}
}

func apiKeyTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg.Server.JWTSecret)
			if secret == "" {
				return fmt.Errorf("no JWT secret: set server.jwt_secret, --jwt-secret or FRANKY_JWT_SECRET")
			}
			tok, err := server.SignToken(secret, actorID(), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok, "actor_id": actorID()})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event log",
		Long:  "Events are listed oldest first after --after (an event id); pass the last id shown to continue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Project", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ProjectID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&f.After, "after", 0, "list events after this id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max events")
	return cmd
}
