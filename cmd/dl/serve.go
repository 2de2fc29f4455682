package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/engine"
	"deliverline/internal/logging"
	"deliverline/internal/mcptools"
	"deliverline/internal/migrate"
	"deliverline/internal/repo"
	"deliverline/internal/server"
)

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace", "", "workspace filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&f.After, "after", 0, "only events after this id")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage deliverline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("data-dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config, with invalid values replaced",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warns, err := config.LoadOptional(viper.GetString("data-dir"))
			if err != nil {
				return err
			}
			for _, w := range warns {
				fmt.Fprintln(os.Stderr, "warning:", w.String())
			}
			return printJSON(cfg)
		},
	})
	return c
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database maintenance"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the database path and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := viper.GetString("data-dir")
			conn, err := db.Open(db.Config{DataDir: dataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"path":            db.Path(dataDir),
				"schema_version":  current,
				"latest_version":  latest,
				"pending_upgrade": current < latest,
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.MigrateContext(cmd.Context(), conn)
		},
	})
	return d
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := app.CreateAPIKey(ctx, e, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "actor filter")
	k.AddCommand(list)
	k.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, nil, args[0])
			})
		},
	})
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and deliver webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logging.Options{Level: viper.GetString("log-level")})
			rt, err := app.Open(cmd.Context(), app.Options{DataDir: viper.GetString("data-dir"), Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DELIVERLINE_JWT_SECRET"), AllowActorHeader: allowActorHeader}
			if authCfg.JWTSecret == "" {
				logger.Warn().Msg("DELIVERLINE_JWT_SECRET not set; only API keys are accepted")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logging.Component(logger, "http"),
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if d := server.NewWebhookDispatcher(rt.Engine.Repo, rt.Config.Webhooks, logging.Component(logger, "webhooks")); d != nil {
				go d.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving deliverline api (OpenAPI at /openapi.json, docs at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local development only)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipeline as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr as JSON.
			logger := logging.New(logging.Options{Level: viper.GetString("log-level")})
			rt, err := app.Open(cmd.Context(), app.Options{DataDir: viper.GetString("data-dir"), Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()
			return mcpserver.ServeStdio(mcptools.New(rt.Engine, version))
		},
	}
}
