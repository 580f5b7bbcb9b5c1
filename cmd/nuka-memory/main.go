package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

const defaultConfigPath = "configs/nuka-memory.json"

var cfgPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "nuka-memory",
		Short:         "Multi-tenant memory store with hybrid search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("CONFIG_PATH"),
		"config file (default "+defaultConfigPath+" when present)")

	root.AddCommand(serveCmd(), migrateCmd(), backfillCmd(), statsCmd(), createUserCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to the default path and then to
// built-in defaults when no file exists.
func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return config.Default(), nil
		}
		path = defaultConfigPath
	}
	return config.Load(path)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("server.log_level: %w", err)
	}
	zc.Level = lvl
	return zc.Build()
}

// setup loads config and logger and wires the app for one command.
func setup(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	a.closers = append([]func(){func() { logger.Sync() }}, a.closers...)
	return a, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, embedding workers and maintenance sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, appOptions{migrate: true, distributed: true})
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger

			a.embed.Start(ctx)
			if a.cfg.Maintenance.Enabled {
				if err := a.sweeper.Start(ctx); err != nil {
					return err
				}
				defer a.sweeper.Stop()
			}

			handler := api.NewHandler(a.svc, logger,
				api.WithMetrics(a.metrics),
				api.WithAdminToken(a.cfg.Server.AdminToken),
				api.WithCORSOrigins(a.cfg.Server.CORSOrigins))
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:           handler.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("nuka-memory listening", zap.Int("port", a.cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info("shutting down nuka-memory")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), appOptions{migrate: true})
			if err != nil {
				return err
			}
			defer a.Close()
			v, err := a.store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
}

func backfillCmd() *cobra.Command {
	var email string
	var all bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Generate missing embeddings for one user, or every active user with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (email == "") {
				return errors.New("pass exactly one of --user or --all")
			}
			ctx := cmd.Context()
			a, err := setup(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				rep, err := a.sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			}
			t, err := lookupTenant(ctx, a, email)
			if err != nil {
				return err
			}
			res, err := a.svc.BackfillEmbeddings(ctx, t)
			if res != nil {
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&email, "user", "", "email of the user to backfill")
	cmd.Flags().BoolVar(&all, "all", false, "backfill every active user, one at a time")
	return cmd
}

func statsCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print one user's record counts and embedding coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			t, err := lookupTenant(ctx, a, email)
			if err != nil {
				return err
			}
			st, err := a.svc.GetStatistics(ctx, t)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().StringVar(&email, "user", "", "email of the user")
	cmd.MarkFlagRequired("user")
	return cmd
}

func createUserCmd() *cobra.Command {
	var in model.UserInput
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Register a user and print their API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			u, key, err := a.svc.CreateUser(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"user_id": u.ID, "email": u.Email, "api_key": key})
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Organization, "org", "", "organization")
	cmd.MarkFlagRequired("email")
	return cmd
}

func lookupTenant(ctx context.Context, a *app, email string) (tenant.Tenant, error) {
	u, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return tenant.Tenant{}, fmt.Errorf("no user with email %q", email)
		}
		return tenant.Tenant{}, err
	}
	return tenant.New(u.ID)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
