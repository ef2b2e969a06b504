package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrlink/internal/config"
	"github.com/ehr/ehrlink/internal/domain/clinicalsync"
	"github.com/ehr/ehrlink/internal/platform/db"
	"github.com/ehr/ehrlink/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehrlink-server",
		Short: "Provider linking and clinical record sync server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration for commands that touch
// tokens.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := requireDatabase(cfg); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "ehrlink-migrate",
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// syncCmd runs syncs outside the API. `sync --due` is the entrypoint for a
// cron job or scheduler.
func syncCmd() *cobra.Command {
	var (
		linkID       string
		userID       string
		due          bool
		limit        int
		incremental  bool
		retryRefresh bool
		types        []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync clinical records for one link, one user, or every due link",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, b := range []bool{linkID != "", userID != "", due} {
				if b {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("exactly one of --link, --user or --due is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireDatabase(cfg); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := clinicalsync.Options{
				Incremental:   incremental,
				RetryRefresh:  retryRefresh,
				ResourceTypes: types,
			}
			out := cmd.OutOrStdout()

			if linkID != "" {
				id, err := uuid.Parse(linkID)
				if err != nil {
					return fmt.Errorf("invalid --link: %w", err)
				}
				link, err := a.links.GetByID(ctx, id)
				if err != nil {
					return err
				}
				res, err := a.engine.SyncLink(ctx, link, opts)
				if err != nil {
					return err
				}
				printResult(out, res)
				return nil
			}

			var outcomes []clinicalsync.LinkOutcome
			if userID != "" {
				outcomes, err = a.engine.SyncUser(ctx, userID, opts)
			} else {
				outcomes, err = a.engine.SyncDue(ctx, cfg.SyncInterval, limit, opts)
			}
			for _, o := range outcomes {
				if o.Err != nil {
					fmt.Fprintf(out, "%s  error: %v\n", o.LinkID, o.Err)
					continue
				}
				printResult(out, o.Result)
			}
			ok, failed, entries := clinicalsync.Summarize(outcomes)
			fmt.Fprintf(out, "Synced %d link(s), %d failed, %d entries.\n", ok, failed, entries)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d link(s) failed to sync", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&linkID, "link", "", "Link ID to sync")
	cmd.Flags().StringVar(&userID, "user", "", "Sync every link of this user")
	cmd.Flags().BoolVar(&due, "due", false, "Sync links not synced within SYNC_INTERVAL")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum links for --due")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Only fetch resources changed since the last successful sync")
	cmd.Flags().BoolVar(&retryRefresh, "retry-refresh", false, "Retry the token refresh of links in error status")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Resource types to sync (default: SYNC_RESOURCE_TYPES)")
	return cmd
}

func printResult(w io.Writer, res *clinicalsync.Result) {
	if res == nil {
		return
	}
	status := "ok"
	if !res.Success() {
		status = "partial"
	}
	if res.Cancelled {
		status = "cancelled"
	}
	fmt.Fprintf(w, "%s  %-9s %d entries in %s\n", res.LinkID, status, res.Total(),
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, e := range res.Errors {
		fmt.Fprintf(w, "    %s: %s\n", e.ResourceType, e.Message)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random ENCRYPTION_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// generateKey returns 32 random bytes, hex encoded.
func generateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	e := newRouter(a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
