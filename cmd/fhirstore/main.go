package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/cache"
	"github.com/ehr/fhirstore/internal/platform/index/consumer"
	"github.com/ehr/fhirstore/internal/platform/index/resolve"
	"github.com/ehr/fhirstore/internal/platform/middleware"
	"github.com/ehr/fhirstore/internal/platform/persistence"
	"github.com/ehr/fhirstore/internal/platform/telemetry"
	"github.com/ehr/fhirstore/migrations"
)

const (
	requestTimeout = 30 * time.Second
	indexBodyLimit = "4M"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirstore",
		Short: "FHIR search parameter store",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(eraseCmd())

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

// app holds what every command needs: validated config, a logger and the
// pool.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	cache  *cache.Cache
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	return &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		cache:  cache.New(cfg.CacheConfig()),
	}, nil
}

func (a *app) resolver() *resolve.Resolver {
	return resolve.New(a.cache, resolve.NewPGStore(a.pool), a.logger)
}

func (a *app) consumer(r *resolve.Resolver) *consumer.Consumer {
	return consumer.New(consumer.NewIndexer(a.pool, r, a.logger), a.cfg.ConsumerConfig(), a.logger)
}

func (a *app) eraser() *persistence.EraseRepository {
	return persistence.NewEraseRepository(a.pool, persistence.NewPGEraseStore(a.pool), a.cfg.ErasePolicy(), a.logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// longRunning routes skip the request timeout: erase batches and index
// retries are bounded by their own budgets.
func longRunning(c echo.Context) bool {
	return strings.HasSuffix(c.Path(), "/$erase") || c.Path() == "/index"
}

func runServer() error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.pool.Close()
	logger := a.logger

	metrics := telemetry.New()
	registerGauges(metrics, a)

	resolver := a.resolver()
	handler := fhir.NewHandler(
		persistence.NewSearchRepository(a.pool, resolver, persistence.DefaultRegistry(), logger),
		persistence.NewHistoryRepository(a.pool),
		telemetry.NewCountingEraser(a.eraser(), metrics),
		telemetry.NewCountingHandler(a.consumer(resolver), metrics),
		fhir.Config{
			BaseURL:       "/fhir",
			DefaultCount:  a.cfg.SearchDefaultCount,
			MaxCount:      a.cfg.SearchMaxCount,
			EraseDisabled: !a.cfg.EraseEnabled,
		},
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(middleware.RequestTimeout(requestTimeout, longRunning))

	authMW := auth.DevAuthMiddleware()
	if !a.cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		})
	}
	shardMW := db.ShardMiddleware(a.cfg.ShardHeader)

	fhirGroup := e.Group("/fhir", authMW, shardMW, db.ConnMiddleware(a.pool))
	api := e.Group("", authMW, shardMW)
	handler.RegisterRoutes(api, fhirGroup, auth.RequireRole("admin"),
		auth.RequireRole("indexer"),
		middleware.RateLimit(a.cfg.IndexRateLimit()),
		middleware.BodyLimit(indexBodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", metrics.Handler())
	e.GET("/health/db", db.HealthHandler(a.pool,
		func() *db.PoolStats { return db.GetPoolStats(a.pool) },
		func() (string, any) { return "identity_cache", a.cache.Stats() },
	))

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func registerGauges(m *telemetry.Metrics, a *app) {
	pool := func() *db.PoolStats { return db.GetPoolStats(a.pool) }
	m.RegisterGauge("fhirstore_db_acquired_connections", "Connections in use.",
		func() float64 { return float64(pool().AcquiredConns) })
	m.RegisterGauge("fhirstore_db_idle_connections", "Idle pool connections.",
		func() float64 { return float64(pool().IdleConns) })
	m.RegisterCounter("fhirstore_identity_cache_hits_total", "Identity cache hits since start.",
		func() float64 { return float64(a.cache.Stats().Hits) })
	m.RegisterCounter("fhirstore_identity_cache_misses_total", "Identity cache misses since start.",
		func() float64 { return float64(a.cache.Stats().Misses) })
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			count, err := db.NewMigrator(a.pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			statuses, err := db.NewMigrator(a.pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index a newline-delimited JSON stream of index messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()

			stats, err := runIndex(ctx, a.consumer(a.resolver()), r)
			fmt.Fprintf(cmd.OutOrStdout(), "indexed=%d stale=%d invalid=%d\n", stats.Indexed, stats.Stale, stats.Invalid)
			return err
		},
	}
	cmd.Flags().String("file", "-", "NDJSON file of index messages, - for stdin")
	return cmd
}

type messageRunner interface {
	Run(ctx context.Context, msgs <-chan index.Message) (consumer.Stats, error)
}

// runIndex feeds decoded messages to the consumer. A decode error stops
// the run after the messages before it are indexed.
func runIndex(ctx context.Context, c messageRunner, r io.Reader) (consumer.Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, errc := index.DecodeMessages(ctx, r)
	stats, err := c.Run(ctx, msgs)
	// unblock the decoder if the consumer stopped early
	cancel()
	for range msgs {
	}
	if err != nil {
		return stats, err
	}
	if derr := <-errc; derr != nil {
		return stats, fmt.Errorf("decode index messages: %w", derr)
	}
	return stats, nil
}

var errEraseDisabled = errors.New("erase is disabled (ERASE_ENABLED=false)")

func eraseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Physically erase a resource, or one version of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _ := cmd.Flags().GetString("type")
			id, _ := cmd.Flags().GetString("id")
			version, _ := cmd.Flags().GetInt("version")
			if rt == "" || id == "" {
				return fmt.Errorf("--type and --id are required")
			}
			req := persistence.EraseRequest{ResourceType: rt, LogicalID: id}
			if version > 0 {
				req.Version = &version
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.pool.Close()
			if !a.cfg.EraseEnabled {
				return errEraseDisabled
			}

			_, err = eraseUntilDone(ctx, a.eraser(), req, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().String("type", "", "Resource type")
	cmd.Flags().String("id", "", "Logical id")
	cmd.Flags().Int("version", 0, "Erase only this version")
	return cmd
}

// eraseUntilDone repeats a partial erase until it completes, printing each
// step. Statuses that erased nothing are returned as errors.
func eraseUntilDone(ctx context.Context, e fhir.Eraser, req persistence.EraseRequest, w io.Writer) (persistence.EraseRecord, error) {
	for {
		rec, err := e.Erase(ctx, req)
		if err != nil {
			return rec, err
		}
		fmt.Fprintf(w, "%s/%s: %s (total %d)\n", req.ResourceType, req.LogicalID, rec.Status, rec.Total)

		switch rec.Status {
		case persistence.ErasePartial:
			if err := ctx.Err(); err != nil {
				return rec, err
			}
			continue
		case persistence.EraseDone, persistence.EraseVersion:
			return rec, nil
		}
		return rec, fmt.Errorf("erase %s/%s: %s", req.ResourceType, req.LogicalID, rec.Status)
	}
}
