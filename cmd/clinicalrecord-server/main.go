package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicalrecord/internal/config"
	"github.com/ehr/clinicalrecord/internal/domain/clinicaldoc"
	"github.com/ehr/clinicalrecord/internal/domain/laborder"
	"github.com/ehr/clinicalrecord/internal/platform/auth"
	"github.com/ehr/clinicalrecord/internal/platform/db"
	"github.com/ehr/clinicalrecord/internal/platform/events"
	"github.com/ehr/clinicalrecord/internal/platform/logging"
	"github.com/ehr/clinicalrecord/internal/platform/metrics"
	"github.com/ehr/clinicalrecord/internal/platform/middleware"
	"github.com/ehr/clinicalrecord/internal/platform/sequence"
	"github.com/ehr/clinicalrecord/internal/platform/statushistory"
	"github.com/ehr/clinicalrecord/internal/platform/validation"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicalrecord-server",
		Short: "Clinical record lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
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

// connect loads configuration and opens a pool for the one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", db.SchemaFor(tenant))
			count, err := db.EnsureTenantSchema(ctx, pool, tenant, dir)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status for a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			if !db.ValidTenant(tenant) {
				return fmt.Errorf("invalid tenant identifier: %q", tenant)
			}

			schema := db.SchemaFor(tenant)
			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
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

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenant(name) {
				return fmt.Errorf("invalid tenant identifier: %q", name)
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Creating tenant schema: %s\n", db.SchemaFor(name))
			count, err := db.EnsureTenantSchema(ctx, pool, name, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Tenant created, %d migration(s) applied.\n", count)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// app holds the wired components the HTTP server needs.
type app struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	labs    *laborder.Handler
	docs    *clinicaldoc.Handler
	checks  []db.Check
}

// closers are run in reverse order on shutdown.
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Options{
		Env:        cfg.Env,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: every request runs as an admin user")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if n, err := db.EnsureTenantSchema(ctx, pool, cfg.DefaultTenant, cfg.MigrationsDir); err != nil {
		return err
	} else if n > 0 {
		logger.Info().Int("applied", n).Str("tenant", cfg.DefaultTenant).Msg("migrations applied")
	}

	var cleanup closers
	defer func() { cleanup.run() }()

	counter, counterChecks, closeCounter, err := newCounter(ctx, cfg, pool)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeCounter)

	pub, pubChecks, closePub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closePub)

	m := metrics.New()
	numbers := sequence.NewGenerator(counter)
	history := statushistory.NewRecorder(statushistory.NewRepoPG(pool))

	labSvc := laborder.NewService(laborder.NewOrderRepoPG(pool), history, numbers, pub, m, logger)
	docSvc := clinicaldoc.NewService(clinicaldoc.NewNoteRepoPG(pool), clinicaldoc.NewSummaryRepoPG(pool),
		history, numbers, pub, m, logger)

	e := newServer(cfg, logger, app{
		pool:    pool,
		metrics: m,
		labs:    laborder.NewHandler(labSvc),
		docs:    clinicaldoc.NewHandler(docSvc),
		checks:  append(counterChecks, pubChecks...),
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newCounter selects the display-number counter for SEQUENCE_BACKEND.
func newCounter(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (sequence.Counter, []db.Check, func(), error) {
	switch cfg.SequenceBackend {
	case config.SequenceRedis:
		client, err := sequence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		check := db.Check{Name: "redis", Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() }}
		return sequence.NewRedisCounter(client), []db.Check{check}, func() { client.Close() }, nil
	case config.SequenceMemory:
		return sequence.NewMemoryCounter(), nil, func() {}, nil
	default:
		return sequence.NewPGCounter(pool), nil, func() {}, nil
	}
}

// newPublisher publishes to RabbitMQ when RABBITMQ_URL is set and to the log
// otherwise.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, []db.Check, func(), error) {
	if cfg.RabbitMQURL == "" {
		logger.Info().Msg("RABBITMQ_URL not set, domain events go to the log")
		return events.NewLogPublisher(logger), nil, func() {}, nil
	}
	conn, err := events.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, nil, nil, err
	}
	pub, err := events.NewAMQPPublisher(conn)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	check := db.Check{Name: "rabbitmq", Ping: func(context.Context) error {
		if conn.IsClosed() {
			return errors.New("connection closed")
		}
		return nil
	}}
	return pub, []db.Check{check}, func() {
		pub.Close()
		conn.Close()
	}, nil
}

// newServer builds the echo instance: global middleware, health and metrics
// endpoints, and the authenticated, tenant-scoped /api/v1 group.
func newServer(cfg *config.Config, logger zerolog.Logger, a app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader, "X-Tenant-ID"},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.checks...))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}
	apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	// Buckets are keyed by tenant and user, so this runs after both.
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	a.labs.RegisterRoutes(apiV1)
	a.docs.RegisterRoutes(apiV1)

	return e
}
