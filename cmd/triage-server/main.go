package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mindlog/triage/internal/config"
	"github.com/mindlog/triage/internal/domain/triage"
	"github.com/mindlog/triage/internal/platform/accesslog"
	"github.com/mindlog/triage/internal/platform/auth"
	"github.com/mindlog/triage/internal/platform/db"
	"github.com/mindlog/triage/internal/platform/metrics"
	"github.com/mindlog/triage/internal/platform/middleware"
	"github.com/mindlog/triage/internal/platform/sandbox"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "triage-server",
		Short: "Risk triage and intervention API for counselling centers",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withPool(context.Background(), func(ctx context.Context, pool *pgxpool.Pool) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			return withPool(context.Background(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a synthetic center with patients and daily logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := def
			cfg.Patients, _ = cmd.Flags().GetInt("patients")
			cfg.Counselors, _ = cmd.Flags().GetInt("counselors")
			cfg.Days, _ = cmd.Flags().GetInt("days")
			cfg.Seed, _ = cmd.Flags().GetInt64("seed")
			cfg.CenterName, _ = cmd.Flags().GetString("center-name")
			if raw, _ := cmd.Flags().GetString("center"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("--center: %w", err)
				}
				cfg.CenterID = id
			}

			return withPool(context.Background(), func(ctx context.Context, pool *pgxpool.Pool) error {
				res, err := sandbox.NewSeeder(pool, cfg).Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded center %s: %d patients, %d logs (%d risk-worthy) in %s\n",
					res.CenterID, res.Patients, res.Logs, res.RiskWorthy, res.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().Int("patients", def.Patients, "Number of patients")
	cmd.Flags().Int("counselors", def.Counselors, "Number of counselors patients are spread over")
	cmd.Flags().Int("days", def.Days, "Days of logs per patient, ending today")
	cmd.Flags().Int64("seed", def.Seed, "Random seed")
	cmd.Flags().String("center", "", "Center id to seed into (default: generated)")
	cmd.Flags().String("center-name", def.CenterName, "Center display name")
	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.Flags().String("dir", "./migrations", "Path to migrations directory")
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Str("env", cfg.Env).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("config loaded")
	if cfg.IsDev() && cfg.DevCenterID == "" {
		logger.Warn().Msg("DEV_CENTER_ID is empty; unauthenticated development requests have no center and get 403 on triage routes")
	}
	if !cfg.Triage.AtomicCascade {
		logger.Warn().Msg("TRIAGE_ATOMIC_CASCADE is off; a failed review write after an intervention insert leaves the event unreviewed")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e, err := newServer(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the stores, the triage service and the middleware chain.
// pool is only dialled when a request reaches a store.
func newServer(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*echo.Echo, error) {
	catalog := triage.DefaultActionCatalog()
	if cfg.Triage.ActionCatalog != "" {
		loaded, err := triage.LoadActionCatalog(cfg.Triage.ActionCatalog)
		if err != nil {
			return nil, fmt.Errorf("loading action catalog: %w", err)
		}
		catalog = loaded
		logger.Info().Str("path", cfg.Triage.ActionCatalog).Int("actions", len(catalog.Presets())).Msg("action catalog loaded")
	}

	var (
		registry    = metrics.NewRegistry()
		recorder    triage.Recorder
		httpMetrics *metrics.HTTPMetrics
	)
	if cfg.MetricsEnabled {
		tm, err := metrics.NewTriageMetrics(registry)
		if err != nil {
			return nil, fmt.Errorf("registering triage metrics: %w", err)
		}
		recorder = tm
		if httpMetrics, err = metrics.NewHTTPMetrics(registry); err != nil {
			return nil, fmt.Errorf("registering http metrics: %w", err)
		}
	}

	logs := triage.NewLogStorePG(pool)
	interventions := triage.NewInterventionStorePG(pool)
	patients := triage.NewPatientDirectoryPG(pool)

	var tx db.Transactor
	if cfg.Triage.AtomicCascade {
		tx = db.NewTransactor(pool)
	}
	coordinator := triage.NewCoordinator(logs, interventions, tx)

	svc := triage.NewService(logs, interventions, patients, coordinator, triage.Options{
		Policy: triage.Policy{
			HighIntensity:    cfg.Triage.HighIntensity,
			DeviationEnabled: cfg.Triage.DeviationEnabled,
			DeviationMargin:  cfg.Triage.DeviationMargin,
		},
		LookbackDays:    cfg.Triage.LookbackDays,
		MaxLookbackDays: cfg.Triage.MaxLookbackDays,
		Catalog:         catalog,
		Metrics:         recorder,
	}, logger.With().Str("component", "triage").Logger())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if httpMetrics != nil {
		e.Use(httpMetrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(registry)))
	}

	// Health and metrics stay reachable without a token.
	apiV1 := e.Group("/api/v1")
	var bearer echo.MiddlewareFunc
	if !cfg.IsDev() || cfg.AuthSigningKey != "" || cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" {
		bearer = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(cfg.DevCenterID, bearer))
	} else {
		apiV1.Use(bearer)
	}
	var auditRecorders []middleware.AuditRecorder
	if cfg.AuditPersist {
		auditRecorders = append(auditRecorders, accesslog.NewStore(pool))
	}
	apiV1.Use(middleware.Audit(logger, auditRecorders...))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	triage.NewHandler(svc).RegisterRoutes(apiV1)

	return e, nil
}
