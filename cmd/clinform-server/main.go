package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinform/clinform/internal/config"
	"github.com/clinform/clinform/internal/domain/invitation"
	"github.com/clinform/clinform/internal/domain/patient"
	"github.com/clinform/clinform/internal/domain/questionnaire"
	"github.com/clinform/clinform/internal/platform/audit"
	"github.com/clinform/clinform/internal/platform/auth"
	"github.com/clinform/clinform/internal/platform/docstore"
	"github.com/clinform/clinform/internal/platform/middleware"
	"github.com/clinform/clinform/internal/platform/notify"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinform-server",
		Short: "Clinical questionnaire platform API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())

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

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the documents table and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}

			ctx := context.Background()
			pool, err := docstore.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := docstore.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migration applied successfully.")
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check root and per-patient questionnaire copies for divergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, cleanup, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			auditor := newAuditor(store, cfg, logger)
			report, err := auditor.Run(ctx)
			if err != nil {
				return fmt.Errorf("audit failed: %w", err)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report.DivergenceCount > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open document store")
	}
	defer cleanup()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	// Auth middleware
	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthHMACKey),
		})
	}
	e.Use(skipOpenRoutes(authMW))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	apiV1 := e.Group("/api/v1")

	// -- Register Domain Handlers --

	queue := notify.NewQueue(store, logger)

	engine := questionnaire.NewEngine(store, questionnaire.NewBandScorer(), logger)
	questSvc := questionnaire.NewService(engine, store, queue, logger)
	questionnaire.NewHandler(questSvc).RegisterRoutes(apiV1)

	invitations := invitation.NewManager(store, queue, logger)
	invitations.SetTTL(time.Duration(cfg.InvitationTTLHours) * time.Hour)
	invitation.NewHandler(invitations).RegisterRoutes(apiV1)

	patientSvc := patient.NewService(store, invitations, queue, logger)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)

	audit.NewHandler(newAuditor(store, cfg, logger)).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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

// skipOpenRoutes bypasses auth for the endpoints a caller reaches before
// having an account: health and the invitation signup flow.
func skipOpenRoutes(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	open := map[string]struct{}{
		"/health":                            {},
		"/api/v1/invitations/:token":         {},
		"/api/v1/invitations/:token/consume": {},
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := mw(next)
		return func(c echo.Context) error {
			if _, ok := open[c.Path()]; ok {
				return next(c)
			}
			return guarded(c)
		}
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStore returns the PostgreSQL-backed store when DATABASE_URL is set and
// the in-memory store otherwise. Validate() rejects the in-memory fallback
// outside development before this runs.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (docstore.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set; using in-memory document store")
		return docstore.NewMemStore(), func() {}, nil
	}

	pool, err := docstore.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to database")
	return docstore.NewPGStore(pool), pool.Close, nil
}

func newAuditor(store docstore.Store, cfg *config.Config, logger zerolog.Logger) *audit.Auditor {
	auditor := audit.NewAuditor(store, logger)
	if cfg.AuditRootLimit > 0 {
		auditor.RootLimit = cfg.AuditRootLimit
	}
	if cfg.AuditPatientSample > 0 {
		auditor.PatientSample = cfg.AuditPatientSample
	}
	if cfg.AuditMaxExamples > 0 {
		auditor.MaxExamples = cfg.AuditMaxExamples
	}
	return auditor
}
