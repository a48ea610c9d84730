package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tpsview/tpsview/internal/config"
	"github.com/tpsview/tpsview/internal/domain/schedule"
	"github.com/tpsview/tpsview/internal/platform/db"
	"github.com/tpsview/tpsview/internal/platform/middleware"
	"github.com/tpsview/tpsview/internal/platform/notify"
	"github.com/tpsview/tpsview/internal/platform/telemetry"
	"github.com/tpsview/tpsview/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tpsview-server",
		Short: "Treatment planning schedule viewer",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the schedule API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the development schema",
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
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
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

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrator, err := db.NewMigrator(pool, migrations.FS)
	if err != nil {
		return err
	}
	defer migrator.Close()

	return fn(ctx, migrator)
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check database connectivity and schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			d := db.Diagnose(ctx, pool, time.Now().In(loc))
			printDiagnostics(d)

			caps, err := db.ProbeCapabilities(ctx, pool)
			if err != nil {
				fmt.Printf("%-22s %s\n", "capabilities", "probe failed: "+err.Error())
			} else if missing := caps.Missing(); len(missing) > 0 {
				fmt.Printf("%-22s %s\n", "missing columns", strings.Join(missing, ", "))
			} else {
				fmt.Printf("%-22s %s\n", "missing columns", "none")
			}

			if d.Error != nil {
				return fmt.Errorf("check failed: %s", *d.Error)
			}
			return nil
		},
	}
}

func printDiagnostics(d *db.Diagnostics) {
	fmt.Printf("%-22s %t\n", "database connection", d.DatabaseConnection)
	fmt.Printf("%-22s %t\n", "tables accessible", d.TablesAccessible)
	if len(d.AvailableTables) > 0 {
		fmt.Printf("%-22s %s\n", "tables", strings.Join(d.AvailableTables, ", "))
	}
	for _, row := range d.SampleData {
		fmt.Printf("%-22s %v | %v | %v\n", "sample", row["patient_name"], row["mrn"], row["exam_date"])
	}
	if d.TodayRecordsCount != nil {
		fmt.Printf("%-22s %d (%s)\n", "today's examinations", *d.TodayRecordsCount, d.CurrentDate)
	}
	if d.Error != nil {
		fmt.Printf("%-22s %s\n", "error", *d.Error)
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	} else if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		logger = logger.Level(zerolog.InfoLevel)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid clinic time zone")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	caps, err := db.ProbeCapabilities(ctx, pool)
	if err != nil {
		logger.Warn().Err(err).Msg("schema probe failed, assuming all optional columns exist")
		caps = db.AllCapabilities()
	} else if missing := caps.Missing(); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("optional columns not found, affected fields report N/A")
	}

	// Notifications
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create telegram notifier")
		}
		notifiers = append(notifiers, tg)
		logger.Info().Int64("chat_id", cfg.TelegramChatID).Msg("telegram notifications enabled")
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL))
		logger.Info().Str("url", cfg.WebhookURL).Msg("webhook notifications enabled")
	}

	// Schedule
	store := schedule.NewStorePG(pool)
	agg := schedule.NewAggregator(store, caps, schedule.AggregatorOptions{
		Location:     loc,
		WidenOnEmpty: cfg.WidenOnEmpty,
		WidenLimit:   cfg.WidenLimit,
	}, logger)
	upd := schedule.NewStatusUpdater(store, notifiers, logger).WithClock(loc, nil)
	handler := schedule.NewHandler(agg, upd)

	// Metrics
	metrics := telemetry.NewMetrics()
	metrics.RegisterGauge("db_pool_acquired_connections", "Connections currently checked out of the pool.", func() float64 {
		return float64(pool.Stat().AcquiredConns())
	})
	metrics.RegisterGauge("db_pool_idle_connections", "Idle connections in the pool.", func() float64 {
		return float64(pool.Stat().IdleConns())
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, schedule.HeaderScheduleDate, schedule.HeaderScheduleWidened},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, caps))
	e.GET("/metrics", metrics.Handler())
	e.GET("/test-connection", db.DiagnosticsHandler(pool, func() time.Time { return time.Now().In(loc) }))

	handler.RegisterRoutes(e.Group(""), middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	// Background refresh
	refresher := schedule.NewRefresher(agg, cfg.RefreshInterval, logger).WithObserver(metrics)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		refresher.Start(ctx)
	}()

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
	stop()
	<-refreshDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
