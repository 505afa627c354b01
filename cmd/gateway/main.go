package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"session-gateway/internal/app"
	"session-gateway/internal/config"
	"session-gateway/internal/domain"
	"session-gateway/internal/http/handler"
	"session-gateway/internal/http/middleware"
	"session-gateway/internal/http/router"
	"session-gateway/internal/observability"
	"session-gateway/internal/repository"
	"session-gateway/internal/security"
	"session-gateway/internal/service"
	"session-gateway/internal/tools/common"
	"session-gateway/internal/tools/loadgen"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "Session token and admission-control gateway"}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	cmd.AddCommand(newLoadgenCommand())
	return cmd
}

func newLoadgenCommand() *cobra.Command {
	opts := loadgen.Options{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate traffic against a running gateway to observe throttling",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(".env"); err != nil {
				return err
			}
			report, err := loadgen.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Summary())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVar(&opts.Profile, "profile", "mixed", "traffic profile: auth, api or mixed")
	cmd.Flags().IntVar(&opts.Requests, "requests", 30, "total requests to send")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 4, "concurrent workers")
	cmd.Flags().StringVar(&opts.Email, "email", "loadgen@example.com", "login email for the auth profile")
	cmd.Flags().StringVar(&opts.Password, "password", "loadgen-password", "login password for the auth profile")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	return cmd
}

func serve(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := observability.InitRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&domain.User{}); err != nil {
		return fmt.Errorf("migrate user directory: %w", err)
	}

	jwtMgr := security.NewJWTManager("session-gateway", "session-gateway", cfg.JWTSecret)
	sessionStore := repository.NewRedisSessionStore(redisClient, "session")
	rateLimitStore := repository.NewRedisRateLimitStore(redisClient, "ratelimit")
	users := repository.NewUserRepository(db)

	sessions := service.NewSessionService(jwtMgr, sessionStore, cfg.RefreshTokenPepper, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.StoreTimeout)
	admission := service.NewAdmissionController(rateLimitStore, service.DefaultPolicies(), cfg.StoreTimeout)
	gates := middleware.NewGateComposer(admission, sessions)
	authHandler := handler.NewAuthHandler(sessions, users, cfg.IsProduction())

	mux := router.NewRouter(router.Dependencies{
		AuthHandler: authHandler,
		Gates:       gates,
		Readiness: []router.ReadinessCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "database", Check: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
		},
		EnableOTelHTTP: cfg.OTELHTTPEnabled,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      mux,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
	gateway := app.New(cfg, logger, server, runtime)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", server.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := gateway.Observability.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err.Error())
		}
		return redisClient.Close()
	})
	return g.Wait()
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		dialector = sqlite.Open(cfg.DatabaseDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
