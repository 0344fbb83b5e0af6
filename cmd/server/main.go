package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/config"
	"github.com/pesio-ai/be-plt-twofa/internal/database"
	"github.com/pesio-ai/be-plt-twofa/internal/handler"
	"github.com/pesio-ai/be-plt-twofa/internal/metrics"
	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/internal/service"
	jwtpkg "github.com/pesio-ai/be-plt-twofa/pkg/jwt"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
	"github.com/pesio-ai/be-plt-twofa/pkg/password"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: cfg.ServiceName,
		Pretty:      cfg.LogFormat == "pretty",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Initialize database connection
	pool, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := database.Migrate(ctx, pool, log); err != nil {
			return err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	// Initialize JWT manager
	tokens, err := jwtpkg.NewManager(cfg.JWTSecret, cfg.TokenTTL(), jwtpkg.WithExpiryMode(cfg.ExpiryMode()))
	if err != nil {
		return fmt.Errorf("failed to create JWT manager: %w", err)
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(pool, log)
	roleRepo := repository.NewRoleRepository(pool, log)
	tokenRepo := repository.NewTokenRepository(rdb)
	txm := database.NewTxManager(pool)

	m := metrics.New(nil)
	cat := catalog.Default()
	params := password.DefaultParams()

	// Initialize services
	resolver := service.NewPermissionResolver(roleRepo, cat)
	totpService := service.NewTOTPService(userRepo, cfg.TOTPIssuer, log.Component("totp"))
	authService := service.NewAuthService(userRepo, resolver, totpService, tokens, service.AuthConfig{
		Revocations:       tokenRepo,
		Metrics:           m,
		PasswordParams:    params,
		PasswordMinLength: cfg.PasswordMinLength,
	}, log.Component("auth"))
	userService := service.NewUserService(userRepo, roleRepo, txm, cat, params, cfg.PasswordMinLength, log.Component("users"))
	roleService := service.NewRoleService(roleRepo, txm, cat, log.Component("roles"))

	// Initialize handlers
	httpHandler := handler.NewHTTPHandler(handler.Services{
		Auth:  authService,
		Users: userService,
		Roles: roleService,
		TOTP:  totpService,
	}, handler.Options{
		Metrics:       m,
		AuthRateLimit: cfg.AuthRateLimit,
		Production:    cfg.IsProduction(),
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			return tokenRepo.Ping(ctx)
		},
	}, log.Component("http"))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler.Routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	// Setup gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogging(log.Component("grpc"), m)))
	handler.RegisterTokenServiceServer(grpcServer, handler.NewGRPCHandler(authService, log.Component("grpc")))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.TokenServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener on port %s: %w", cfg.GRPCPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("port", cfg.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
