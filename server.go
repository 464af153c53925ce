package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/storefront-id/internal/auth"
	"github.com/example/storefront-id/internal/config"
	"github.com/example/storefront-id/internal/grpcclient"
	"github.com/example/storefront-id/internal/handlers"
	"github.com/example/storefront-id/internal/repository"
	"github.com/example/storefront-id/internal/usecase"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recognition backend",
		Long: `Starts the HTTP backend accepting POST /process_image uploads. Images are
recognized by the model service over gRPC, answers are cached in Redis and
every request is logged to Postgres.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(initCtx, cfg.Server.DatabaseDSN)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return err
	}
	repo := repository.NewRecognitionRepository(db, logger)
	if err := repo.AutoMigrate(initCtx); err != nil {
		logger.Error("auto migrate failed", zap.Error(err))
		return err
	}

	redisClient, err := initRedis(initCtx, cfg.Server.RedisAddr)
	if err != nil {
		logger.Error("redis connection failed", zap.Error(err))
		return err
	}
	defer redisClient.Close()

	model, conn, err := grpcclient.DialRecognizer(initCtx, cfg.Server.ProcessorAddr, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	uc := usecase.NewRecognitionUseCase(repo, usecase.NewRedisCache(redisClient), model, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.Middleware(cfg.Server.JWTSecret, cfg.Server.JWTAudience)...)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r,
	}

	logger.Info("recognition backend listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.Bool("auth", cfg.Server.JWTSecret != ""))
	return serveHTTPServer(ctx, server, cfg.Server.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(ctx, server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails, a signal arrives
// or ctx ends, then drains in-flight requests for up to shutdownTimeout.
func serveHTTPServerWithOptions(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}
