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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceauth/internal/auth"
	"github.com/example/faceauth/internal/config"
	"github.com/example/faceauth/internal/events"
	"github.com/example/faceauth/internal/extractor"
	"github.com/example/faceauth/internal/grpcclient"
	"github.com/example/faceauth/internal/handlers"
	"github.com/example/faceauth/internal/logging"
	"github.com/example/faceauth/internal/repository"
	"github.com/example/faceauth/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:           "faceauth",
		Short:         "Face biometric enrollment and verification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional
			_ = godotenv.Load()
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg)
		},
	})
	return root
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer repository.Close(db) //nolint:errcheck

	if err := repository.AutoMigrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := openDatabase(startCtx, cfg)
	if err != nil {
		return err
	}
	defer repository.Close(db) //nolint:errcheck
	if err := repository.AutoMigrate(startCtx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	ext, conn, err := grpcclient.DialExtractor(startCtx, cfg.Extractor.Addr, cfg.Extractor.DialTimeout, logger)
	if err != nil {
		return fmt.Errorf("connect to extractor: %w", err)
	}
	defer conn.Close()

	tokens, err := auth.NewTokens(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.TTL)
	if err != nil {
		return err
	}

	policy, err := extractor.ParseFacePolicy(cfg.Extractor.FacePolicy)
	if err != nil {
		return err
	}

	opts := []usecase.Option{
		usecase.WithTokens(tokens),
		usecase.WithFacePolicy(policy),
		usecase.WithThreshold(cfg.Verification.Threshold),
		usecase.WithTimeouts(cfg.Extractor.Timeout, cfg.Store.Timeout),
		usecase.WithWorkers(cfg.Extractor.Workers),
	}

	if cfg.Redis.Addr != "" {
		cache, err := usecase.ConnectRedisCache(startCtx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer cache.Close()
		opts = append(opts, usecase.WithCache(cache, cfg.Redis.ResultTTL))
	} else {
		logger.Info("result cache disabled")
	}

	if cfg.MQTT.Enabled {
		publisher, err := events.ConnectMQTT(events.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, usecase.WithPublisher(publisher))
	}

	svc := usecase.NewAuthService(
		repository.NewIdentityRepository(db, logger),
		repository.NewAttemptRepository(db, logger),
		ext,
		logger,
		opts...,
	)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(svc, tokens, cfg.HTTP, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("faceauth listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("extractor", cfg.Extractor.Addr),
		zap.Float64("threshold", cfg.Verification.Threshold),
		zap.String("face_policy", string(policy)),
	)
	return serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
}

func newRouter(svc handlers.Service, tokens *auth.Tokens, cfg config.HTTPConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterRoutes(r, svc, tokens.Middleware(), handlers.Config{
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigins:  cfg.CORSOrigins,
		Logger:       logger.Named("http"),
	})
	return r
}

func openDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	db, err := repository.Open(ctx, repository.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        gormlogger.Warn,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
