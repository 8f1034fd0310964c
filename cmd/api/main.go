// Package main is the entry point for the ops API server.
//
// The API is read-only: task definitions, task items and per-key waiting
// lists. It runs as a plain HTTP server; graceful shutdown is handled via
// OS signal interception (SIGINT, SIGTERM).
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"opsrunner/internal/api"
	"opsrunner/internal/config"
	"opsrunner/internal/taskconfig"
	"opsrunner/internal/tracking"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("ops API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"port", cfg.API.Port)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	tasks, err := taskconfig.NewRepository(taskconfig.Config{
		Client: dynamoClient,
		Table:  cfg.Tables.TaskConfig,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating task repository: %w", err)
	}
	store, err := tracking.NewDynamoStore(tracking.Config{
		Client:           dynamoClient,
		S3:               s3.NewFromConfig(awsCfg),
		Table:            cfg.Tables.TaskTracking,
		Bucket:           cfg.Tracking.ResourceBucket,
		Prefix:           cfg.Tracking.ResourcePrefix,
		OffloadThreshold: cfg.Tracking.OffloadThreshold,
		RetentionDays:    cfg.Tracking.RetentionDays,
		KeepFailed:       cfg.Tracking.KeepFailed,
		Account:          cfg.AWS.AccountID,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating tracking store: %w", err)
	}

	srv, err := api.New(api.Config{
		Definitions: tasks,
		Items:       store,
		AdminToken:  cfg.API.AdminToken,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.API.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
