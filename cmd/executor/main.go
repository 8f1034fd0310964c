// Package main is the entrypoint for the executor Lambda function.
//
// The executor receives execution requests dispatched by the tracker: either
// an initial execute or a completion re-check. It re-reads the authoritative
// task item, runs the registered action, and records the outcome on the item.
// A watchdog flags the item timed-out shortly before the invocation deadline
// so overruns never leave an item stuck in started.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"opsrunner/internal/action"
	"opsrunner/internal/awsclient"
	"opsrunner/internal/config"
	"opsrunner/internal/executor"
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
	logger.Info("executor starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"default_timeout", cfg.Executor.DefaultTimeout.String())

	sessions, err := awsclient.NewSessionFactory(context.Background(),
		cfg.AWS.Region, cfg.AWS.EndpointURL, cfg.AWS.RoleExternalID)
	if err != nil {
		return fmt.Errorf("creating session factory: %w", err)
	}
	awsCfg := sessions.Base()

	store, err := tracking.NewDynamoStore(tracking.Config{
		Client:           dynamodb.NewFromConfig(awsCfg),
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
	completionRule, err := executor.NewCompletionRule(eventbridge.NewFromConfig(awsCfg),
		cfg.Executor.CompletionRule, logger)
	if err != nil {
		return fmt.Errorf("creating completion rule: %w", err)
	}

	// Concrete cloud actions register here as they are delivered, capturing
	// the session factory so they can reach resources behind an item's
	// assumed role.
	registry := action.NewRegistry()

	exec, err := executor.New(executor.Config{
		Store:          store,
		Registry:       registry,
		CompletionRule: completionRule,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	lambda.Start(exec.Handle)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
