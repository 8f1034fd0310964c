// Package main is the entrypoint for the completion poller Lambda function.
//
// The poller fires on its own EventBridge rule and re-stamps the
// last-completion-check attribute of every item waiting on async completion.
// The resulting stream records make the tracker dispatch the actual
// completion checks, so this binary touches nothing but timestamps. When
// nothing waits, the poller parks its own rule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"

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
	logger.Info("completion poller starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"poll_rule", cfg.Executor.CompletionRule)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

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
	rule, err := executor.NewCompletionRule(eventbridge.NewFromConfig(awsCfg),
		cfg.Executor.CompletionRule, logger)
	if err != nil {
		return fmt.Errorf("creating completion rule: %w", err)
	}
	poller, err := executor.NewPoller(store, rule, logger)
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}

	lambda.Start(func(ctx context.Context) error {
		return poller.Poll(ctx)
	})
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
