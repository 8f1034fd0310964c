// Package main is the entrypoint for the task tracker Lambda function.
//
// The tracker consumes the DynamoDB streams of the task tracking table and
// the concurrency table and drives the task item state machine: new pending
// items pass through admission control and are dispatched or parked on the
// waiting list, terminal items release their concurrency slot and fan out
// notifications and metrics, freed slots promote the oldest waiter.
//
// Cold start:
//  1. Initialize the structured logger.
//  2. Load configuration (environment, dotenv, SSM).
//  3. Load the AWS SDK configuration and construct service clients.
//  4. Build the tracking store, concurrency ledger, executor dispatcher,
//     result notifier and metrics publisher.
//  5. Register actions and call lambda.Start with the reactor handler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"opsrunner/internal/action"
	"opsrunner/internal/config"
	"opsrunner/internal/ledger"
	"opsrunner/internal/metrics"
	"opsrunner/internal/notify"
	"opsrunner/internal/reactor"
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
	logger.Info("tracker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"tracking_table", cfg.Tables.TaskTracking,
		"concurrency_table", cfg.Tables.Concurrency)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

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
	ledg, err := ledger.New(ledger.Config{
		Client: dynamoClient,
		Table:  cfg.Tables.Concurrency,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating concurrency ledger: %w", err)
	}

	// Concrete cloud actions register here as they are delivered.
	registry := action.NewRegistry()

	r, err := reactor.New(reactor.Config{
		Store:      store,
		Ledger:     ledg,
		Registry:   registry,
		Dispatcher: reactor.NewLambdaDispatcher(lambdasvc.NewFromConfig(awsCfg), cfg.Executor.FunctionName, logger),
		Notifier:   notify.New(sqs.NewFromConfig(awsCfg), cfg.Notify.ResultQueueURL, logger),
		Metrics:    metrics.New(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, cfg.Metrics.Enabled, logger),
		Classifier: reactor.Classifier{
			TrackingTable: cfg.Tables.TaskTracking,
			LedgerTable:   cfg.Tables.Concurrency,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating reactor: %w", err)
	}

	lambda.Start(r.HandleStream)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
