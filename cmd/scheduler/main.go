// Package main is the entrypoint for the scheduler Lambda function.
//
// The scheduler fires on an EventBridge timer (every minute, or a one-shot
// wake when the next due task is further out), on task configuration changes
// and on ad hoc run-now requests. Due tasks are handed to the resource
// selector, which creates the task items that drive the rest of the system
// through the tracking table's stream.
//
// The incoming payload is decoded as a schedule event; anything without a
// recognizable kind (such as a plain EventBridge timer envelope) is treated
// as a tick.
package main

import (
	"context"
	"encoding/json"
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
	"opsrunner/internal/scheduler"
	"opsrunner/internal/selector"
	"opsrunner/internal/taskconfig"
	"opsrunner/internal/tracking"
	"opsrunner/internal/types"
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
	logger.Info("scheduler starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"tick_rule", cfg.Scheduler.TickRule,
		"wake_rule", cfg.Scheduler.WakeRule)

	sessions, err := awsclient.NewSessionFactory(context.Background(),
		cfg.AWS.Region, cfg.AWS.EndpointURL, cfg.AWS.RoleExternalID)
	if err != nil {
		return fmt.Errorf("creating session factory: %w", err)
	}
	awsCfg := sessions.Base()
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

	// Concrete cloud actions register here as they are delivered.
	registry := action.NewRegistry()

	sel, err := selector.New(selector.Config{
		Describer:     awsclient.NewTagDescriber(sessions, logger),
		Store:         store,
		Registry:      registry,
		SchedulingTag: cfg.Scheduler.SchedulingTag,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating selector: %w", err)
	}
	tasks, err := taskconfig.NewRepository(taskconfig.Config{
		Client: dynamoClient,
		Table:  cfg.Tables.TaskConfig,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating task repository: %w", err)
	}
	state, err := scheduler.NewDynamoState(dynamoClient, cfg.Tables.SchedulerState)
	if err != nil {
		return fmt.Errorf("creating state store: %w", err)
	}
	rules, err := scheduler.NewRuleManager(eventbridge.NewFromConfig(awsCfg),
		cfg.Scheduler.TickRule, cfg.Scheduler.WakeRule, logger)
	if err != nil {
		return fmt.Errorf("creating rule manager: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Tasks:           tasks,
		Selector:        sel,
		State:           state,
		Rules:           rules,
		WakeThreshold:   cfg.Scheduler.WakeThreshold,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	lambda.Start(func(ctx context.Context, raw json.RawMessage) error {
		return sched.HandleEvent(ctx, decodeEvent(raw))
	})
	return nil
}

// decodeEvent extracts a schedule event from the raw invocation payload.
// EventBridge timer envelopes carry no recognizable kind and default to a
// tick; run-now and config-change invocations carry the kind directly.
func decodeEvent(raw json.RawMessage) types.ScheduleEvent {
	var ev types.ScheduleEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Kind == "" {
		return types.ScheduleEvent{Kind: types.ScheduleEventTick}
	}
	return ev
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
