// Package config defines the configuration for the ops runner services.
// Configuration is loaded once during Lambda cold start and is immutable
// afterwards; individual components receive only the subsets they need.
//
// Values resolve through a priority chain:
//
//	OS Environment (highest) -> Dotenv file -> AWS SSM Parameter Store (lowest)
//
// A missing required value or an invalid format fails the process on startup.
package config

import (
	"time"

	"opsrunner/internal/types"
)

// SecretString aliases types.SecretString, the redacted string type used for
// sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration for all ops runner entry points.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"opsrunner"`
	StackName   string `envconfig:"STACK_NAME" default:"opsrunner"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	AWS       AWSConfig
	Tables    TableConfig
	Tracking  TrackingConfig
	Scheduler SchedulerConfig
	Executor  ExecutorConfig
	Notify    NotifyConfig
	Metrics   MetricsConfig
	API       APIConfig

	// Build metadata (injected via ldflags, not env)
	Build BuildInfo
}

// AWSConfig holds regional settings and cross-account access configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// AccountID is the account the stack runs in, stamped on task items that
	// run without an assumed role.
	AccountID string `envconfig:"AWS_ACCOUNT_ID"`

	// OpsRoleName is the name of the role assumed in target accounts when a
	// task runs across accounts.
	OpsRoleName    string       `envconfig:"OPS_ROLE_NAME" default:"OpsRunnerRole"`
	RoleExternalID SecretString `envconfig:"ROLE_EXTERNAL_ID"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// TableConfig holds the DynamoDB table names the services operate on.
type TableConfig struct {
	TaskTracking   string `envconfig:"TASK_TRACKING_TABLE" validate:"required"`
	Concurrency    string `envconfig:"CONCURRENCY_TABLE" validate:"required"`
	TaskConfig     string `envconfig:"TASK_CONFIG_TABLE" validate:"required"`
	SchedulerState string `envconfig:"SCHEDULER_STATE_TABLE" validate:"required"`
}

// TrackingConfig holds tuning for the task tracking store.
type TrackingConfig struct {
	// ResourceBucket receives resource payloads too large to inline in a
	// tracking item.
	ResourceBucket   string `envconfig:"RESOURCE_BUCKET" validate:"required"`
	ResourcePrefix   string `envconfig:"RESOURCE_PREFIX" default:"resources/"`
	OffloadThreshold int    `envconfig:"RESOURCE_OFFLOAD_BYTES" default:"16384"`

	// RetentionDays drives the TTL stamped on finished tracking items.
	RetentionDays int `envconfig:"TASK_RETENTION_DAYS" default:"14"`
	// KeepFailed exempts failed and timed-out items from TTL cleanup.
	KeepFailed bool `envconfig:"KEEP_FAILED_TASKS" default:"false"`
}

// SchedulerConfig holds the scheduler loop settings.
type SchedulerConfig struct {
	// TickRule is the EventBridge rule firing the scheduler every minute;
	// WakeRule is the one-shot rule armed when the next task is further out.
	TickRule string `envconfig:"SCHEDULER_TICK_RULE" default:"opsrunner-tick"`
	WakeRule string `envconfig:"SCHEDULER_WAKE_RULE" default:"opsrunner-wake"`

	// WakeThreshold is the gap beyond which the every-minute rule is parked
	// in favor of a one-shot wake.
	WakeThreshold time.Duration `envconfig:"SCHEDULER_WAKE_THRESHOLD" default:"5m"`

	DefaultTimezone string `envconfig:"DEFAULT_TIMEZONE" default:"UTC"`

	// SchedulingTag is the shared resource tag whose value lists the tasks a
	// resource opted into.
	SchedulingTag string `envconfig:"SCHEDULING_TAG" default:"opsrunner:tasks"`
}

// ExecutorConfig holds execution dispatch settings.
type ExecutorConfig struct {
	QueueURL string `envconfig:"SQS_EXECUTION_QUEUE" validate:"required,url"`

	// FunctionName is the executor Lambda the change reactor dispatches to.
	FunctionName string `envconfig:"EXECUTOR_FUNCTION" default:"opsrunner-executor"`

	// DefaultTimeout bounds a task execution when the task definition does
	// not carry its own timeout.
	DefaultTimeout time.Duration `envconfig:"EXECUTION_DEFAULT_TIMEOUT" default:"60m"`

	// CompletionInterval is how often wait-to-complete items are re-checked.
	CompletionInterval time.Duration `envconfig:"COMPLETION_CHECK_INTERVAL" default:"1m"`

	// CompletionRule is the EventBridge rule firing the completion poller;
	// it is parked when nothing waits for completion.
	CompletionRule string `envconfig:"COMPLETION_POLL_RULE" default:"opsrunner-completion"`
}

// NotifyConfig holds result notification settings.
type NotifyConfig struct {
	ResultQueueURL string `envconfig:"SQS_RESULT_QUEUE" validate:"omitempty,url"`
}

// MetricsConfig holds CloudWatch metrics settings.
type MetricsConfig struct {
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"OpsRunner"`
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// APIConfig holds the read-only operations API settings.
type APIConfig struct {
	Port       string       `envconfig:"PORT" default:"8080"`
	AdminToken SecretString `envconfig:"API_ADMIN_TOKEN"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ErrorType categorizes configuration loading failures.
type ErrorType string

const (
	// ErrSSMResolution indicates a failure fetching secrets from AWS SSM.
	ErrSSMResolution ErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates environment values could not be parsed into their
	// target types.
	ErrParsing ErrorType = "PARSING_FAILED"
)
