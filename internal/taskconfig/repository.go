// Package taskconfig reads task definitions from the configuration table and
// validates them before the scheduler or selector acts on them.
package taskconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"opsrunner/internal/awsclient"
	"opsrunner/internal/cron"
	"opsrunner/internal/types"
)

// dynamoAPI is the subset of the DynamoDB client the repository uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config holds the repository dependencies.
type Config struct {
	Client dynamoAPI
	Table  string
	Logger *slog.Logger
}

// Repository serves task definitions from DynamoDB. Definitions failing
// validation are surfaced on Get and skipped (with a log line) on List, so a
// single bad definition cannot take the scheduler down.
type Repository struct {
	client dynamoAPI
	table  string
	logger *slog.Logger
	read   *awsclient.Invoker[*dynamodb.GetItemOutput]
	scan   *awsclient.Invoker[*dynamodb.ScanOutput]
}

// NewRepository validates the wiring and returns a Repository.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Client == nil {
		return nil, errors.New("taskconfig: dynamodb client is required")
	}
	if cfg.Table == "" {
		return nil, errors.New("taskconfig: table name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := awsclient.DefaultRetryPolicy()
	return &Repository{
		client: cfg.Client,
		table:  cfg.Table,
		logger: logger,
		read:   awsclient.NewInvoker[*dynamodb.GetItemOutput]("taskconfig", policy, awsclient.WithLogger[*dynamodb.GetItemOutput](logger)),
		scan:   awsclient.NewInvoker[*dynamodb.ScanOutput]("taskconfig", policy, awsclient.WithLogger[*dynamodb.ScanOutput](logger)),
	}, nil
}

// Get fetches one definition by name. Returns types.ErrTaskNotFound for
// unknown names and a validation error for definitions that fail validation.
func (r *Repository) Get(ctx context.Context, name string) (*types.TaskDefinition, error) {
	out, err := r.read.Do(ctx, "TaskConfig.GetItem", func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return r.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(r.table),
			Key: map[string]ddbtypes.AttributeValue{
				"Name": &ddbtypes.AttributeValueMemberS{Value: name},
			},
			ConsistentRead: aws.Bool(true),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("taskconfig: get task %s: %w", name, err)
	}
	if len(out.Item) == 0 {
		return nil, types.ErrTaskNotFound
	}

	var def types.TaskDefinition
	if err := attributevalue.UnmarshalMap(out.Item, &def); err != nil {
		return nil, fmt.Errorf("taskconfig: unmarshal task %s: %w", name, err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// List returns all valid task definitions. Invalid ones are logged and
// skipped.
func (r *Repository) List(ctx context.Context) ([]types.TaskDefinition, error) {
	var defs []types.TaskDefinition

	input := &dynamodb.ScanInput{TableName: aws.String(r.table)}
	for {
		out, err := r.scan.Do(ctx, "TaskConfig.Scan", func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return r.client.Scan(ctx, input)
		})
		if err != nil {
			return nil, fmt.Errorf("taskconfig: scan tasks: %w", err)
		}

		for _, record := range out.Items {
			var def types.TaskDefinition
			if err := attributevalue.UnmarshalMap(record, &def); err != nil {
				r.logger.ErrorContext(ctx, "skipping unreadable task definition", "error", err)
				continue
			}
			if err := ValidateDefinition(&def); err != nil {
				r.logger.ErrorContext(ctx, "skipping invalid task definition",
					"task_name", def.Name,
					"error", err,
				)
				continue
			}
			defs = append(defs, def)
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return defs, nil
}

// ValidateDefinition checks a definition at configuration time: name and
// action present, interval parseable, timezone loadable. Validation failures
// never reach the change reactor.
func ValidateDefinition(def *types.TaskDefinition) error {
	if def.Name == "" {
		return types.NewError(types.ErrCodeValidation, "task name is required", nil)
	}
	if def.Action == "" {
		return types.NewError(types.ErrCodeValidation, fmt.Sprintf("task %s: action is required", def.Name), nil)
	}
	if def.Interval != "" {
		if _, err := cron.Parse(def.Interval); err != nil {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("task %s: invalid interval %q", def.Name, def.Interval), err)
		}
	}
	if def.Timezone != "" {
		if _, err := time.LoadLocation(def.Timezone); err != nil {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("task %s: invalid timezone %q", def.Name, def.Timezone), err)
		}
	}
	if def.TimeoutMinutes < 0 {
		return types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("task %s: timeout must not be negative", def.Name), nil)
	}
	return nil
}
