// Package ledger implements the concurrency admission counter. Each
// concurrency key holds the number of task items currently executing under
// it; the change reactor consults the post-increment count on entry to decide
// between immediate dispatch and the waiting list, and every decrement raises
// the run-next flag that drives waiting-list promotion.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"opsrunner/internal/awsclient"
)

// Attribute names of the ledger table. The key attribute doubles as the
// stream partition key, so all changes for one concurrency key arrive in
// order.
const (
	AttrKey     = "ConcurrencyId"
	AttrCount   = "InstanceCount"
	AttrRunNext = "RunNext"
)

const breakerName = "ledger"

// dynamoAPI is the subset of the DynamoDB client the ledger uses.
type dynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Config holds the Ledger dependencies.
type Config struct {
	Client dynamoAPI
	Table  string
	Logger *slog.Logger
}

// Ledger is the DynamoDB-backed concurrency counter. Both operations are
// single atomic UpdateItem calls, so concurrent callers for the same key
// never lose updates.
type Ledger struct {
	client dynamoAPI
	table  string
	logger *slog.Logger

	counts *awsclient.Invoker[int64]
	void   *awsclient.Invoker[struct{}]
}

// New creates a Ledger. cfg.Client and cfg.Table are required; a nil logger
// falls back to slog.Default().
func New(cfg Config) (*Ledger, error) {
	if cfg.Client == nil {
		return nil, errors.New("ledger: client is required")
	}
	if cfg.Table == "" {
		return nil, errors.New("ledger: table name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		client: cfg.Client,
		table:  cfg.Table,
		logger: logger,
		counts: awsclient.NewInvoker[int64](breakerName, awsclient.DefaultRetryPolicy(), awsclient.WithLogger[int64](logger)),
		void:   awsclient.NewInvoker[struct{}](breakerName, awsclient.DefaultRetryPolicy(), awsclient.WithLogger[struct{}](logger)),
	}, nil
}

// Enter atomically increments the count for key, creating the entry at 1 if
// absent, and returns the post-increment count. The run-next flag is cleared
// so the entry change does not read as a promotion signal.
func (l *Ledger) Enter(ctx context.Context, key string) (int64, error) {
	count, err := l.counts.Do(ctx, "Ledger.Enter", func(ctx context.Context) (int64, error) {
		out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(l.table),
			Key:              keyAttr(key),
			UpdateExpression: aws.String("ADD #c :one SET #r = :false"),
			ExpressionAttributeNames: map[string]string{
				"#c": AttrCount,
				"#r": AttrRunNext,
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":one":   numberAttr(1),
				":false": &ddbtypes.AttributeValueMemberBOOL{Value: false},
			},
			ReturnValues: ddbtypes.ReturnValueUpdatedNew,
		})
		if err != nil {
			return 0, err
		}
		return countFrom(out.Attributes)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: enter %q: %w", key, err)
	}
	return count, nil
}

// Leave atomically decrements the count for key and sets run-next true,
// which is the signal the change reactor consumes to look for a waiter. The
// returned count is floored at 0 and the entry is deleted once it reaches 0,
// so a leave on an already-empty key is a no-op beyond the signal.
func (l *Ledger) Leave(ctx context.Context, key string) (int64, error) {
	count, err := l.counts.Do(ctx, "Ledger.Leave", func(ctx context.Context) (int64, error) {
		out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(l.table),
			Key:              keyAttr(key),
			UpdateExpression: aws.String("ADD #c :minus SET #r = :true"),
			ExpressionAttributeNames: map[string]string{
				"#c": AttrCount,
				"#r": AttrRunNext,
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":minus": numberAttr(-1),
				":true":  &ddbtypes.AttributeValueMemberBOOL{Value: true},
			},
			ReturnValues: ddbtypes.ReturnValueUpdatedNew,
		})
		if err != nil {
			return 0, err
		}
		return countFrom(out.Attributes)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: leave %q: %w", key, err)
	}

	if count <= 0 {
		if err := l.deleteEmpty(ctx, key); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return count, nil
}

// deleteEmpty removes an entry whose count has reached 0. The condition
// keeps a concurrent Enter from being wiped out between the decrement and
// the delete; losing that race is fine and logged at debug.
func (l *Ledger) deleteEmpty(ctx context.Context, key string) error {
	_, err := l.void.Do(ctx, "Ledger.DeleteEmpty", func(ctx context.Context) (struct{}, error) {
		_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(l.table),
			Key:                 keyAttr(key),
			ConditionExpression: aws.String("#c <= :zero"),
			ExpressionAttributeNames: map[string]string{
				"#c": AttrCount,
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":zero": numberAttr(0),
			},
		})
		return struct{}{}, err
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			l.logger.DebugContext(ctx, "ledger entry re-entered before cleanup", "key", key)
			return nil
		}
		return fmt.Errorf("ledger: delete empty entry %q: %w", key, err)
	}
	return nil
}

func keyAttr(key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		AttrKey: &ddbtypes.AttributeValueMemberS{Value: key},
	}
}

func numberAttr(n int64) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func countFrom(attrs map[string]ddbtypes.AttributeValue) (int64, error) {
	raw, ok := attrs[AttrCount]
	if !ok {
		return 0, fmt.Errorf("update result missing %s", AttrCount)
	}
	n, ok := raw.(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%s is not numeric", AttrCount)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}
