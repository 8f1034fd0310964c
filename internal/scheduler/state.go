package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"opsrunner/internal/awsclient"
)

const (
	stateItemName = "scheduler"

	attrStateName    = "Name"
	attrStateLastRun = "LastRun"
)

type stateDynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoState persists the scheduler's last-run instant as a single item so
// that concurrent ticks can detect an already-handled minute.
type DynamoState struct {
	client stateDynamoAPI
	table  string

	read  *awsclient.Invoker[*dynamodb.GetItemOutput]
	write *awsclient.Invoker[*dynamodb.PutItemOutput]
}

// NewDynamoState creates a state store backed by the given table.
func NewDynamoState(client stateDynamoAPI, table string) (*DynamoState, error) {
	if client == nil {
		return nil, fmt.Errorf("scheduler state: client is required")
	}
	if table == "" {
		return nil, fmt.Errorf("scheduler state: table is required")
	}
	policy := awsclient.DefaultRetryPolicy()
	return &DynamoState{
		client: client,
		table:  table,
		read:   awsclient.NewInvoker[*dynamodb.GetItemOutput]("scheduler-state", policy),
		write:  awsclient.NewInvoker[*dynamodb.PutItemOutput]("scheduler-state", policy),
	}, nil
}

// Load returns the persisted last-run instant, or the zero time when the
// scheduler has never run. The read is strongly consistent: the idempotency
// guard built on this value must see the latest write.
func (s *DynamoState) Load(ctx context.Context) (time.Time, error) {
	out, err := s.read.Do(ctx, "GetItem", func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            stateKey(),
			ConsistentRead: aws.Bool(true),
		})
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("loading scheduler state: %w", err)
	}
	if len(out.Item) == 0 {
		return time.Time{}, nil
	}
	raw, ok := out.Item[attrStateLastRun].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing scheduler last run %q: %w", raw.Value, err)
	}
	return t, nil
}

// Save persists t as the new last-run instant.
func (s *DynamoState) Save(ctx context.Context, t time.Time) error {
	_, err := s.write.Do(ctx, "PutItem", func(ctx context.Context) (*dynamodb.PutItemOutput, error) {
		return s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item: map[string]ddbtypes.AttributeValue{
				attrStateName:    &ddbtypes.AttributeValueMemberS{Value: stateItemName},
				attrStateLastRun: &ddbtypes.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339)},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("saving scheduler state: %w", err)
	}
	return nil
}

func stateKey() map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		attrStateName: &ddbtypes.AttributeValueMemberS{Value: stateItemName},
	}
}
