// Package tracking implements the task tracking store: the append/update log
// of task execution attempts backed by a DynamoDB table with a change stream.
// Inserts are buffered and flushed in batches; resource payloads too large to
// inline are offloaded compressed to S3 and fetched back on demand.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"opsrunner/internal/awsclient"
	"opsrunner/internal/types"
)

// Attribute names used in update expressions. They must stay in sync with
// the dynamodbav tags on types.TaskItem.
const (
	attrID                  = "Id"
	attrAction              = "Action"
	attrStatus              = "Status"
	attrWaitKey             = "ConcurrencyId"
	attrConcurrencyKey      = "ConcurrencyKey"
	attrLastCompletionCheck = "LastCompletionCheck"
	attrStartResult         = "StartResult"
	attrResult              = "ActionResult"
	attrError               = "Error"
	attrStartedTS           = "StartedTs"
	attrExecutionSeconds    = "ExecutionSeconds"
	attrUpdated             = "Updated"
	attrUpdatedTS           = "UpdatedTs"
	attrTTL                 = "TTL"
)

// Index names on the tracking table.
const (
	// WaitingTasksIndex is keyed on ConcurrencyId and holds the waiting list.
	WaitingTasksIndex = "WaitingTasks"
	// CompletionTasksIndex is keyed on LastCompletionCheck and holds items
	// pending a completion check.
	CompletionTasksIndex = "CompletionTasks"
)

const (
	batchWriteSize = 25

	// conditionalRetries bounds how long an update waits out the window in
	// which a freshly batch-written item is not yet readable.
	conditionalRetries = 10
)

// Store is the task tracking persistence boundary consumed by the selector,
// reactor and executor.
type Store interface {
	Add(ctx context.Context, def *types.TaskDefinition, resources any, groupID, assumedRole string, source types.TaskSource) (*types.TaskItem, error)
	Flush(ctx context.Context) error
	UpdateStatus(ctx context.Context, id string, status types.TaskStatus, data *types.StatusData) error
	Get(ctx context.Context, id string) (*types.TaskItem, error)
	GetWaiting(ctx context.Context, concurrencyKey string) ([]types.TaskItem, error)
	WaitingForCompletion(ctx context.Context) ([]types.TaskItem, error)
	LoadResources(ctx context.Context, item *types.TaskItem) (json.RawMessage, error)
	Delete(ctx context.Context, id string) error
}

// dynamoAPI is the subset of the DynamoDB client the store uses.
type dynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3API is the subset of the S3 client used for offloaded resource payloads.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds the DynamoStore dependencies and tuning.
type Config struct {
	Client dynamoAPI
	S3     s3API
	Table  string

	// Bucket and Prefix locate offloaded resource payloads. OffloadThreshold
	// is the serialized payload size, in bytes, above which the payload moves
	// to S3 instead of the item.
	Bucket           string
	Prefix           string
	OffloadThreshold int

	// RetentionDays drives the TTL stamped on terminal items; 0 disables
	// cleanup. KeepFailed exempts failed and timed-out items from the TTL.
	RetentionDays int
	KeepFailed    bool

	Account string
	Logger  *slog.Logger
}

// DynamoStore is the DynamoDB implementation of Store. Add buffers items in
// memory until Flush, which writes them in batches; everything else talks to
// the table directly. Safe for concurrent use.
type DynamoStore struct {
	client dynamoAPI
	s3     s3API
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []types.TaskItem

	update *awsclient.Invoker[*dynamodb.UpdateItemOutput]
	batch  *awsclient.Invoker[*dynamodb.BatchWriteItemOutput]
	read   *awsclient.Invoker[*dynamodb.GetItemOutput]
	query  *awsclient.Invoker[*dynamodb.QueryOutput]
	scan   *awsclient.Invoker[*dynamodb.ScanOutput]
	void   *awsclient.Invoker[struct{}]

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewDynamoStore creates a DynamoStore. Client, S3, Table and Bucket are
// required; a nil logger falls back to slog.Default().
func NewDynamoStore(cfg Config) (*DynamoStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("tracking: dynamodb client is required")
	}
	if cfg.S3 == nil {
		return nil, errors.New("tracking: s3 client is required")
	}
	if cfg.Table == "" {
		return nil, errors.New("tracking: table name is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("tracking: resource bucket is required")
	}
	if cfg.OffloadThreshold <= 0 {
		cfg.OffloadThreshold = 16 * 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := awsclient.DefaultRetryPolicy()
	return &DynamoStore{
		client: cfg.Client,
		s3:     cfg.S3,
		cfg:    cfg,
		logger: logger,
		update: awsclient.NewInvoker[*dynamodb.UpdateItemOutput]("tracking", policy, awsclient.WithLogger[*dynamodb.UpdateItemOutput](logger)),
		batch:  awsclient.NewInvoker[*dynamodb.BatchWriteItemOutput]("tracking", policy, awsclient.WithLogger[*dynamodb.BatchWriteItemOutput](logger)),
		read:   awsclient.NewInvoker[*dynamodb.GetItemOutput]("tracking", policy, awsclient.WithLogger[*dynamodb.GetItemOutput](logger)),
		query:  awsclient.NewInvoker[*dynamodb.QueryOutput]("tracking", policy, awsclient.WithLogger[*dynamodb.QueryOutput](logger)),
		scan:   awsclient.NewInvoker[*dynamodb.ScanOutput]("tracking", policy, awsclient.WithLogger[*dynamodb.ScanOutput](logger)),
		void:   awsclient.NewInvoker[struct{}]("tracking", policy, awsclient.WithLogger[struct{}](logger)),
		now:    time.Now,
		sleep:  func(ctx context.Context, d time.Duration) error { return sleepContext(ctx, d) },
	}, nil
}

// Add builds a pending task item for the given definition and buffers it for
// the next Flush. The resource payload is serialized immediately; payloads at
// or above the offload threshold are compressed and written to S3 before the
// item is buffered, so a failed upload surfaces here and not at flush time.
func (s *DynamoStore) Add(ctx context.Context, def *types.TaskDefinition, resources any, groupID, assumedRole string, source types.TaskSource) (*types.TaskItem, error) {
	payload, err := json.Marshal(resources)
	if err != nil {
		return nil, fmt.Errorf("tracking: marshal resources for task %s: %w", def.Name, err)
	}

	now := s.now()
	item := types.TaskItem{
		ID:             uuid.NewString(),
		TaskName:       def.Name,
		Action:         def.Action,
		Status:         types.StatusPending,
		Source:         source,
		GroupID:        groupID,
		AssumedRole:    assumedRole,
		Account:        s.cfg.Account,
		Parameters:     def.Parameters,
		Created:        now,
		CreatedTS:      now.Unix(),
		StartedTS:      now.Unix(),
		TimeoutMinutes: def.TimeoutMinutes,
		Debug:          def.Debug,
		DryRun:         def.DryRun,
		TaskMetrics:    def.TaskMetrics,
		Notify:         def.Notify,
	}
	if assumedRole != "" {
		if account, ok := accountFromRoleArn(assumedRole); ok {
			item.Account = account
		}
	}

	if len(payload) >= s.cfg.OffloadThreshold {
		if err := s.putResourcePayload(ctx, item.ID, payload); err != nil {
			return nil, err
		}
		item.ExternalResources = true
	} else {
		item.Resources = payload
	}

	s.mu.Lock()
	s.pending = append(s.pending, item)
	s.mu.Unlock()

	return &item, nil
}

// Buffered returns the number of items waiting for the next Flush.
func (s *DynamoStore) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes all buffered items to the table in batches of 25, feeding
// unprocessed items back into the queue. A context about to expire stops the
// loop early with the remaining items still buffered, so a re-invocation can
// finish the write instead of losing items.
func (s *DynamoStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	queue := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(queue) == 0 {
		return nil
	}

	var requests []ddbtypes.WriteRequest
	for i := range queue {
		record, err := attributevalue.MarshalMap(&queue[i])
		if err != nil {
			return fmt.Errorf("tracking: marshal item %s: %w", queue[i].ID, err)
		}
		requests = append(requests, ddbtypes.WriteRequest{
			PutRequest: &ddbtypes.PutRequest{Item: record},
		})
	}

	for len(requests) > 0 {
		if err := ctx.Err(); err != nil {
			s.logger.WarnContext(ctx, "flush interrupted, items remain buffered",
				"remaining", len(requests))
			s.requeue(requests)
			return err
		}

		size := min(batchWriteSize, len(requests))
		chunk := requests[:size]
		requests = requests[size:]

		out, err := s.batch.Do(ctx, "Tracking.BatchWrite", func(ctx context.Context) (*dynamodb.BatchWriteItemOutput, error) {
			return s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]ddbtypes.WriteRequest{
					s.cfg.Table: chunk,
				},
			})
		})
		if err != nil {
			s.requeue(append(chunk, requests...))
			return fmt.Errorf("tracking: batch write: %w", err)
		}

		if unprocessed := out.UnprocessedItems[s.cfg.Table]; len(unprocessed) > 0 {
			s.logger.WarnContext(ctx, "unprocessed tracking writes, requeueing",
				"count", len(unprocessed))
			requests = append(requests, unprocessed...)
			if err := s.sleep(ctx, time.Second); err != nil {
				s.requeue(requests)
				return err
			}
		}
	}
	return nil
}

// requeue converts unwritten requests back into pending items so the next
// Flush retries them.
func (s *DynamoStore) requeue(requests []ddbtypes.WriteRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range requests {
		if r.PutRequest == nil {
			continue
		}
		var item types.TaskItem
		if err := attributevalue.UnmarshalMap(r.PutRequest.Item, &item); err != nil {
			s.logger.Error("dropping unrecoverable tracking item", "error", err)
			continue
		}
		s.pending = append(s.pending, item)
	}
}

// UpdateStatus applies a status transition plus the whitelisted status-data
// fields to an item. Terminal transitions clear the waiting-list key and the
// completion-check timestamp so the item drops out of both indexes, and stamp
// a TTL when cleanup is configured.
func (s *DynamoStore) UpdateStatus(ctx context.Context, id string, status types.TaskStatus, data *types.StatusData) error {
	set := map[string]ddbtypes.AttributeValue{
		attrUpdated:   stringAttr(s.now().UTC().Format(time.RFC3339)),
		attrUpdatedTS: numberAttr(s.now().Unix()),
	}
	var remove []string

	if status != "" {
		set[attrStatus] = stringAttr(string(status))
	}
	if status.IsTerminal() {
		remove = append(remove, attrWaitKey, attrLastCompletionCheck)
		if s.cfg.RetentionDays > 0 && (status == types.StatusCompleted || !s.cfg.KeepFailed) {
			ttl := s.now().Unix() + int64(s.cfg.RetentionDays)*24*3600
			set[attrTTL] = numberAttr(ttl)
		}
	}

	if data != nil {
		applyStringField(set, &remove, attrStartResult, data.StartResult)
		applyStringField(set, &remove, attrResult, data.Result)
		applyStringField(set, &remove, attrError, data.Error)
		// Terminal transitions already remove the completion-check stamp;
		// DynamoDB rejects expressions that SET and REMOVE the same path.
		if !status.IsTerminal() {
			applyStringField(set, &remove, attrLastCompletionCheck, data.LastCompletionCheck)
		}
		if data.StartedTS != nil {
			if *data.StartedTS == 0 {
				remove = append(remove, attrStartedTS)
			} else {
				set[attrStartedTS] = numberAttr(*data.StartedTS)
			}
		}
		if data.ExecutionSeconds != nil {
			set[attrExecutionSeconds] = &ddbtypes.AttributeValueMemberN{
				Value: strconv.FormatFloat(*data.ExecutionSeconds, 'f', -1, 64),
			}
		}
	}

	return s.updateItem(ctx, id, set, remove)
}

// ClearWaitKey removes the waiting-list index key from an item without
// touching its status. Used as housekeeping when a finished item is still
// visible in the waiting index.
func (s *DynamoStore) ClearWaitKey(ctx context.Context, id string) error {
	return s.updateItem(ctx, id, map[string]ddbtypes.AttributeValue{
		attrUpdated:   stringAttr(s.now().UTC().Format(time.RFC3339)),
		attrUpdatedTS: numberAttr(s.now().Unix()),
	}, []string{attrWaitKey})
}

// AssignConcurrency stamps the concurrency key on an item that passed
// admission control and is dispatched directly. The waiting-list index key is
// written too so a later terminal transition releases the slot, but the
// status is left alone; the executor moves it to started.
func (s *DynamoStore) AssignConcurrency(ctx context.Context, id, concurrencyKey string) error {
	return s.updateItem(ctx, id, map[string]ddbtypes.AttributeValue{
		attrWaitKey:        stringAttr(concurrencyKey),
		attrConcurrencyKey: stringAttr(concurrencyKey),
		attrUpdated:        stringAttr(s.now().UTC().Format(time.RFC3339)),
		attrUpdatedTS:      numberAttr(s.now().Unix()),
	}, nil)
}

// SetWaitKey stamps the waiting-list index key on an item together with the
// wait-to-execute status. Called by the reactor when admission control defers
// a new item.
func (s *DynamoStore) SetWaitKey(ctx context.Context, id, concurrencyKey string) error {
	return s.updateItem(ctx, id, map[string]ddbtypes.AttributeValue{
		attrStatus:         stringAttr(string(types.StatusWaiting)),
		attrWaitKey:        stringAttr(concurrencyKey),
		attrConcurrencyKey: stringAttr(concurrencyKey),
		attrUpdated:        stringAttr(s.now().UTC().Format(time.RFC3339)),
		attrUpdatedTS:      numberAttr(s.now().Unix()),
	}, nil)
}

// updateItem writes a SET/REMOVE expression conditioned on the item existing
// in the table. A conditional failure is retried for a bounded window:
// freshly batch-written items may not be readable on the index path that
// produced the id yet.
func (s *DynamoStore) updateItem(ctx context.Context, id string, set map[string]ddbtypes.AttributeValue, remove []string) error {
	names := map[string]string{"#action": attrAction}
	values := map[string]ddbtypes.AttributeValue{}

	expr := "SET "
	i := 0
	for attr, value := range set {
		name := fmt.Sprintf("#s%d", i)
		placeholder := fmt.Sprintf(":v%d", i)
		if i > 0 {
			expr += ", "
		}
		expr += name + " = " + placeholder
		names[name] = attr
		values[placeholder] = value
		i++
	}
	for j, attr := range remove {
		name := fmt.Sprintf("#r%d", j)
		if j == 0 {
			expr += " REMOVE "
		} else {
			expr += ", "
		}
		expr += name
		names[name] = attr
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.cfg.Table),
		Key:                       itemKey(id),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(#action)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	for attempt := 0; ; attempt++ {
		_, err := s.update.Do(ctx, "Tracking.UpdateItem", func(ctx context.Context) (*dynamodb.UpdateItemOutput, error) {
			return s.client.UpdateItem(ctx, input)
		})
		if err == nil {
			return nil
		}
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) && attempt < conditionalRetries {
			if serr := s.sleep(ctx, time.Second); serr != nil {
				return serr
			}
			continue
		}
		return fmt.Errorf("tracking: update item %s: %w", id, err)
	}
}

// Get fetches an item by id with a consistent read. Returns
// types.ErrTaskItemNotFound when the item does not exist.
func (s *DynamoStore) Get(ctx context.Context, id string) (*types.TaskItem, error) {
	out, err := s.read.Do(ctx, "Tracking.GetItem", func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.cfg.Table),
			Key:            itemKey(id),
			ConsistentRead: aws.Bool(true),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("tracking: get item %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, types.ErrTaskItemNotFound
	}

	var item types.TaskItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("tracking: unmarshal item %s: %w", id, err)
	}
	return &item, nil
}

// GetWaiting returns the waiting-list items for a concurrency key ordered by
// creation time ascending (FIFO). Finished items still carrying the index key
// are cleaned up along the way.
func (s *DynamoStore) GetWaiting(ctx context.Context, concurrencyKey string) ([]types.TaskItem, error) {
	var waiting []types.TaskItem
	var stale []string

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.Table),
		IndexName:              aws.String(WaitingTasksIndex),
		Select:                 ddbtypes.SelectAllAttributes,
		KeyConditionExpression: aws.String("#k = :key"),
		ExpressionAttributeNames: map[string]string{
			"#k": attrWaitKey,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":key": stringAttr(concurrencyKey),
		},
	}

	for {
		out, err := s.query.Do(ctx, "Tracking.QueryWaiting", func(ctx context.Context) (*dynamodb.QueryOutput, error) {
			return s.client.Query(ctx, input)
		})
		if err != nil {
			return nil, fmt.Errorf("tracking: query waiting for %q: %w", concurrencyKey, err)
		}

		for _, record := range out.Items {
			var item types.TaskItem
			if err := attributevalue.UnmarshalMap(record, &item); err != nil {
				s.logger.ErrorContext(ctx, "skipping unreadable waiting item", "error", err)
				continue
			}
			switch {
			case item.Status == types.StatusWaiting:
				waiting = append(waiting, item)
			case item.Status.IsTerminal():
				stale = append(stale, item.ID)
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	for _, id := range stale {
		if err := s.ClearWaitKey(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "failed to clear stale wait key", "item_id", id, "error", err)
		}
	}

	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedTS < waiting[j].CreatedTS
	})
	return waiting, nil
}

// WaitingForCompletion returns all items in wait-to-complete status, for the
// completion timer to re-check. Finished items still visible on the
// completion index get their check timestamp cleared.
func (s *DynamoStore) WaitingForCompletion(ctx context.Context) ([]types.TaskItem, error) {
	var waiting []types.TaskItem
	var stale []string

	input := &dynamodb.ScanInput{
		TableName: aws.String(s.cfg.Table),
		IndexName: aws.String(CompletionTasksIndex),
	}

	for {
		out, err := s.scan.Do(ctx, "Tracking.ScanCompletion", func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return s.client.Scan(ctx, input)
		})
		if err != nil {
			return nil, fmt.Errorf("tracking: scan completion index: %w", err)
		}

		for _, record := range out.Items {
			var item types.TaskItem
			if err := attributevalue.UnmarshalMap(record, &item); err != nil {
				s.logger.ErrorContext(ctx, "skipping unreadable completion item", "error", err)
				continue
			}
			switch {
			case item.Status == types.StatusWaitForCompletion:
				waiting = append(waiting, item)
			case item.Status.IsTerminal():
				stale = append(stale, item.ID)
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	for _, id := range stale {
		empty := ""
		if err := s.UpdateStatus(ctx, id, "", &types.StatusData{LastCompletionCheck: &empty}); err != nil {
			s.logger.WarnContext(ctx, "failed to clear stale completion check", "item_id", id, "error", err)
		}
	}

	return waiting, nil
}

// LoadResources returns the resource payload of an item, fetching and
// decompressing it from S3 when it was offloaded.
func (s *DynamoStore) LoadResources(ctx context.Context, item *types.TaskItem) (json.RawMessage, error) {
	if !item.ExternalResources {
		return item.Resources, nil
	}

	key := s.resourceKey(item.ID)
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("tracking: fetch resources s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("tracking: open resource payload %s: %w", key, err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("tracking: read resource payload %s: %w", key, err)
	}
	return payload, nil
}

// Delete removes an item and, when its payload was offloaded, the payload
// object as well.
func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrTaskItemNotFound) {
			return nil
		}
		return err
	}

	if item.ExternalResources {
		if err := s.DeletePayload(ctx, id); err != nil {
			return err
		}
	}

	_, err = s.void.Do(ctx, "Tracking.DeleteItem", func(ctx context.Context) (struct{}, error) {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.cfg.Table),
			Key:       itemKey(id),
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("tracking: delete item %s: %w", id, err)
	}
	return nil
}

// DeletePayload removes the offloaded resource payload of an item. Used both
// by Delete and by the reactor when it observes the removal of an item whose
// payload lived in the bucket.
func (s *DynamoStore) DeletePayload(ctx context.Context, id string) error {
	key := s.resourceKey(id)
	_, err := s.void.Do(ctx, "Tracking.DeleteResources", func(ctx context.Context) (struct{}, error) {
		_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("tracking: delete resources s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

func (s *DynamoStore) putResourcePayload(ctx context.Context, id string, payload []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("tracking: compress resources for %s: %w", id, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("tracking: compress resources for %s: %w", id, err)
	}

	key := s.resourceKey(id)
	_, err := s.void.Do(ctx, "Tracking.PutResources", func(ctx context.Context) (struct{}, error) {
		_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(s.cfg.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(buf.Bytes()),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("tracking: write resources s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

func (s *DynamoStore) resourceKey(id string) string {
	return s.cfg.Prefix + id + ".json.gz"
}

func itemKey(id string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		attrID: stringAttr(id),
	}
}

func stringAttr(v string) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberS{Value: v}
}

func numberAttr(n int64) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func applyStringField(set map[string]ddbtypes.AttributeValue, remove *[]string, attr string, value *string) {
	if value == nil {
		return
	}
	if *value == "" {
		*remove = append(*remove, attr)
		return
	}
	set[attr] = stringAttr(*value)
}

// accountFromRoleArn extracts the account id from a role ARN
// (arn:aws:iam::123456789012:role/Name).
func accountFromRoleArn(arn string) (string, bool) {
	parts := make([]string, 0, 6)
	start := 0
	for i := 0; i <= len(arn); i++ {
		if i == len(arn) || arn[i] == ':' {
			parts = append(parts, arn[start:i])
			start = i + 1
		}
	}
	if len(parts) < 5 || parts[0] != "arn" {
		return "", false
	}
	return parts[4], true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
