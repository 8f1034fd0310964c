// Package notify publishes end-of-task result notifications to the result
// queue when task items reach a terminal state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"opsrunner/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Notifier sends ResultNotification messages for terminal task items. A
// Notifier with an empty queue URL is a no-op, so callers never need to guard
// on whether notifications are configured.
type Notifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Notifier publishing to queueURL. An empty queueURL disables
// publication.
func New(client SQSSender, queueURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishResult sends the end-of-task notification for a terminal item. Items
// created with notifications disabled are skipped.
func (n *Notifier) PublishResult(ctx context.Context, item *types.TaskItem) error {
	if n.queueURL == "" {
		return nil
	}
	if !item.Notify {
		return nil
	}
	if !item.Status.IsTerminal() {
		return fmt.Errorf("notify: item %s is not terminal (status %s)", item.ID, item.Status)
	}

	msg := types.ResultNotification{
		NotificationID: uuid.NewString(),
		ItemID:         item.ID,
		TaskName:       item.TaskName,
		Action:         item.Action,
		Status:         item.Status,
		Result:         item.Result,
		Error:          item.Error,
		FinishedAt:     n.now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal result for item %s: %w", item.ID, err)
	}

	_, err = n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"task_name": {
				DataType:    aws.String("String"),
				StringValue: aws.String(item.TaskName),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(item.Status)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: send result for item %s: %w", item.ID, err)
	}

	n.logger.InfoContext(ctx, "published task result notification",
		"item_id", item.ID,
		"task_name", item.TaskName,
		"status", string(item.Status),
	)
	return nil
}
