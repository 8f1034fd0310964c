// Package metrics publishes task state counts as CloudWatch metric data so
// dashboards can track items entering each lifecycle state per task.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"opsrunner/internal/types"
)

// CloudWatchAPI abstracts the PutMetricData operation for testability.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// metric names per lifecycle state
const (
	MetricSubmitted = "TasksSubmitted"
	MetricStarted   = "TasksStarted"
	MetricWaiting   = "TasksWaiting"
	MetricCompleted = "TasksCompleted"
	MetricFailed    = "TasksFailed"
	MetricTimedOut  = "TasksTimedOut"
)

var statusMetrics = map[types.TaskStatus]string{
	types.StatusPending:   MetricSubmitted,
	types.StatusStarted:   MetricStarted,
	types.StatusWaiting:   MetricWaiting,
	types.StatusCompleted: MetricCompleted,
	types.StatusFailed:    MetricFailed,
	types.StatusTimedOut:  MetricTimedOut,
}

// Publisher sends task state counts to CloudWatch. A disabled Publisher (or
// one for a status with no mapped metric) is a no-op; callers publish
// unconditionally and per-item opt-out is carried by the item's TaskMetrics
// flag.
type Publisher struct {
	client    CloudWatchAPI
	namespace string
	enabled   bool
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Publisher for the given namespace. Setting enabled false
// turns all publications into no-ops.
func New(client CloudWatchAPI, namespace string, enabled bool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:    client,
		namespace: namespace,
		enabled:   enabled,
		logger:    logger,
		now:       time.Now,
	}
}

// PublishTaskState records count items of the given task entering status.
// Unmapped statuses (wait-to-complete is bookkeeping, not a state worth a
// metric) are skipped silently.
func (p *Publisher) PublishTaskState(ctx context.Context, taskName string, status types.TaskStatus, count int) error {
	if !p.enabled || count <= 0 {
		return nil
	}
	metric, ok := statusMetrics[status]
	if !ok {
		return nil
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwTypes.MetricDatum{
			{
				MetricName: aws.String(metric),
				Timestamp:  aws.Time(p.now().UTC()),
				Value:      aws.Float64(float64(count)),
				Unit:       cwTypes.StandardUnitCount,
				Dimensions: []cwTypes.Dimension{
					{Name: aws.String("Task"), Value: aws.String(taskName)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("metrics: publish %s for task %s: %w", metric, taskName, err)
	}
	return nil
}

// PublishItemState publishes the state transition of a single item, honoring
// the item's metrics opt-in. Failures are logged, never propagated: metrics
// must not affect the state machine.
func (p *Publisher) PublishItemState(ctx context.Context, item *types.TaskItem) {
	if !item.TaskMetrics {
		return
	}
	if err := p.PublishTaskState(ctx, item.TaskName, item.Status, 1); err != nil {
		p.logger.WarnContext(ctx, "failed to publish task state metric",
			"task_name", item.TaskName,
			"status", string(item.Status),
			"error", err,
		)
	}
}
