package metrics

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"opsrunner/internal/types"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestPublishTaskState(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := New(cw, "OpsRunner", true, slog.New(slog.DiscardHandler))

	if err := p.PublishTaskState(context.Background(), "stop-dev-instances", types.StatusCompleted, 3); err != nil {
		t.Fatalf("PublishTaskState: %v", err)
	}
	if len(cw.inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(cw.inputs))
	}

	in := cw.inputs[0]
	if aws.ToString(in.Namespace) != "OpsRunner" {
		t.Fatalf("namespace = %q", aws.ToString(in.Namespace))
	}
	datum := in.MetricData[0]
	if aws.ToString(datum.MetricName) != MetricCompleted {
		t.Fatalf("metric = %q", aws.ToString(datum.MetricName))
	}
	if aws.ToFloat64(datum.Value) != 3 {
		t.Fatalf("value = %v", aws.ToFloat64(datum.Value))
	}
	if got := aws.ToString(datum.Dimensions[0].Value); got != "stop-dev-instances" {
		t.Fatalf("task dimension = %q", got)
	}
}

func TestPublishTaskStateDisabled(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := New(cw, "OpsRunner", false, slog.New(slog.DiscardHandler))

	if err := p.PublishTaskState(context.Background(), "t", types.StatusFailed, 1); err != nil {
		t.Fatalf("PublishTaskState: %v", err)
	}
	if len(cw.inputs) != 0 {
		t.Fatal("disabled publisher must not call CloudWatch")
	}
}

func TestPublishTaskStateSkipsUnmappedStatus(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := New(cw, "OpsRunner", true, slog.New(slog.DiscardHandler))

	if err := p.PublishTaskState(context.Background(), "t", types.StatusWaitForCompletion, 1); err != nil {
		t.Fatalf("PublishTaskState: %v", err)
	}
	if len(cw.inputs) != 0 {
		t.Fatal("wait-to-complete has no metric and must be skipped")
	}
}

func TestPublishItemState(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := New(cw, "OpsRunner", true, slog.New(slog.DiscardHandler))

	p.PublishItemState(context.Background(), &types.TaskItem{
		TaskName: "t", Status: types.StatusFailed, TaskMetrics: true,
	})
	if len(cw.inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(cw.inputs))
	}

	p.PublishItemState(context.Background(), &types.TaskItem{
		TaskName: "t", Status: types.StatusFailed,
	})
	if len(cw.inputs) != 1 {
		t.Fatal("opted-out item must not publish")
	}
}

func TestPublishItemStateSwallowsErrors(t *testing.T) {
	cw := &fakeCloudWatch{err: errors.New("throttled")}
	p := New(cw, "OpsRunner", true, slog.New(slog.DiscardHandler))

	// must not panic or propagate
	p.PublishItemState(context.Background(), &types.TaskItem{
		TaskName: "t", Status: types.StatusCompleted, TaskMetrics: true,
	})
}
