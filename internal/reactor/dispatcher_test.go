package reactor

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdaTypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"opsrunner/internal/types"
)

type fakeLambda struct {
	inputs     []*lambda.InvokeInput
	statusCode int32
}

func (f *fakeLambda) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.inputs = append(f.inputs, in)
	code := f.statusCode
	if code == 0 {
		code = 202
	}
	return &lambda.InvokeOutput{StatusCode: code}, nil
}

func TestLambdaDispatch(t *testing.T) {
	client := &fakeLambda{}
	d := NewLambdaDispatcher(client, "opsrunner-executor", slog.New(slog.DiscardHandler))

	req := types.ExecutionRequest{
		Kind:   types.ExecutionExecute,
		ItemID: "item-1",
		Item:   types.TaskItem{ID: "item-1", Action: "ec2-stop-instance"},
	}
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("invocations = %d, want 1", len(client.inputs))
	}

	in := client.inputs[0]
	if aws.ToString(in.FunctionName) != "opsrunner-executor" {
		t.Fatalf("function = %q", aws.ToString(in.FunctionName))
	}
	if in.InvocationType != lambdaTypes.InvocationTypeEvent {
		t.Fatalf("invocation type = %q, want async", in.InvocationType)
	}

	var decoded types.ExecutionRequest
	if err := json.Unmarshal(in.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.ItemID != "item-1" || decoded.Kind != types.ExecutionExecute {
		t.Fatalf("payload = %+v", decoded)
	}
}

func TestLambdaDispatchRejectsBadStatus(t *testing.T) {
	client := &fakeLambda{statusCode: 500}
	d := NewLambdaDispatcher(client, "opsrunner-executor", slog.New(slog.DiscardHandler))

	err := d.Dispatch(context.Background(), types.ExecutionRequest{ItemID: "item-1"})
	if err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}
