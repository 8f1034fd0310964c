package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdaTypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"opsrunner/internal/awsclient"
	"opsrunner/internal/types"
)

// LambdaInvoker abstracts the Lambda Invoke operation for testability.
type LambdaInvoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaDispatcher sends execution requests to the executor function as
// asynchronous invocations, behind the shared retry/breaker policy.
type LambdaDispatcher struct {
	client       LambdaInvoker
	functionName string
	invoker      *awsclient.Invoker[*lambda.InvokeOutput]
	logger       *slog.Logger
}

// NewLambdaDispatcher creates a dispatcher targeting functionName.
func NewLambdaDispatcher(client LambdaInvoker, functionName string, logger *slog.Logger) *LambdaDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LambdaDispatcher{
		client:       client,
		functionName: functionName,
		invoker: awsclient.NewInvoker[*lambda.InvokeOutput]("executor-dispatch",
			awsclient.DefaultRetryPolicy(),
			awsclient.WithLogger[*lambda.InvokeOutput](logger),
		),
		logger: logger,
	}
}

// Dispatch serializes the request and invokes the executor asynchronously.
func (d *LambdaDispatcher) Dispatch(ctx context.Context, req types.ExecutionRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("reactor: marshal execution request for item %s: %w", req.ItemID, err)
	}

	out, err := d.invoker.Do(ctx, "Executor.Invoke", func(ctx context.Context) (*lambda.InvokeOutput, error) {
		return d.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName:   aws.String(d.functionName),
			InvocationType: lambdaTypes.InvocationTypeEvent,
			Payload:        payload,
		})
	})
	if err != nil {
		return fmt.Errorf("reactor: invoke executor for item %s: %w", req.ItemID, err)
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		return fmt.Errorf("reactor: executor invocation for item %s returned status %d", req.ItemID, out.StatusCode)
	}

	d.logger.InfoContext(ctx, "dispatched execution request",
		"item_id", req.ItemID,
		"kind", string(req.Kind),
	)
	return nil
}
