// Package action defines the plugin protocol for cloud maintenance actions
// and the registry the core dispatches through. Concrete actions live outside
// the core; the engine only sees the interfaces and registered properties.
package action

import (
	"context"
	"encoding/json"

	"opsrunner/internal/types"
)

// Invocation carries everything an action needs for one task item execution.
// The resource payload is the item's selected resources, already fetched back
// from external storage when it was offloaded.
type Invocation struct {
	Item      *types.TaskItem
	Resources json.RawMessage
	// StartResult is the payload returned by Execute, passed back on
	// completion checks. Empty on the initial execute call.
	StartResult string
}

// ExecuteResult is the outcome of a started action. NeedsCompletion marks
// actions that report asynchronously: the item moves to wait-to-complete and
// Result is stored as the start result for later completion checks.
type ExecuteResult struct {
	Result          string
	NeedsCompletion bool
}

// An Action runs one cloud operation against the resources of a task item.
// Implementations may additionally implement Completer, ResourceProcessor
// and PreflightChecker; those capabilities are detected once at registration.
type Action interface {
	Execute(ctx context.Context, inv Invocation) (ExecuteResult, error)
}

// Completer is implemented by actions whose work finishes asynchronously.
// CheckCompletion reports done=false while the operation is still pending;
// on done=true the returned result is stored on the item.
type Completer interface {
	CheckCompletion(ctx context.Context, inv Invocation) (result string, done bool, err error)
}

// ResourceProcessor lets an action filter or enrich individual resources
// during selection. Returning nil drops the resource from the selection.
type ResourceProcessor interface {
	ProcessResource(resource types.Resource, parameters map[string]string) (*types.Resource, error)
}

// PreflightChecker lets an action reject a resource batch before a task item
// is created. A returned error drops the batch; it is logged, not fatal.
type PreflightChecker interface {
	CheckCanExecute(resources []types.Resource, parameters map[string]string) error
}

// Properties is the static metadata an action registers alongside its
// implementation.
type Properties struct {
	Name        string
	Description string

	// ResourceService and ResourceType name what the selector asks the
	// resource-description collaborator to list, e.g. "ec2" / "instances".
	ResourceService string
	ResourceType    string

	// Aggregation controls how selected resources group into task items;
	// defaults to one item per resource. BatchSize chunks region and account
	// level batches; 0 means unbounded.
	Aggregation types.AggregationLevel
	BatchSize   int

	// MaxConcurrency bounds simultaneously executing items sharing a
	// concurrency key; nil means unbounded and skips admission control
	// entirely. ConcurrencyKey derives the ledger key for an item and must be
	// set exactly when MaxConcurrency is.
	MaxConcurrency func(parameters map[string]string) int
	ConcurrencyKey func(item *types.TaskItem) string

	// CompletionTimeoutMinutes is the default completion-poll budget for
	// items whose definition does not set its own timeout.
	CompletionTimeoutMinutes int
}
