// Package types defines the shared domain model for the ops runner: task
// definitions, tracked task items, concurrency ledger entries and the messages
// exchanged between the scheduler, reactor and executor Lambdas.
//
// Types here are plain data. Behavior lives in the packages that own the
// corresponding store or handler.
package types

import (
	"encoding/json"
	"time"
)

// TaskDefinition is a configured, named recurring or event-triggered unit of
// work. Definitions are immutable per configuration version and identified by
// their unique name.
type TaskDefinition struct {
	Name        string            `json:"name" dynamodbav:"Name"`
	Action      string            `json:"action" dynamodbav:"Action"`
	Enabled     bool              `json:"enabled" dynamodbav:"Enabled"`
	Description string            `json:"description,omitempty" dynamodbav:"Description,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty" dynamodbav:"Parameters,omitempty"`

	// Interval is a 5-field cron expression; empty for purely event-driven tasks.
	Interval string `json:"interval,omitempty" dynamodbav:"Interval,omitempty"`
	// Timezone is an IANA zone name used to localize the interval; defaults to UTC.
	Timezone string `json:"timezone,omitempty" dynamodbav:"Timezone,omitempty"`

	// ThisAccount selects resources in the account the stack runs in.
	ThisAccount bool `json:"this_account" dynamodbav:"ThisAccount"`
	// CrossAccountRoles are role ARNs assumed to select and act on resources
	// in other accounts.
	CrossAccountRoles []string `json:"cross_account_roles,omitempty" dynamodbav:"CrossAccountRoles,omitempty"`
	Regions           []string `json:"regions,omitempty" dynamodbav:"Regions,omitempty"`

	// TagFilter selects resources by tag expression; empty means "resource is
	// tagged with this task's name in the scheduling tag", "*" selects all.
	TagFilter string `json:"tag_filter,omitempty" dynamodbav:"TagFilter,omitempty"`

	// TimeoutMinutes bounds completion polling for actions that report
	// asynchronously.
	TimeoutMinutes int `json:"timeout_minutes,omitempty" dynamodbav:"TimeoutMinutes,omitempty"`

	Debug       bool `json:"debug" dynamodbav:"Debug"`
	DryRun      bool `json:"dry_run" dynamodbav:"DryRun"`
	TaskMetrics bool `json:"task_metrics" dynamodbav:"TaskMetrics"`
	Notify      bool `json:"notify" dynamodbav:"Notify"`
}

// TaskItem is one concrete dispatch attempt of a task definition against a
// specific set of resources. Items are created by the selector in status
// pending and mutated only by the executor and the change reactor.
type TaskItem struct {
	// ID is a generated unique id, never reused.
	ID       string     `json:"id" dynamodbav:"Id"`
	TaskName string     `json:"task_name" dynamodbav:"TaskName"`
	Action   string     `json:"action" dynamodbav:"Action"`
	Status   TaskStatus `json:"status" dynamodbav:"Status"`
	Source   TaskSource `json:"source" dynamodbav:"Source"`

	// GroupID correlates all items dispatched from one scheduler tick.
	GroupID string `json:"group_id" dynamodbav:"TaskGroup"`

	// Resources is the JSON resource payload: a single resource or a batch,
	// depending on the action's aggregation level. When ExternalResources is
	// set the payload lives in the resource bucket and this field is empty.
	Resources         json.RawMessage `json:"resources,omitempty" dynamodbav:"Resources,omitempty"`
	ExternalResources bool            `json:"external_resources" dynamodbav:"S3Resources"`

	// AssumedRole is the cross-account role ARN the action runs under, empty
	// for the stack account.
	AssumedRole string `json:"assumed_role,omitempty" dynamodbav:"AssumedRole,omitempty"`
	Account     string `json:"account" dynamodbav:"Account"`

	Parameters map[string]string `json:"parameters,omitempty" dynamodbav:"Parameters,omitempty"`

	// ConcurrencyKey is set once by the reactor when admission control applies
	// and is immutable for the life of the item. ConcurrencyWaitKey is a second
	// copy used as the waiting-list index key; it is cleared on terminal status
	// so finished items drop out of the index.
	ConcurrencyKey     string `json:"concurrency_key,omitempty" dynamodbav:"ConcurrencyKey,omitempty"`
	ConcurrencyWaitKey string `json:"-" dynamodbav:"ConcurrencyId,omitempty"`

	Created   time.Time `json:"created" dynamodbav:"Created"`
	CreatedTS int64     `json:"created_ts" dynamodbav:"CreatedTs"`
	StartedTS int64     `json:"started_ts,omitempty" dynamodbav:"StartedTs,omitempty"`

	// LastCompletionCheck is re-stamped by the completion timer while the item
	// is in wait-to-complete; the resulting stream record triggers a repoll.
	LastCompletionCheck string `json:"last_completion_check,omitempty" dynamodbav:"LastCompletionCheck,omitempty"`

	// StartResult is the payload returned by Execute for actions with async
	// completion; it is passed back to the completion check.
	StartResult string `json:"start_result,omitempty" dynamodbav:"StartResult,omitempty"`
	Result      string `json:"result,omitempty" dynamodbav:"ActionResult,omitempty"`
	Error       string `json:"error,omitempty" dynamodbav:"Error,omitempty"`

	TimeoutMinutes int  `json:"timeout_minutes,omitempty" dynamodbav:"TimeoutMinutes,omitempty"`
	Debug          bool `json:"debug" dynamodbav:"Debug"`
	DryRun         bool `json:"dry_run" dynamodbav:"DryRun"`
	TaskMetrics    bool `json:"task_metrics" dynamodbav:"TaskMetrics"`
	Notify         bool `json:"notify" dynamodbav:"Notify"`

	// TTL is the epoch-seconds expiry set on terminal items when cleanup is
	// enabled; the table's TTL policy removes the item afterwards.
	TTL int64 `json:"-" dynamodbav:"TTL,omitempty"`
}

// StatusData is the whitelist of status-adjacent fields an executor may update
// together with a status transition. Nil pointer fields are left untouched;
// pointers to the zero value clear the attribute.
type StatusData struct {
	StartResult         *string
	Result              *string
	Error               *string
	StartedTS           *int64
	LastCompletionCheck *string
	ExecutionSeconds    *float64
}

// ConcurrencyEntry is a counter record in the concurrency ledger table, keyed
// by the action-defined concurrency key.
type ConcurrencyEntry struct {
	Key string `json:"key" dynamodbav:"ConcurrencyId"`
	// Count is the number of in-flight task items holding this key. Always >= 0.
	Count int `json:"count" dynamodbav:"InstanceCount"`
	// RunNext is set true whenever the count is decremented; it signals the
	// reactor to consider promoting a waiter.
	RunNext bool `json:"run_next" dynamodbav:"RunNext"`
}

// Resource is a described cloud resource as returned by the resource
// description collaborator. Tags may be empty for resource types that do not
// support tagging.
type Resource struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Account string            `json:"account"`
	Region  string            `json:"region"`
	Tags    map[string]string `json:"tags,omitempty"`
	// Data carries the service-specific resource description verbatim.
	Data json.RawMessage `json:"data,omitempty"`
}
