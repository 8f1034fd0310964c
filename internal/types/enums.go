package types

// TaskStatus represents the lifecycle state of a task item in the tracking table.
//
// The string values are wire values stored in the table and must not change:
// the change reactor classifies stream records by comparing them.
type TaskStatus string

const (
	// StatusPending is the initial status of a task item inserted by the selector.
	StatusPending TaskStatus = "pending"
	// StatusStarted is set by the executor when the action begins running.
	StatusStarted TaskStatus = "started"
	// StatusWaitForCompletion means the action started and needs async completion polling.
	StatusWaitForCompletion TaskStatus = "wait-to-complete"
	// StatusWaiting means the item is blocked by admission control for its concurrency key.
	StatusWaiting TaskStatus = "wait-for-exec"
	// StatusCompleted is the successful terminal status.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed is the terminal status for a synchronous or asynchronous failure.
	StatusFailed TaskStatus = "failed"
	// StatusTimedOut is the terminal status when the completion timeout is exceeded.
	StatusTimedOut TaskStatus = "timed-out"
)

// IsTerminal reports whether the status is one of the terminal states.
// Terminal items release their concurrency slot and trigger result notification.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// AggregationLevel determines how selected resources are grouped into task items.
type AggregationLevel string

const (
	// AggregationResource creates one task item per selected resource.
	AggregationResource AggregationLevel = "resource"
	// AggregationRegion creates one task item per region with the region's resources batched.
	AggregationRegion AggregationLevel = "region"
	// AggregationAccount creates one task item per account across all its regions.
	AggregationAccount AggregationLevel = "account"
	// AggregationTask creates a single task item across all accounts and regions.
	AggregationTask AggregationLevel = "task"
)

// TaskSource identifies what triggered the creation of a task item.
type TaskSource string

const (
	SourceScheduler TaskSource = "scheduler"
	SourceEvent     TaskSource = "event"
	SourceRunNow    TaskSource = "run-now"
	SourceUnknown   TaskSource = "unknown"
)

// ScheduleEventKind identifies the kind of event delivered to the scheduler Lambda.
type ScheduleEventKind string

const (
	// ScheduleEventTick is the periodic timer tick (nominal one minute resolution).
	ScheduleEventTick ScheduleEventKind = "tick"
	// ScheduleEventConfigChange signals a changed task definition; carries the task name.
	ScheduleEventConfigChange ScheduleEventKind = "config-change"
	// ScheduleEventRunNow requests immediate execution of a task regardless of schedule.
	ScheduleEventRunNow ScheduleEventKind = "run-now"
)

// ExecutionKind selects the operation performed by the executor Lambda for a task item.
type ExecutionKind string

const (
	// ExecutionExecute runs the action's Execute operation.
	ExecutionExecute ExecutionKind = "execute"
	// ExecutionCheckCompletion runs the action's completion check.
	ExecutionCheckCompletion ExecutionKind = "check-completion"
)
