package types

import "time"

// ExecutionRequest is the payload sent to the executor Lambda when the change
// reactor dispatches a task item for execution or for a completion check.
type ExecutionRequest struct {
	Kind   ExecutionKind `json:"kind"`
	ItemID string        `json:"item_id"`
	// Item is a snapshot of the task item at dispatch time. The executor
	// re-reads the authoritative record before mutating status.
	Item TaskItem `json:"item"`
}

// ScheduleEvent is the event envelope consumed by the scheduler Lambda. Timer
// ticks arrive without a task name; config-change and run-now events carry one.
type ScheduleEvent struct {
	Kind     ScheduleEventKind `json:"kind"`
	TaskName string            `json:"task_name,omitempty"`
}

// ResultNotification is the end-of-task message published to the notification
// queue when a task item reaches a terminal state.
type ResultNotification struct {
	NotificationID string     `json:"notification_id"`
	ItemID         string     `json:"item_id"`
	TaskName       string     `json:"task_name"`
	Action         string     `json:"action"`
	Status         TaskStatus `json:"status"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	FinishedAt     time.Time  `json:"finished_at"`
}
