// Package reactor consumes the ordered change streams of the tracking table
// and the concurrency ledger and drives the task item state machine. Raw
// before/after stream images are classified exactly once into a Change value;
// the reactor itself is a single switch over that union.
package reactor

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"opsrunner/internal/types"
)

// Change is one recognized transition observed on the streams. Records that
// match no variant are no-ops by contract: the streams are at-least-once and
// carry plenty of bookkeeping-only updates.
type Change interface {
	changeKind() string
}

// ChangeInserted is a freshly created pending item entering the system.
type ChangeInserted struct {
	Item types.TaskItem
}

// ChangeTerminal is an item reaching completed, failed or timed-out.
// HasConcurrency marks items holding a ledger slot that must be released.
type ChangeTerminal struct {
	Item           types.TaskItem
	HasConcurrency bool
}

// ChangeCompletionRepoll is a wait-to-complete item whose completion-check
// timestamp was re-stamped: the signal to run another completion check.
type ChangeCompletionRepoll struct {
	Item types.TaskItem
}

// ChangeDeleted is the removal of an item; carries the last known image so
// externally stored payloads can be cleaned up.
type ChangeDeleted struct {
	Item types.TaskItem
}

// ChangeSlotFreed is a ledger entry whose run-next flag turned true: a slot
// for Key was released and the waiting list should be consulted.
type ChangeSlotFreed struct {
	Key string
}

func (ChangeInserted) changeKind() string         { return "inserted" }
func (ChangeTerminal) changeKind() string         { return "terminal" }
func (ChangeCompletionRepoll) changeKind() string { return "completion-repoll" }
func (ChangeDeleted) changeKind() string          { return "deleted" }
func (ChangeSlotFreed) changeKind() string        { return "slot-freed" }

// Classifier turns raw stream records into Change values. It distinguishes
// the two source tables by the table name embedded in the event source ARN.
type Classifier struct {
	TrackingTable string
	LedgerTable   string
}

// Classify maps one stream record to its Change, or nil for records the
// state machine does not react to. An error means the record could not be
// decoded at all, not that it was unrecognized.
func (c Classifier) Classify(record events.DynamoDBEventRecord) (Change, error) {
	switch tableFromStreamArn(record.EventSourceArn) {
	case c.TrackingTable:
		return c.classifyTracking(record)
	case c.LedgerTable:
		return c.classifyLedger(record)
	}
	return nil, nil
}

func (c Classifier) classifyTracking(record events.DynamoDBEventRecord) (Change, error) {
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert:
		item, err := itemFromImage(record.Change.NewImage)
		if err != nil {
			return nil, fmt.Errorf("reactor: decode inserted item: %w", err)
		}
		if item.Status != types.StatusPending {
			return nil, nil
		}
		return ChangeInserted{Item: item}, nil

	case events.DynamoDBOperationTypeModify:
		newItem, err := itemFromImage(record.Change.NewImage)
		if err != nil {
			return nil, fmt.Errorf("reactor: decode updated item: %w", err)
		}
		oldItem, err := itemFromImage(record.Change.OldImage)
		if err != nil {
			return nil, fmt.Errorf("reactor: decode previous item image: %w", err)
		}

		if newItem.Status.IsTerminal() && !oldItem.Status.IsTerminal() {
			return ChangeTerminal{
				Item:           newItem,
				HasConcurrency: newItem.ConcurrencyKey != "",
			}, nil
		}
		if newItem.Status == types.StatusWaitForCompletion &&
			oldItem.Status == types.StatusWaitForCompletion &&
			newItem.LastCompletionCheck != "" &&
			newItem.LastCompletionCheck != oldItem.LastCompletionCheck {
			return ChangeCompletionRepoll{Item: newItem}, nil
		}
		return nil, nil

	case events.DynamoDBOperationTypeRemove:
		item, err := itemFromImage(record.Change.OldImage)
		if err != nil {
			return nil, fmt.Errorf("reactor: decode removed item: %w", err)
		}
		return ChangeDeleted{Item: item}, nil
	}
	return nil, nil
}

func (c Classifier) classifyLedger(record events.DynamoDBEventRecord) (Change, error) {
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert, events.DynamoDBOperationTypeModify:
	default:
		return nil, nil
	}

	entry, err := ledgerEntryFromImage(record.Change.NewImage)
	if err != nil {
		return nil, fmt.Errorf("reactor: decode ledger entry: %w", err)
	}
	if !entry.RunNext {
		return nil, nil
	}
	return ChangeSlotFreed{Key: entry.Key}, nil
}

// tableFromStreamArn extracts the table name from a stream ARN of the form
// arn:aws:dynamodb:region:account:table/<name>/stream/<timestamp>.
func tableFromStreamArn(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}
