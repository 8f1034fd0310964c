package reactor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"opsrunner/internal/action"
	"opsrunner/internal/types"
)

// trackingStore is the slice of the tracking store the reactor mutates.
type trackingStore interface {
	AssignConcurrency(ctx context.Context, id, concurrencyKey string) error
	SetWaitKey(ctx context.Context, id, concurrencyKey string) error
	GetWaiting(ctx context.Context, concurrencyKey string) ([]types.TaskItem, error)
	UpdateStatus(ctx context.Context, id string, status types.TaskStatus, data *types.StatusData) error
	DeletePayload(ctx context.Context, id string) error
}

// concurrencyLedger is the admission-control counter.
type concurrencyLedger interface {
	Enter(ctx context.Context, key string) (int64, error)
	Leave(ctx context.Context, key string) (int64, error)
}

// Dispatcher sends execution requests to the action runtime.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.ExecutionRequest) error
}

// resultNotifier publishes end-of-task notifications.
type resultNotifier interface {
	PublishResult(ctx context.Context, item *types.TaskItem) error
}

// statePublisher records state-transition metrics.
type statePublisher interface {
	PublishItemState(ctx context.Context, item *types.TaskItem)
}

// Config wires a Reactor.
type Config struct {
	Store      trackingStore
	Ledger     concurrencyLedger
	Registry   *action.Registry
	Dispatcher Dispatcher
	Notifier   resultNotifier
	Metrics    statePublisher
	Classifier Classifier
	Logger     *slog.Logger
}

// Reactor applies classified stream changes to the task item state machine.
type Reactor struct {
	store      trackingStore
	ledger     concurrencyLedger
	registry   *action.Registry
	dispatcher Dispatcher
	notifier   resultNotifier
	metrics    statePublisher
	classifier Classifier
	logger     *slog.Logger
}

// New validates the wiring and returns a Reactor.
func New(cfg Config) (*Reactor, error) {
	if cfg.Store == nil {
		return nil, errors.New("reactor: tracking store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("reactor: concurrency ledger is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("reactor: action registry is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("reactor: dispatcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		classifier: cfg.Classifier,
		logger:     logger,
	}, nil
}

// HandleStream processes one stream batch. Records are handled sequentially
// in delivery order; a failing record is logged and skipped so one bad record
// cannot stall the shard.
func (r *Reactor) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		change, err := r.classifier.Classify(record)
		if err != nil {
			r.logger.ErrorContext(ctx, "skipping undecodable stream record",
				"event_id", record.EventID,
				"error", err,
			)
			continue
		}
		if change == nil {
			continue
		}
		if err := r.Apply(ctx, change); err != nil {
			r.logger.ErrorContext(ctx, "failed to apply stream change",
				"event_id", record.EventID,
				"change", change.changeKind(),
				"error", err,
			)
		}
	}
	return nil
}

// Apply runs the handler for one classified change.
func (r *Reactor) Apply(ctx context.Context, change Change) error {
	switch c := change.(type) {
	case ChangeInserted:
		return r.handleInserted(ctx, c.Item)
	case ChangeTerminal:
		return r.handleTerminal(ctx, c.Item, c.HasConcurrency)
	case ChangeCompletionRepoll:
		return r.dispatch(ctx, types.ExecutionCheckCompletion, c.Item)
	case ChangeDeleted:
		return r.handleDeleted(ctx, c.Item)
	case ChangeSlotFreed:
		return r.handleSlotFreed(ctx, c.Key)
	}
	return nil
}

// handleInserted runs admission control for a new pending item and either
// dispatches it or parks it on the waiting list.
func (r *Reactor) handleInserted(ctx context.Context, item types.TaskItem) error {
	reg, ok := r.registry.Get(item.Action)
	if !ok {
		r.logger.ErrorContext(ctx, "task item references unknown action",
			"item_id", item.ID,
			"action", item.Action,
		)
		msg := "unknown action " + item.Action
		return r.store.UpdateStatus(ctx, item.ID, types.StatusFailed, &types.StatusData{Error: &msg})
	}
	r.publishState(ctx, &item)

	if !reg.HasConcurrencyLimit() {
		return r.dispatch(ctx, types.ExecutionExecute, item)
	}

	key := reg.ConcurrencyKey(&item)
	maxConcurrent := reg.MaxConcurrency(item.Parameters)

	count, err := r.ledger.Enter(ctx, key)
	if err != nil {
		return err
	}

	if maxConcurrent > 0 && count > int64(maxConcurrent) {
		r.logger.InfoContext(ctx, "admission control deferring item",
			"item_id", item.ID,
			"concurrency_key", key,
			"in_flight", count,
			"max", maxConcurrent,
		)
		if err := r.store.SetWaitKey(ctx, item.ID, key); err != nil {
			return err
		}
		waiting := item
		waiting.Status = types.StatusWaiting
		r.publishState(ctx, &waiting)
		return nil
	}

	if err := r.store.AssignConcurrency(ctx, item.ID, key); err != nil {
		return err
	}
	item.ConcurrencyKey = key
	item.ConcurrencyWaitKey = key
	return r.dispatch(ctx, types.ExecutionExecute, item)
}

// handleTerminal releases the item's concurrency slot and fans out the
// result. Notification and metrics failures never block the slot release.
func (r *Reactor) handleTerminal(ctx context.Context, item types.TaskItem, hasConcurrency bool) error {
	r.publishState(ctx, &item)

	if r.notifier != nil {
		if err := r.notifier.PublishResult(ctx, &item); err != nil {
			r.logger.WarnContext(ctx, "failed to publish result notification",
				"item_id", item.ID,
				"error", err,
			)
		}
	}

	if !hasConcurrency {
		return nil
	}
	count, err := r.ledger.Leave(ctx, item.ConcurrencyKey)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "released concurrency slot",
		"item_id", item.ID,
		"concurrency_key", item.ConcurrencyKey,
		"in_flight", count,
	)
	return nil
}

// handleSlotFreed promotes the FIFO-oldest waiter for the key. One promotion
// per freed slot: bursts of releases each trigger their own promotion.
func (r *Reactor) handleSlotFreed(ctx context.Context, key string) error {
	waiting, err := r.store.GetWaiting(ctx, key)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	oldest := waiting[0]
	r.logger.InfoContext(ctx, "promoting waiting item",
		"item_id", oldest.ID,
		"concurrency_key", key,
		"still_waiting", len(waiting)-1,
	)
	return r.dispatch(ctx, types.ExecutionExecute, oldest)
}

// handleDeleted cleans up externally stored payloads of removed items.
func (r *Reactor) handleDeleted(ctx context.Context, item types.TaskItem) error {
	if !item.ExternalResources {
		return nil
	}
	return r.store.DeletePayload(ctx, item.ID)
}

func (r *Reactor) dispatch(ctx context.Context, kind types.ExecutionKind, item types.TaskItem) error {
	return r.dispatcher.Dispatch(ctx, types.ExecutionRequest{
		Kind:   kind,
		ItemID: item.ID,
		Item:   item,
	})
}

func (r *Reactor) publishState(ctx context.Context, item *types.TaskItem) {
	if r.metrics != nil {
		r.metrics.PublishItemState(ctx, item)
	}
}
