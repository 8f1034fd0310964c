// Package executor runs dispatched task items through their registered
// actions and records the resulting status transitions in the tracking store.
//
// The executor never decides admission; it receives items the change reactor
// already dispatched. Action failures are captured on the item, not returned
// to the invoker: returning an error would trigger a redelivery and run the
// action twice.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsrunner/internal/action"
	"opsrunner/internal/types"
)

// defaultWatchdogMargin is how long before the invocation deadline the
// watchdog gives up on a still-running action and flags the item timed-out.
const defaultWatchdogMargin = 10 * time.Second

type itemStore interface {
	Get(ctx context.Context, id string) (*types.TaskItem, error)
	UpdateStatus(ctx context.Context, id string, status types.TaskStatus, data *types.StatusData) error
	LoadResources(ctx context.Context, item *types.TaskItem) (json.RawMessage, error)
}

// completionArmer arms the completion poll timer when an item starts waiting
// for async completion. Optional.
type completionArmer interface {
	Enable(ctx context.Context) error
}

// Config wires the executor's collaborators.
type Config struct {
	Store    itemStore
	Registry *action.Registry

	// CompletionRule, when set, is enabled whenever an item transitions to
	// wait-to-complete so the poll timer is running.
	CompletionRule completionArmer

	// DefaultTimeout bounds completion waits for items without their own
	// timeout. Defaults to 60 minutes.
	DefaultTimeout time.Duration
	// WatchdogMargin is subtracted from the invocation deadline to leave room
	// for the timed-out status write.
	WatchdogMargin time.Duration

	Logger *slog.Logger
}

// Executor handles execution requests dispatched by the change reactor.
type Executor struct {
	store          itemStore
	registry       *action.Registry
	completionRule completionArmer
	defaultTimeout time.Duration
	watchdogMargin time.Duration
	logger         *slog.Logger

	now func() time.Time
}

// New creates an executor from cfg.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("executor: store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("executor: registry is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Minute
	}
	if cfg.WatchdogMargin <= 0 {
		cfg.WatchdogMargin = defaultWatchdogMargin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		store:          cfg.Store,
		registry:       cfg.Registry,
		completionRule: cfg.CompletionRule,
		defaultTimeout: cfg.DefaultTimeout,
		watchdogMargin: cfg.WatchdogMargin,
		logger:         cfg.Logger,
		now:            time.Now,
	}, nil
}

// Handle processes one execution request.
func (e *Executor) Handle(ctx context.Context, req types.ExecutionRequest) error {
	switch req.Kind {
	case types.ExecutionExecute:
		return e.execute(ctx, req.ItemID)
	case types.ExecutionCheckCompletion:
		return e.checkCompletion(ctx, req.ItemID)
	default:
		return fmt.Errorf("unknown execution kind %q", req.Kind)
	}
}

// execute runs an item's action once. The item snapshot in the request is not
// trusted: the authoritative record is re-read before any mutation.
func (e *Executor) execute(ctx context.Context, itemID string) error {
	item, err := e.store.Get(ctx, itemID)
	if errors.Is(err, types.ErrTaskItemNotFound) {
		e.logger.WarnContext(ctx, "item vanished before execution", "item_id", itemID)
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() || item.Status == types.StatusStarted || item.Status == types.StatusWaitForCompletion {
		// Duplicate dispatch, a previous invocation got here first.
		e.logger.WarnContext(ctx, "skipping already-running item", "item_id", itemID, "status", item.Status)
		return nil
	}

	reg, ok := e.registry.Get(item.Action)
	if !ok {
		return e.fail(ctx, item, e.now(), fmt.Errorf("unknown action %s", item.Action))
	}
	resources, err := e.store.LoadResources(ctx, item)
	if err != nil {
		return e.fail(ctx, item, e.now(), err)
	}

	start := e.now()
	startTS := start.Unix()
	if err := e.store.UpdateStatus(ctx, itemID, types.StatusStarted, &types.StatusData{StartedTS: &startTS}); err != nil {
		return err
	}
	item.StartedTS = startTS
	e.logger.InfoContext(ctx, "executing action",
		"item_id", itemID,
		"task", item.TaskName,
		"action", item.Action,
		"dry_run", item.DryRun)

	inv := action.Invocation{Item: item, Resources: resources}
	res, timedOut, err := e.runGuarded(ctx, reg, inv)
	if timedOut {
		e.logger.ErrorContext(ctx, "action overran the invocation budget", "item_id", itemID, "action", item.Action)
		return e.finish(ctx, item, start, types.StatusTimedOut, &types.StatusData{
			Error: strptr("execution ran out of time"),
		})
	}
	if err != nil {
		return e.fail(ctx, item, start, err)
	}

	if res.NeedsCompletion {
		if _, ok := reg.Completer(); !ok {
			return e.fail(ctx, item, start, fmt.Errorf("action %s requested completion polling but cannot report completion", item.Action))
		}
		check := e.now().UTC().Format(time.RFC3339)
		data := &types.StatusData{
			StartResult:         &res.Result,
			LastCompletionCheck: &check,
		}
		if err := e.store.UpdateStatus(ctx, itemID, types.StatusWaitForCompletion, data); err != nil {
			return err
		}
		e.armCompletionPolling(ctx)
		return nil
	}
	return e.finish(ctx, item, start, types.StatusCompleted, &types.StatusData{Result: &res.Result})
}

// checkCompletion re-polls an item waiting on async completion, enforcing the
// item's completion timeout.
func (e *Executor) checkCompletion(ctx context.Context, itemID string) error {
	item, err := e.store.Get(ctx, itemID)
	if errors.Is(err, types.ErrTaskItemNotFound) {
		e.logger.WarnContext(ctx, "item vanished before completion check", "item_id", itemID)
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status != types.StatusWaitForCompletion {
		// A concurrent check already finished the item.
		return nil
	}

	start := time.Unix(item.StartedTS, 0)
	reg, ok := e.registry.Get(item.Action)
	if !ok {
		return e.fail(ctx, item, start, fmt.Errorf("unknown action %s", item.Action))
	}

	timeout := e.completionTimeout(item, reg)
	if e.now().Sub(start) > timeout {
		e.logger.WarnContext(ctx, "completion timeout exceeded",
			"item_id", itemID,
			"task", item.TaskName,
			"timeout", timeout.String())
		return e.finish(ctx, item, start, types.StatusTimedOut, &types.StatusData{
			Error: strptr(fmt.Sprintf("not completed after %s", timeout)),
		})
	}

	completer, ok := reg.Completer()
	if !ok {
		return e.fail(ctx, item, start, fmt.Errorf("action %s cannot report completion", item.Action))
	}
	resources, err := e.store.LoadResources(ctx, item)
	if err != nil {
		return e.fail(ctx, item, start, err)
	}

	result, done, err := completer.CheckCompletion(ctx, action.Invocation{
		Item:        item,
		Resources:   resources,
		StartResult: item.StartResult,
	})
	if err != nil {
		return e.fail(ctx, item, start, err)
	}
	if !done {
		e.logger.InfoContext(ctx, "still waiting for completion", "item_id", itemID, "task", item.TaskName)
		return nil
	}
	return e.finish(ctx, item, start, types.StatusCompleted, &types.StatusData{Result: &result})
}

type executeOutcome struct {
	res action.ExecuteResult
	err error
}

// runGuarded runs the action with a watchdog that fires shortly before the
// invocation deadline, so the timed-out status is written while there is
// still budget left to write it.
func (e *Executor) runGuarded(ctx context.Context, reg *action.Registration, inv action.Invocation) (action.ExecuteResult, bool, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		res, err := reg.Action.Execute(ctx, inv)
		return res, false, err
	}
	budget := time.Until(deadline) - e.watchdogMargin
	if budget <= 0 {
		return action.ExecuteResult{}, true, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan executeOutcome, 1)
	go func() {
		res, err := reg.Action.Execute(runCtx, inv)
		out <- executeOutcome{res: res, err: err}
	}()

	watchdog := time.NewTimer(budget)
	defer watchdog.Stop()
	select {
	case o := <-out:
		return o.res, false, o.err
	case <-watchdog.C:
		cancel()
		return action.ExecuteResult{}, true, nil
	}
}

// fail records err as the item's terminal failure. The error is not returned:
// the failure surfaces through the item's state, not through a retry.
func (e *Executor) fail(ctx context.Context, item *types.TaskItem, start time.Time, actionErr error) error {
	e.logger.ErrorContext(ctx, "action failed",
		"item_id", item.ID,
		"task", item.TaskName,
		"action", item.Action,
		"error", actionErr)
	return e.finish(ctx, item, start, types.StatusFailed, &types.StatusData{
		Error: strptr(actionErr.Error()),
	})
}

func (e *Executor) finish(ctx context.Context, item *types.TaskItem, start time.Time, status types.TaskStatus, data *types.StatusData) error {
	seconds := e.now().Sub(start).Seconds()
	data.ExecutionSeconds = &seconds
	if err := e.store.UpdateStatus(ctx, item.ID, status, data); err != nil {
		return fmt.Errorf("recording %s for item %s: %w", status, item.ID, err)
	}
	e.logger.InfoContext(ctx, "item finished",
		"item_id", item.ID,
		"task", item.TaskName,
		"status", string(status),
		"execution_seconds", seconds)
	return nil
}

// completionTimeout resolves the completion budget for an item: the item's
// own timeout wins, then the action's registered default, then the global
// default.
func (e *Executor) completionTimeout(item *types.TaskItem, reg *action.Registration) time.Duration {
	if item.TimeoutMinutes > 0 {
		return time.Duration(item.TimeoutMinutes) * time.Minute
	}
	if reg.Properties.CompletionTimeoutMinutes > 0 {
		return time.Duration(reg.Properties.CompletionTimeoutMinutes) * time.Minute
	}
	return e.defaultTimeout
}

func (e *Executor) armCompletionPolling(ctx context.Context) {
	if e.completionRule == nil {
		return
	}
	if err := e.completionRule.Enable(ctx); err != nil {
		e.logger.WarnContext(ctx, "enabling completion poll timer failed", "error", err)
	}
}

func strptr(s string) *string {
	return &s
}
