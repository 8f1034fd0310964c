package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"opsrunner/internal/action"
	"opsrunner/internal/types"
)

// --- Fakes ---

type statusWrite struct {
	id     string
	status types.TaskStatus
	data   *types.StatusData
}

type fakeItemStore struct {
	items  map[string]*types.TaskItem
	writes []statusWrite
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{items: map[string]*types.TaskItem{}}
}

func (f *fakeItemStore) Get(_ context.Context, id string) (*types.TaskItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, types.ErrTaskItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (f *fakeItemStore) UpdateStatus(_ context.Context, id string, status types.TaskStatus, data *types.StatusData) error {
	f.writes = append(f.writes, statusWrite{id: id, status: status, data: data})
	item, ok := f.items[id]
	if !ok {
		return types.ErrTaskItemNotFound
	}
	if status != "" {
		item.Status = status
	}
	if data != nil {
		if data.StartedTS != nil {
			item.StartedTS = *data.StartedTS
		}
		if data.StartResult != nil {
			item.StartResult = *data.StartResult
		}
		if data.Result != nil {
			item.Result = *data.Result
		}
		if data.Error != nil {
			item.Error = *data.Error
		}
		if data.LastCompletionCheck != nil {
			item.LastCompletionCheck = *data.LastCompletionCheck
		}
	}
	return nil
}

func (f *fakeItemStore) LoadResources(_ context.Context, item *types.TaskItem) (json.RawMessage, error) {
	return item.Resources, nil
}

type fakeRule struct {
	enables int
}

func (f *fakeRule) Enable(context.Context) error {
	f.enables++
	return nil
}

// scriptedAction runs a canned Execute / CheckCompletion outcome.
type scriptedAction struct {
	result          action.ExecuteResult
	executeErr      error
	block           chan struct{}
	invocations     []action.Invocation
	completionDone  bool
	completionErr   error
	completionValue string
}

func (a *scriptedAction) Execute(ctx context.Context, inv action.Invocation) (action.ExecuteResult, error) {
	a.invocations = append(a.invocations, inv)
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return action.ExecuteResult{}, ctx.Err()
		}
	}
	return a.result, a.executeErr
}

func (a *scriptedAction) CheckCompletion(_ context.Context, inv action.Invocation) (string, bool, error) {
	a.invocations = append(a.invocations, inv)
	return a.completionValue, a.completionDone, a.completionErr
}

// --- Helpers ---

type fixture struct {
	exec     *Executor
	store    *fakeItemStore
	rule     *fakeRule
	action   *scriptedAction
	registry *action.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeItemStore(),
		rule:     &fakeRule{},
		action:   &scriptedAction{},
		registry: action.NewRegistry(),
	}
	err := f.registry.Register(f.action, action.Properties{
		Name:            "snapshot-copy",
		ResourceService: "ec2",
		ResourceType:    "snapshot",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec, err := New(Config{
		Store:          f.store,
		Registry:       f.registry,
		CompletionRule: f.rule,
		DefaultTimeout: 30 * time.Minute,
		Logger:         slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.exec = exec
	return f
}

func (f *fixture) seed(status types.TaskStatus) *types.TaskItem {
	item := &types.TaskItem{
		ID:        "item-1",
		TaskName:  "nightly-snapshots",
		Action:    "snapshot-copy",
		Status:    status,
		Resources: json.RawMessage(`[{"id":"snap-1"}]`),
	}
	f.store.items[item.ID] = item
	return item
}

func executeReq(id string) types.ExecutionRequest {
	return types.ExecutionRequest{Kind: types.ExecutionExecute, ItemID: id}
}

func completionReq(id string) types.ExecutionRequest {
	return types.ExecutionRequest{Kind: types.ExecutionCheckCompletion, ItemID: id}
}

// --- Execute Tests ---

func TestExecuteCompletesSynchronousAction(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusPending)
	f.action.result = action.ExecuteResult{Result: `{"copied":1}`}

	if err := f.exec.Handle(context.Background(), executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", item.Status)
	}
	if item.Result != `{"copied":1}` {
		t.Fatalf("result = %q", item.Result)
	}
	if item.StartedTS == 0 {
		t.Fatal("started timestamp must be recorded")
	}
	// First write marks started, second completes.
	if len(f.store.writes) != 2 || f.store.writes[0].status != types.StatusStarted {
		t.Fatalf("writes = %+v", f.store.writes)
	}
	if f.store.writes[1].data.ExecutionSeconds == nil {
		t.Fatal("execution seconds must be recorded on the terminal write")
	}
}

func TestExecutePassesResourcesToAction(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusPending)

	if err := f.exec.Handle(context.Background(), executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.action.invocations) != 1 {
		t.Fatalf("invocations = %d", len(f.action.invocations))
	}
	if string(f.action.invocations[0].Resources) != `[{"id":"snap-1"}]` {
		t.Fatalf("resources = %s", f.action.invocations[0].Resources)
	}
}

func TestExecuteFailureIsCapturedNotReturned(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusPending)
	f.action.executeErr = errors.New("snapshot no longer exists")

	if err := f.exec.Handle(context.Background(), executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v, failures must surface via item state", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", item.Status)
	}
	if !strings.Contains(item.Error, "snapshot no longer exists") {
		t.Fatalf("error = %q", item.Error)
	}
}

func TestExecuteAsyncActionWaitsForCompletion(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusPending)
	f.action.result = action.ExecuteResult{Result: `{"copy_id":"c-1"}`, NeedsCompletion: true}

	if err := f.exec.Handle(context.Background(), executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusWaitForCompletion {
		t.Fatalf("status = %s, want wait-to-complete", item.Status)
	}
	if item.StartResult != `{"copy_id":"c-1"}` {
		t.Fatalf("start result = %q", item.StartResult)
	}
	if item.LastCompletionCheck == "" {
		t.Fatal("completion check stamp must be set")
	}
	if f.rule.enables != 1 {
		t.Fatalf("rule enables = %d, want the poll timer armed", f.rule.enables)
	}
}

func TestExecuteSkipsAlreadyRunningItem(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusStarted)

	if err := f.exec.Handle(context.Background(), executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.action.invocations) != 0 {
		t.Fatal("a duplicate dispatch must not run the action again")
	}
}

func TestExecuteVanishedItemIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.exec.Handle(context.Background(), executeReq("ghost")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestExecuteUnknownActionFailsItem(t *testing.T) {
	f := newFixture(t)
	item := f.seed(types.StatusPending)
	item.Action = "retired-action"

	if err := f.exec.Handle(context.Background(), executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if item.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", item.Status)
	}
}

func TestExecuteWatchdogFlagsOverrun(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusPending)
	f.action.block = make(chan struct{})
	defer close(f.action.block)
	f.exec.watchdogMargin = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.exec.Handle(ctx, executeReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusTimedOut {
		t.Fatalf("status = %s, want timed-out before the deadline", item.Status)
	}
}

// --- Completion Check Tests ---

func (f *fixture) seedWaiting(startedAgo time.Duration) *types.TaskItem {
	item := f.seed(types.StatusWaitForCompletion)
	item.StartedTS = time.Now().Add(-startedAgo).Unix()
	item.StartResult = `{"copy_id":"c-1"}`
	return item
}

func TestCheckCompletionDone(t *testing.T) {
	f := newFixture(t)
	f.seedWaiting(2 * time.Minute)
	f.action.completionDone = true
	f.action.completionValue = `{"state":"available"}`

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", item.Status)
	}
	if item.Result != `{"state":"available"}` {
		t.Fatalf("result = %q", item.Result)
	}
	if got := f.action.invocations[0].StartResult; got != `{"copy_id":"c-1"}` {
		t.Fatalf("start result passed to check = %q", got)
	}
}

func TestCheckCompletionNotDoneLeavesItemWaiting(t *testing.T) {
	f := newFixture(t)
	f.seedWaiting(2 * time.Minute)

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusWaitForCompletion {
		t.Fatalf("status = %s, want still waiting", item.Status)
	}
	if len(f.store.writes) != 0 {
		t.Fatalf("writes = %+v, want none while still waiting", f.store.writes)
	}
}

func TestCheckCompletionTimesOut(t *testing.T) {
	f := newFixture(t)
	item := f.seedWaiting(45 * time.Minute)
	item.TimeoutMinutes = 30

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if item.Status != types.StatusTimedOut {
		t.Fatalf("status = %s, want timed-out", item.Status)
	}
	if !strings.Contains(item.Error, "not completed after") {
		t.Fatalf("error = %q", item.Error)
	}
	if len(f.action.invocations) != 0 {
		t.Fatal("a timed-out item must not be checked again")
	}
}

func TestCheckCompletionUsesActionTimeout(t *testing.T) {
	f := newFixture(t)
	detach := &scriptedAction{}
	err := f.registry.Register(detach, action.Properties{
		Name:                     "volume-detach",
		ResourceService:          "ec2",
		ResourceType:             "volume",
		CompletionTimeoutMinutes: 5,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	item := f.seedWaiting(10 * time.Minute)
	item.Action = "volume-detach"

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if item.Status != types.StatusTimedOut {
		t.Fatalf("status = %s, want timed-out by the action's own budget", item.Status)
	}
	if !strings.Contains(item.Error, "5m0s") {
		t.Fatalf("error = %q", item.Error)
	}
	if len(detach.invocations) != 0 {
		t.Fatal("a timed-out item must not be checked again")
	}
}

func TestItemTimeoutOverridesActionTimeout(t *testing.T) {
	f := newFixture(t)
	detach := &scriptedAction{}
	err := f.registry.Register(detach, action.Properties{
		Name:                     "volume-detach",
		ResourceService:          "ec2",
		ResourceType:             "volume",
		CompletionTimeoutMinutes: 5,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	item := f.seedWaiting(10 * time.Minute)
	item.Action = "volume-detach"
	item.TimeoutMinutes = 30

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if item.Status != types.StatusWaitForCompletion {
		t.Fatalf("status = %s, the item's own timeout must win", item.Status)
	}
	if len(detach.invocations) != 1 {
		t.Fatalf("invocations = %d, want the completion check to run", len(detach.invocations))
	}
}

func TestCheckCompletionUsesDefaultTimeout(t *testing.T) {
	f := newFixture(t)
	// Default timeout in the fixture is 30 minutes, item has none of its own.
	f.seedWaiting(29 * time.Minute)

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.store.items["item-1"].Status != types.StatusWaitForCompletion {
		t.Fatal("item inside the default timeout must keep waiting")
	}
}

func TestCheckCompletionFailure(t *testing.T) {
	f := newFixture(t)
	f.seedWaiting(2 * time.Minute)
	f.action.completionErr = errors.New("describe failed")

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	item := f.store.items["item-1"]
	if item.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", item.Status)
	}
}

func TestCheckCompletionSkipsFinishedItem(t *testing.T) {
	f := newFixture(t)
	f.seed(types.StatusCompleted)

	if err := f.exec.Handle(context.Background(), completionReq("item-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.action.invocations) != 0 {
		t.Fatal("a finished item must not be checked")
	}
}

func TestUnknownExecutionKind(t *testing.T) {
	f := newFixture(t)
	err := f.exec.Handle(context.Background(), types.ExecutionRequest{Kind: "replay", ItemID: "item-1"})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
