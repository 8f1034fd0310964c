package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"opsrunner/internal/selector"
	"opsrunner/internal/types"
)

// --- Fakes ---

type fakeTasks struct {
	defs []types.TaskDefinition
}

func (f *fakeTasks) Get(_ context.Context, name string) (*types.TaskDefinition, error) {
	for _, def := range f.defs {
		if def.Name == name {
			return &def, nil
		}
	}
	return nil, types.ErrTaskNotFound
}

func (f *fakeTasks) List(_ context.Context) ([]types.TaskDefinition, error) {
	return f.defs, nil
}

type selection struct {
	task   string
	source types.TaskSource
}

type fakeSelector struct {
	selections []selection
	failTasks  map[string]error
}

func (f *fakeSelector) Select(_ context.Context, def *types.TaskDefinition, source types.TaskSource) (*selector.Result, error) {
	if err := f.failTasks[def.Name]; err != nil {
		return nil, err
	}
	f.selections = append(f.selections, selection{task: def.Name, source: source})
	return &selector.Result{GroupID: "group-1", Selected: 1}, nil
}

type fakeState struct {
	lastRun time.Time
	saves   []time.Time
	loadErr error
}

func (f *fakeState) Load(context.Context) (time.Time, error) {
	return f.lastRun, f.loadErr
}

func (f *fakeState) Save(_ context.Context, t time.Time) error {
	f.saves = append(f.saves, t)
	f.lastRun = t
	return nil
}

type fakeRules struct {
	wakes       []time.Time
	everyMinute int
}

func (f *fakeRules) ArmWake(_ context.Context, at time.Time) error {
	f.wakes = append(f.wakes, at)
	return nil
}

func (f *fakeRules) EveryMinute(context.Context) error {
	f.everyMinute++
	return nil
}

// --- Helpers ---

func intervalTask(name, interval string) types.TaskDefinition {
	return types.TaskDefinition{
		Name:     name,
		Action:   "ec2-stop-instance",
		Enabled:  true,
		Interval: interval,
	}
}

type fixture struct {
	sched    *Scheduler
	tasks    *fakeTasks
	selector *fakeSelector
	state    *fakeState
	rules    *fakeRules
}

func newFixture(t *testing.T, tick time.Time, defs ...types.TaskDefinition) *fixture {
	t.Helper()
	f := &fixture{
		tasks:    &fakeTasks{defs: defs},
		selector: &fakeSelector{failTasks: map[string]error{}},
		state:    &fakeState{},
		rules:    &fakeRules{},
	}
	sched, err := New(Config{
		Tasks:    f.tasks,
		Selector: f.selector,
		State:    f.state,
		Rules:    f.rules,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.now = func() time.Time { return tick }
	f.sched = sched
	return f
}

func tick() types.ScheduleEvent {
	return types.ScheduleEvent{Kind: types.ScheduleEventTick}
}

// --- Scheduler Tests ---

func TestTickDispatchesDueTasks(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at,
		intervalTask("every-five", "*/5 * * * ?"),
		intervalTask("nightly", "0 2 * * ?"))
	f.state.lastRun = at.Add(-time.Minute)

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.selector.selections) != 1 {
		t.Fatalf("selections = %+v, want only the due task", f.selector.selections)
	}
	if got := f.selector.selections[0]; got.task != "every-five" || got.source != types.SourceScheduler {
		t.Fatalf("selection = %+v", got)
	}
	if len(f.state.saves) != 1 || !f.state.saves[0].Equal(at) {
		t.Fatalf("saves = %v, want tick persisted", f.state.saves)
	}
}

func TestTickSameMinuteIsIdempotent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at, intervalTask("every-minute", "* * * * ?"))
	f.state.lastRun = at

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.selector.selections) != 0 {
		t.Fatalf("selections = %+v, want none on a repeated tick", f.selector.selections)
	}
	if len(f.state.saves) != 0 {
		t.Fatalf("saves = %v, want no state writes on a repeated tick", f.state.saves)
	}
	if f.rules.everyMinute != 0 || len(f.rules.wakes) != 0 {
		t.Fatal("rules must not be touched on a repeated tick")
	}
}

func TestConfigChangeBypassesGuard(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at, intervalTask("every-minute", "* * * * ?"))
	f.state.lastRun = at.Add(-time.Minute)

	// First tick handles the minute.
	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// A config change in the same minute re-evaluates anyway. Dispatching
	// stays anchored to the persisted last run, so nothing runs twice, but
	// the next wake is re-elected against the changed configuration.
	ev := types.ScheduleEvent{Kind: types.ScheduleEventConfigChange, TaskName: "every-minute"}
	if err := f.sched.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("config change: %v", err)
	}
	if len(f.selector.selections) != 1 {
		t.Fatalf("selections = %+v, want no double dispatch", f.selector.selections)
	}
	if f.rules.everyMinute != 2 {
		t.Fatalf("everyMinute = %d, want the wake re-elected", f.rules.everyMinute)
	}
}

func TestRunNowIgnoresSchedule(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at, intervalTask("nightly", "0 2 * * ?"))

	ev := types.ScheduleEvent{Kind: types.ScheduleEventRunNow, TaskName: "nightly"}
	if err := f.sched.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.selector.selections) != 1 {
		t.Fatalf("selections = %+v", f.selector.selections)
	}
	if got := f.selector.selections[0]; got.task != "nightly" || got.source != types.SourceRunNow {
		t.Fatalf("selection = %+v", got)
	}
}

func TestRunNowUnknownTask(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ev := types.ScheduleEvent{Kind: types.ScheduleEventRunNow, TaskName: "ghost"}
	err := f.sched.HandleEvent(context.Background(), ev)
	if !errors.Is(err, types.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestFirstRunDefaultsToPreviousMinute(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at, intervalTask("at-noon", "0 12 * * ?"))
	// No persisted state: only the current minute can be due.

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.selector.selections) != 1 || f.selector.selections[0].task != "at-noon" {
		t.Fatalf("selections = %+v", f.selector.selections)
	}
}

func TestTaskTimezoneLocalizesSchedule(t *testing.T) {
	// 00:00 UTC is 02:00 in Etc/GMT-2, so the 02:00 task is due.
	at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	def := intervalTask("local-nightly", "0 2 * * ?")
	def.Timezone = "Etc/GMT-2"
	f := newFixture(t, at, def)
	f.state.lastRun = at.Add(-time.Minute)

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.selector.selections) != 1 {
		t.Fatalf("selections = %+v, want the localized task due", f.selector.selections)
	}
}

func TestDistantNextMatchArmsOneShotWake(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at, intervalTask("nightly", "0 2 * * ?"))
	f.state.lastRun = at.Add(-time.Minute)

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	if len(f.rules.wakes) != 1 || !f.rules.wakes[0].Equal(want) {
		t.Fatalf("wakes = %v, want one-shot at %v", f.rules.wakes, want)
	}
	if f.rules.everyMinute != 0 {
		t.Fatal("every-minute rule must stay parked when the next match is far out")
	}
}

func TestNearNextMatchKeepsEveryMinuteTick(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	f := newFixture(t, at, intervalTask("every-five", "*/5 * * * ?"))
	f.state.lastRun = at.Add(-time.Minute)

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if f.rules.everyMinute != 1 {
		t.Fatalf("everyMinute = %d, want the tick rule enabled", f.rules.everyMinute)
	}
	if len(f.rules.wakes) != 0 {
		t.Fatalf("wakes = %v, want none within the threshold", f.rules.wakes)
	}
}

func TestTaskErrorsDoNotStopOtherTasks(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, at,
		intervalTask("broken", "* * * * ?"),
		intervalTask("healthy", "* * * * ?"))
	f.state.lastRun = at.Add(-time.Minute)
	f.selector.failTasks["broken"] = errors.New("selection exploded")

	err := f.sched.HandleEvent(context.Background(), tick())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("err = %v, want failure naming the broken task", err)
	}
	if len(f.selector.selections) != 1 || f.selector.selections[0].task != "healthy" {
		t.Fatalf("selections = %+v, want the healthy task dispatched", f.selector.selections)
	}
	if len(f.state.saves) != 1 {
		t.Fatalf("saves = %v, want tick persisted despite the task failure", f.state.saves)
	}
}

func TestDisabledAndEventOnlyTasksAreSkipped(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	disabled := intervalTask("disabled", "* * * * ?")
	disabled.Enabled = false
	eventOnly := intervalTask("event-only", "")
	f := newFixture(t, at, disabled, eventOnly)
	f.state.lastRun = at.Add(-time.Minute)

	if err := f.sched.HandleEvent(context.Background(), tick()); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(f.selector.selections) != 0 {
		t.Fatalf("selections = %+v, want none", f.selector.selections)
	}
}

func TestUnknownEventKind(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	err := f.sched.HandleEvent(context.Background(), types.ScheduleEvent{Kind: "reboot"})
	if err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}
