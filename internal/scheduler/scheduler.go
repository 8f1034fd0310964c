// Package scheduler implements the periodic driver that decides which
// interval-triggered tasks are due and hands them to the resource selector.
//
// The loop is stateless between invocations except for a persisted last-run
// instant. On every tick it asks the cron matcher for the most recent match
// strictly after the last run, localized to each task's timezone, and then
// elects the next wake-up time across all tasks: a one-shot EventBridge rule
// when the next match is far out, the every-minute rule otherwise.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opsrunner/internal/cron"
	"opsrunner/internal/selector"
	"opsrunner/internal/types"
)

// wakeHorizon bounds the next-wake search. Tasks further out than this are
// picked up by a later re-election.
const wakeHorizon = 24 * time.Hour

type taskSource interface {
	Get(ctx context.Context, name string) (*types.TaskDefinition, error)
	List(ctx context.Context) ([]types.TaskDefinition, error)
}

type taskSelector interface {
	Select(ctx context.Context, def *types.TaskDefinition, source types.TaskSource) (*selector.Result, error)
}

type stateStore interface {
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, t time.Time) error
}

type ruleArmer interface {
	ArmWake(ctx context.Context, at time.Time) error
	EveryMinute(ctx context.Context) error
}

// Config wires the scheduler's collaborators.
type Config struct {
	Tasks    taskSource
	Selector taskSelector
	State    stateStore
	Rules    ruleArmer

	// WakeThreshold is the gap beyond which the every-minute tick rule is
	// parked in favor of a one-shot wake. Defaults to 5 minutes.
	WakeThreshold time.Duration
	// DefaultTimezone localizes tasks without their own timezone. Defaults
	// to UTC.
	DefaultTimezone string

	Logger *slog.Logger
}

// Scheduler evaluates task schedules on each external event.
type Scheduler struct {
	tasks    taskSource
	selector taskSelector
	state    stateStore
	rules    ruleArmer

	wakeThreshold time.Duration
	defaultTZ     string
	logger        *slog.Logger

	now func() time.Time
}

// New creates a scheduler from cfg.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("scheduler: task source is required")
	}
	if cfg.Selector == nil {
		return nil, fmt.Errorf("scheduler: selector is required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("scheduler: state store is required")
	}
	if cfg.WakeThreshold <= 0 {
		cfg.WakeThreshold = 5 * time.Minute
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		tasks:         cfg.Tasks,
		selector:      cfg.Selector,
		state:         cfg.State,
		rules:         cfg.Rules,
		wakeThreshold: cfg.WakeThreshold,
		defaultTZ:     cfg.DefaultTimezone,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// HandleEvent processes one scheduler event: a timer tick, a task
// configuration change or an ad hoc run-now request.
func (s *Scheduler) HandleEvent(ctx context.Context, ev types.ScheduleEvent) error {
	switch ev.Kind {
	case types.ScheduleEventTick:
		return s.evaluate(ctx, false)
	case types.ScheduleEventConfigChange:
		s.logger.InfoContext(ctx, "task configuration changed, re-evaluating schedules", "task", ev.TaskName)
		return s.evaluate(ctx, true)
	case types.ScheduleEventRunNow:
		return s.runNow(ctx, ev.TaskName)
	default:
		return fmt.Errorf("unknown schedule event kind %q", ev.Kind)
	}
}

// evaluate runs one pass over all enabled interval tasks. With force set
// (configuration changes) the already-handled-minute guard is bypassed.
func (s *Scheduler) evaluate(ctx context.Context, force bool) error {
	tick := s.now().UTC().Truncate(time.Minute)

	lastRun, err := s.state.Load(ctx)
	if err != nil {
		return err
	}
	if lastRun.IsZero() {
		// First ever run: only the current minute can be due.
		lastRun = tick.Add(-time.Minute)
	}
	if !force && !tick.After(lastRun.UTC().Truncate(time.Minute)) {
		s.logger.DebugContext(ctx, "tick already handled", "tick", tick.Format(time.RFC3339))
		return nil
	}

	defs, err := s.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("listing task definitions: %w", err)
	}

	var (
		evalErr  error
		nextWake time.Time
	)
	for _, def := range defs {
		if !def.Enabled || def.Interval == "" {
			continue
		}
		due, next, err := s.evaluateTask(ctx, &def, lastRun, tick)
		if err != nil {
			s.logger.ErrorContext(ctx, "task schedule evaluation failed", "task", def.Name, "error", err)
			evalErr = fmt.Errorf("task %s: %w", def.Name, err)
			continue
		}
		if due {
			s.logger.InfoContext(ctx, "task is due", "task", def.Name, "tick", tick.Format(time.RFC3339))
		}
		if !next.IsZero() && (nextWake.IsZero() || next.Before(nextWake)) {
			nextWake = next
		}
	}

	if err := s.state.Save(ctx, tick); err != nil {
		return err
	}
	s.armNextWake(ctx, tick, nextWake)
	return evalErr
}

// evaluateTask dispatches def when its schedule matched since the last run
// and reports the task's earliest future match within the wake horizon.
func (s *Scheduler) evaluateTask(ctx context.Context, def *types.TaskDefinition, lastRun, tick time.Time) (due bool, next time.Time, err error) {
	tz := def.Timezone
	if tz == "" {
		tz = s.defaultTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	expr, err := cron.Parse(def.Interval, cron.WithLocation(loc), cron.WithLogger(s.logger))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parsing interval %q: %w", def.Interval, err)
	}

	localTick := tick.In(loc)
	if _, ok := expr.LastSince(lastRun.In(loc), localTick); ok {
		if _, err := s.selector.Select(ctx, def, types.SourceScheduler); err != nil {
			return true, time.Time{}, fmt.Errorf("dispatching: %w", err)
		}
		due = true
	}
	if n, ok := expr.FirstWithinNext(wakeHorizon, localTick); ok {
		next = n
	}
	return due, next, nil
}

// armNextWake switches the external timer based on the gap to the next due
// task. Rule failures are logged but do not fail the invocation: dispatching
// already happened and the every-minute rule is the safe fallback.
func (s *Scheduler) armNextWake(ctx context.Context, tick, nextWake time.Time) {
	if s.rules == nil {
		return
	}
	if !nextWake.IsZero() && nextWake.Sub(tick) > s.wakeThreshold {
		if err := s.rules.ArmWake(ctx, nextWake); err != nil {
			s.logger.WarnContext(ctx, "arming one-shot wake failed", "error", err)
		}
		return
	}
	if err := s.rules.EveryMinute(ctx); err != nil {
		s.logger.WarnContext(ctx, "enabling every-minute tick failed", "error", err)
	}
}

// runNow dispatches a task immediately, regardless of its schedule.
func (s *Scheduler) runNow(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("run-now event without task name")
	}
	def, err := s.tasks.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", name, err)
	}
	res, err := s.selector.Select(ctx, def, types.SourceRunNow)
	if err != nil {
		return fmt.Errorf("dispatching task %s: %w", name, err)
	}
	s.logger.InfoContext(ctx, "task dispatched on request",
		"task", name,
		"group_id", res.GroupID,
		"selected", res.Selected)
	return nil
}
