package action

import (
	"context"
	"errors"
	"strings"
	"testing"

	"opsrunner/internal/types"
)

// --- Test Actions ---

// basicAction implements only Execute.
type basicAction struct{}

func (basicAction) Execute(context.Context, Invocation) (ExecuteResult, error) {
	return ExecuteResult{Result: "ok"}, nil
}

// pollingAction additionally implements Completer and PreflightChecker.
type pollingAction struct {
	basicAction
	rejectBatch bool
}

func (pollingAction) CheckCompletion(context.Context, Invocation) (string, bool, error) {
	return "", false, nil
}

func (a pollingAction) CheckCanExecute([]types.Resource, map[string]string) error {
	if a.rejectBatch {
		return errors.New("batch rejected")
	}
	return nil
}

// filteringAction additionally implements ResourceProcessor.
type filteringAction struct {
	basicAction
}

func (filteringAction) ProcessResource(r types.Resource, _ map[string]string) (*types.Resource, error) {
	if strings.HasPrefix(r.ID, "skip-") {
		return nil, nil
	}
	return &r, nil
}

// --- Registry Tests ---

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(basicAction{}, Properties{
		Name:        "ec2-stop-instance",
		Aggregation: types.AggregationRegion,
		BatchSize:   50,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := reg.Get("ec2-stop-instance")
	if !ok {
		t.Fatal("expected registration")
	}
	if got.Properties.Aggregation != types.AggregationRegion {
		t.Fatalf("aggregation = %q", got.Properties.Aggregation)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("unexpected registration for unknown name")
	}
}

func TestRegisterDefaultsToResourceAggregation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(basicAction{}, Properties{Name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, _ := reg.Get("a")
	if got.Properties.Aggregation != types.AggregationResource {
		t.Fatalf("aggregation = %q, want resource default", got.Properties.Aggregation)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(basicAction{}, Properties{Name: "a"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(basicAction{}, Properties{Name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(nil, Properties{Name: "a"}); err == nil {
		t.Error("nil action should fail")
	}
	if err := reg.Register(basicAction{}, Properties{}); err == nil {
		t.Error("empty name should fail")
	}
	if err := reg.Register(basicAction{}, Properties{Name: "a", Aggregation: "continent"}); err == nil {
		t.Error("unknown aggregation should fail")
	}
	if err := reg.Register(basicAction{}, Properties{
		Name:           "a",
		MaxConcurrency: func(map[string]string) int { return 2 },
	}); err == nil {
		t.Error("max concurrency without key function should fail")
	}
	if err := reg.Register(basicAction{}, Properties{
		Name:           "a",
		ConcurrencyKey: func(*types.TaskItem) string { return "k" },
	}); err == nil {
		t.Error("key function without max concurrency should fail")
	}
}

func TestCapabilitiesResolvedAtRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(basicAction{}, Properties{Name: "basic"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(pollingAction{}, Properties{Name: "polling"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(filteringAction{}, Properties{Name: "filtering"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	basic, _ := reg.Get("basic")
	if _, ok := basic.Completer(); ok {
		t.Error("basic action must not report a completer")
	}
	if _, ok := basic.Processor(); ok {
		t.Error("basic action must not report a processor")
	}
	if _, ok := basic.Preflight(); ok {
		t.Error("basic action must not report a preflight check")
	}

	polling, _ := reg.Get("polling")
	if _, ok := polling.Completer(); !ok {
		t.Error("polling action must report a completer")
	}
	if _, ok := polling.Preflight(); !ok {
		t.Error("polling action must report a preflight check")
	}

	filtering, _ := reg.Get("filtering")
	proc, ok := filtering.Processor()
	if !ok {
		t.Fatal("filtering action must report a processor")
	}
	if res, _ := proc.ProcessResource(types.Resource{ID: "skip-me"}, nil); res != nil {
		t.Error("processor should drop skip-prefixed resources")
	}
	if res, _ := proc.ProcessResource(types.Resource{ID: "i-0abc"}, nil); res == nil {
		t.Error("processor should keep other resources")
	}
}

func TestConcurrencyMetadata(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(basicAction{}, Properties{
		Name: "bounded",
		MaxConcurrency: func(params map[string]string) int {
			if params["burst"] == "true" {
				return 10
			}
			return 2
		},
		ConcurrencyKey: func(item *types.TaskItem) string {
			return "bounded:" + item.Account
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(basicAction{}, Properties{Name: "unbounded"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	bounded, _ := reg.Get("bounded")
	if !bounded.HasConcurrencyLimit() {
		t.Fatal("expected concurrency limit")
	}
	if got := bounded.MaxConcurrency(nil); got != 2 {
		t.Errorf("MaxConcurrency = %d, want 2", got)
	}
	if got := bounded.MaxConcurrency(map[string]string{"burst": "true"}); got != 10 {
		t.Errorf("MaxConcurrency burst = %d, want 10", got)
	}
	if got := bounded.ConcurrencyKey(&types.TaskItem{Account: "111122223333"}); got != "bounded:111122223333" {
		t.Errorf("ConcurrencyKey = %q", got)
	}

	unbounded, _ := reg.Get("unbounded")
	if unbounded.HasConcurrencyLimit() {
		t.Fatal("unexpected concurrency limit")
	}
	if got := unbounded.MaxConcurrency(nil); got != 0 {
		t.Errorf("MaxConcurrency = %d, want 0 for unbounded", got)
	}
	if got := unbounded.ConcurrencyKey(&types.TaskItem{}); got != "" {
		t.Errorf("ConcurrencyKey = %q, want empty", got)
	}
}

func TestNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(basicAction{}, Properties{Name: name}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	names := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != 3 || names[0] != want[0] || names[1] != want[1] || names[2] != want[2] {
		t.Fatalf("Names = %v, want %v", names, want)
	}
}
