package action

import (
	"fmt"
	"sort"
	"sync"

	"opsrunner/internal/types"
)

// Registration is one registered action plus its capabilities, resolved once
// when the action is registered instead of probed at every call site.
type Registration struct {
	Action     Action
	Properties Properties

	completer Completer
	processor ResourceProcessor
	preflight PreflightChecker
}

// Completer returns the action's completion-check capability, if implemented.
func (r *Registration) Completer() (Completer, bool) {
	return r.completer, r.completer != nil
}

// Processor returns the per-resource selection hook, if implemented.
func (r *Registration) Processor() (ResourceProcessor, bool) {
	return r.processor, r.processor != nil
}

// Preflight returns the batch pre-flight check, if implemented.
func (r *Registration) Preflight() (PreflightChecker, bool) {
	return r.preflight, r.preflight != nil
}

// HasConcurrencyLimit reports whether items of this action pass through
// admission control.
func (r *Registration) HasConcurrencyLimit() bool {
	return r.Properties.MaxConcurrency != nil
}

// MaxConcurrency resolves the concurrency bound for the given parameters;
// 0 means unbounded.
func (r *Registration) MaxConcurrency(parameters map[string]string) int {
	if r.Properties.MaxConcurrency == nil {
		return 0
	}
	return r.Properties.MaxConcurrency(parameters)
}

// ConcurrencyKey derives the ledger key for an item of this action.
func (r *Registration) ConcurrencyKey(item *types.TaskItem) string {
	if r.Properties.ConcurrencyKey == nil {
		return ""
	}
	return r.Properties.ConcurrencyKey(item)
}

// Registry holds the registered actions. Registration normally happens at
// cold start; lookups afterwards are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Registration{}}
}

// Register adds an action under props.Name. The action's optional
// capabilities are resolved here by interface assertion, so later dispatch is
// a plain method call. Registering a duplicate name or inconsistent
// concurrency metadata fails.
func (g *Registry) Register(a Action, props Properties) error {
	if a == nil {
		return fmt.Errorf("action: registering nil action %q", props.Name)
	}
	if props.Name == "" {
		return fmt.Errorf("action: action name is required")
	}
	if props.Aggregation == "" {
		props.Aggregation = types.AggregationResource
	}
	switch props.Aggregation {
	case types.AggregationResource, types.AggregationRegion, types.AggregationAccount, types.AggregationTask:
	default:
		return fmt.Errorf("action %s: unknown aggregation level %q", props.Name, props.Aggregation)
	}
	if (props.MaxConcurrency == nil) != (props.ConcurrencyKey == nil) {
		return fmt.Errorf("action %s: max concurrency and concurrency key must be set together", props.Name)
	}

	reg := &Registration{Action: a, Properties: props}
	if c, ok := a.(Completer); ok {
		reg.completer = c
	}
	if p, ok := a.(ResourceProcessor); ok {
		reg.processor = p
	}
	if p, ok := a.(PreflightChecker); ok {
		reg.preflight = p
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.entries[props.Name]; exists {
		return fmt.Errorf("action %s: already registered", props.Name)
	}
	g.entries[props.Name] = reg
	return nil
}

// Get looks up a registration by action name.
func (g *Registry) Get(name string) (*Registration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.entries[name]
	return reg, ok
}

// Names returns the registered action names, sorted.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.entries))
	for name := range g.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
