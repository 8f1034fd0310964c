// Package selector turns a due task definition into task items: it fans out
// over the definition's accounts and regions, lists and filters candidate
// resources, groups them per the action's aggregation level and inserts the
// resulting items into the tracking store under a shared group id.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"opsrunner/internal/action"
	"opsrunner/internal/types"
)

// ResourceDescriber lists candidate resources of a service/type in one
// account (via an assumed role, empty for the stack account) and region.
// It is the external resource-description collaborator.
type ResourceDescriber interface {
	Describe(ctx context.Context, roleArn, region, service, resourceType string) ([]types.Resource, error)
}

// itemStore is the tracking-store slice the selector writes through.
type itemStore interface {
	Add(ctx context.Context, def *types.TaskDefinition, resources any, groupID, assumedRole string, source types.TaskSource) (*types.TaskItem, error)
	Flush(ctx context.Context) error
}

// describeConcurrency bounds parallel describe calls across account/region
// pairs.
const describeConcurrency = 4

// Config wires a Selector.
type Config struct {
	Describer ResourceDescriber
	Store     itemStore
	Registry  *action.Registry

	// SchedulingTag is the shared tag whose value lists the tasks a resource
	// opted into; used when a definition has no tag filter of its own.
	SchedulingTag string

	// SelectBudget bounds the describe/filter phase; FlushBudget bounds the
	// final store flush. Selection gives up remaining account/region pairs on
	// budget exhaustion but still flushes what it has.
	SelectBudget time.Duration
	FlushBudget  time.Duration

	Logger *slog.Logger
}

// Selector creates task items for due task definitions.
type Selector struct {
	describer     ResourceDescriber
	store         itemStore
	registry      *action.Registry
	schedulingTag string
	selectBudget  time.Duration
	flushBudget   time.Duration
	logger        *slog.Logger
}

// Result summarizes one selection run. Items lists the created task items in
// creation order.
type Result struct {
	GroupID  string
	Selected int
	Items    []*types.TaskItem
}

// New validates the wiring and returns a Selector.
func New(cfg Config) (*Selector, error) {
	if cfg.Describer == nil {
		return nil, errors.New("selector: resource describer is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("selector: tracking store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("selector: action registry is required")
	}
	if cfg.SelectBudget <= 0 {
		cfg.SelectBudget = 4 * time.Minute
	}
	if cfg.FlushBudget <= 0 {
		cfg.FlushBudget = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		describer:     cfg.Describer,
		store:         cfg.Store,
		registry:      cfg.Registry,
		schedulingTag: cfg.SchedulingTag,
		selectBudget:  cfg.SelectBudget,
		flushBudget:   cfg.FlushBudget,
		logger:        logger,
	}, nil
}

// selectedResource is one resource that survived filtering, together with the
// role it was described under.
type selectedResource struct {
	resource types.Resource
	roleArn  string
}

// Select runs the full selection pipeline for a definition. On select-budget
// exhaustion the remaining account/region pairs are abandoned and an error is
// returned alongside the partial result; items already created stay valid.
func (s *Selector) Select(ctx context.Context, def *types.TaskDefinition, source types.TaskSource) (*Result, error) {
	reg, ok := s.registry.Get(def.Action)
	if !ok {
		return nil, fmt.Errorf("selector: task %s references unknown action %s", def.Name, def.Action)
	}

	filter, err := ParseTagFilter(def.TagFilter)
	if err != nil {
		return nil, fmt.Errorf("selector: task %s: %w", def.Name, err)
	}

	selectCtx, cancel := context.WithTimeout(ctx, s.selectBudget)
	defer cancel()

	selected, selectErr := s.describeAndFilter(selectCtx, def, reg, filter)
	batches := s.aggregate(reg, selected)

	groupID := uuid.NewString()
	result := &Result{GroupID: groupID, Selected: len(selected)}

	for _, batch := range batches {
		if preflight, ok := reg.Preflight(); ok {
			if err := preflight.CheckCanExecute(batch.resources, def.Parameters); err != nil {
				s.logger.WarnContext(ctx, "pre-flight check rejected batch",
					"task_name", def.Name,
					"resources", len(batch.resources),
					"error", err,
				)
				continue
			}
		}
		item, err := s.store.Add(ctx, def, batch.resources, groupID, batch.roleArn, source)
		if err != nil {
			return result, fmt.Errorf("selector: create item for task %s: %w", def.Name, err)
		}
		result.Items = append(result.Items, item)
	}

	flushCtx, cancelFlush := context.WithTimeout(ctx, s.flushBudget)
	defer cancelFlush()
	if err := s.store.Flush(flushCtx); err != nil {
		return result, fmt.Errorf("selector: flush items for task %s: %w", def.Name, err)
	}

	if selectErr != nil {
		return result, selectErr
	}
	s.logger.InfoContext(ctx, "selection complete",
		"task_name", def.Name,
		"group_id", groupID,
		"selected", result.Selected,
		"items", len(result.Items),
	)
	return result, nil
}

// describeAndFilter fans out over account/region pairs, applying the action's
// per-resource hook and tag selection. A failing pair is logged and skipped;
// budget exhaustion abandons the remaining pairs and is reported as an error.
func (s *Selector) describeAndFilter(ctx context.Context, def *types.TaskDefinition, reg *action.Registration, filter *TagFilter) ([]selectedResource, error) {
	roles := []string{}
	if def.ThisAccount || len(def.CrossAccountRoles) == 0 {
		roles = append(roles, "")
	}
	roles = append(roles, def.CrossAccountRoles...)

	regions := def.Regions
	if len(regions) == 0 {
		regions = []string{""}
	}

	var mu sync.Mutex
	var selected []selectedResource

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)

	for _, roleArn := range roles {
		for _, region := range regions {
			g.Go(func() error {
				resources, err := s.describer.Describe(gctx, roleArn, region,
					reg.Properties.ResourceService, reg.Properties.ResourceType)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					s.logger.WarnContext(gctx, "resource describe failed, skipping pair",
						"task_name", def.Name,
						"role", roleArn,
						"region", region,
						"error", err,
					)
					return nil
				}

				kept := s.filterResources(gctx, def, reg, filter, resources)
				if len(kept) == 0 {
					return nil
				}
				mu.Lock()
				for _, r := range kept {
					selected = append(selected, selectedResource{resource: r, roleArn: roleArn})
				}
				mu.Unlock()
				return nil
			})
		}
	}

	err := g.Wait()
	if err != nil {
		return selected, fmt.Errorf("selector: selection abandoned for task %s: %w", def.Name, err)
	}
	return selected, nil
}

func (s *Selector) filterResources(ctx context.Context, def *types.TaskDefinition, reg *action.Registration, filter *TagFilter, resources []types.Resource) []types.Resource {
	processor, hasProcessor := reg.Processor()
	var kept []types.Resource
	for _, res := range resources {
		if hasProcessor {
			processed, err := processor.ProcessResource(res, def.Parameters)
			if err != nil {
				s.logger.WarnContext(ctx, "resource hook failed, skipping resource",
					"task_name", def.Name,
					"resource_id", res.ID,
					"error", err,
				)
				continue
			}
			if processed == nil {
				continue
			}
			res = *processed
		}

		if def.TagFilter != "" {
			if !filter.Match(res.Tags) {
				continue
			}
		} else if !taggedWithTask(res.Tags, s.schedulingTag, def.Name) {
			continue
		}
		kept = append(kept, res)
	}
	return kept
}

// resourceBatch is one future task item: a resource group plus the role to
// execute under.
type resourceBatch struct {
	resources []types.Resource
	roleArn   string
}

// aggregate groups selected resources per the action's aggregation level and
// applies batch-size chunking.
func (s *Selector) aggregate(reg *action.Registration, selected []selectedResource) []resourceBatch {
	if len(selected) == 0 {
		return nil
	}

	var batches []resourceBatch
	switch reg.Properties.Aggregation {
	case types.AggregationResource:
		for _, sr := range selected {
			batches = append(batches, resourceBatch{
				resources: []types.Resource{sr.resource},
				roleArn:   sr.roleArn,
			})
		}

	case types.AggregationRegion:
		batches = groupBy(selected, func(sr selectedResource) string {
			return sr.resource.Account + "|" + sr.resource.Region
		})

	case types.AggregationAccount:
		batches = groupBy(selected, func(sr selectedResource) string {
			return sr.resource.Account
		})

	case types.AggregationTask:
		all := resourceBatch{}
		for _, sr := range selected {
			all.resources = append(all.resources, sr.resource)
		}
		batches = []resourceBatch{all}
	}

	return chunk(batches, reg.Properties.BatchSize)
}

// groupBy buckets resources by key, preserving first-seen group order.
func groupBy(selected []selectedResource, key func(selectedResource) string) []resourceBatch {
	index := map[string]int{}
	var batches []resourceBatch
	for _, sr := range selected {
		k := key(sr)
		i, ok := index[k]
		if !ok {
			i = len(batches)
			index[k] = i
			batches = append(batches, resourceBatch{roleArn: sr.roleArn})
		}
		batches[i].resources = append(batches[i].resources, sr.resource)
	}
	return batches
}

// chunk splits oversized batches; size 0 disables chunking.
func chunk(batches []resourceBatch, size int) []resourceBatch {
	if size <= 0 {
		return batches
	}
	var out []resourceBatch
	for _, b := range batches {
		for len(b.resources) > size {
			out = append(out, resourceBatch{resources: b.resources[:size], roleArn: b.roleArn})
			b.resources = b.resources[size:]
		}
		out = append(out, b)
	}
	return out
}
