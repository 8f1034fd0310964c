package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"opsrunner/internal/awsclient"
	"opsrunner/internal/types"
)

type completionStore interface {
	WaitingForCompletion(ctx context.Context) ([]types.TaskItem, error)
	UpdateStatus(ctx context.Context, id string, status types.TaskStatus, data *types.StatusData) error
}

type ruleSwitch interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Poller drives the completion re-check cycle. On each timer tick it
// re-stamps the last-completion-check attribute of every waiting item; the
// resulting stream records make the change reactor dispatch the actual
// completion checks. When nothing is waiting the poll timer is parked.
type Poller struct {
	store  completionStore
	rule   ruleSwitch
	logger *slog.Logger

	now func() time.Time
}

// NewPoller creates a completion poller. rule may be nil when timer
// management is handled elsewhere.
func NewPoller(store completionStore, rule ruleSwitch, logger *slog.Logger) (*Poller, error) {
	if store == nil {
		return nil, fmt.Errorf("poller: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: store, rule: rule, logger: logger, now: time.Now}, nil
}

// Poll runs one poll cycle.
func (p *Poller) Poll(ctx context.Context) error {
	items, err := p.store.WaitingForCompletion(ctx)
	if err != nil {
		return fmt.Errorf("listing waiting items: %w", err)
	}
	if len(items) == 0 {
		if p.rule != nil {
			if err := p.rule.Disable(ctx); err != nil {
				p.logger.WarnContext(ctx, "parking completion poll timer failed", "error", err)
			} else {
				p.logger.InfoContext(ctx, "nothing waiting for completion, poll timer parked")
			}
		}
		return nil
	}

	stamp := p.now().UTC().Format(time.RFC3339)
	var pollErr error
	for _, item := range items {
		data := &types.StatusData{LastCompletionCheck: &stamp}
		if err := p.store.UpdateStatus(ctx, item.ID, "", data); err != nil {
			p.logger.ErrorContext(ctx, "re-stamping completion check failed", "item_id", item.ID, "error", err)
			pollErr = fmt.Errorf("item %s: %w", item.ID, err)
		}
	}
	p.logger.InfoContext(ctx, "completion checks scheduled", "items", len(items))
	return pollErr
}

type completionEventBridgeAPI interface {
	EnableRule(ctx context.Context, in *eventbridge.EnableRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error)
	DisableRule(ctx context.Context, in *eventbridge.DisableRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error)
}

// CompletionRule switches the EventBridge rule that fires the poller.
type CompletionRule struct {
	client completionEventBridgeAPI
	name   string

	invoker *awsclient.Invoker[struct{}]
}

// NewCompletionRule creates a rule switch for the named EventBridge rule.
func NewCompletionRule(client completionEventBridgeAPI, name string, logger *slog.Logger) (*CompletionRule, error) {
	if client == nil {
		return nil, fmt.Errorf("completion rule: client is required")
	}
	if name == "" {
		return nil, fmt.Errorf("completion rule: rule name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionRule{
		client:  client,
		name:    name,
		invoker: awsclient.NewInvoker[struct{}]("completion-rule", awsclient.DefaultRetryPolicy(), awsclient.WithLogger[struct{}](logger)),
	}, nil
}

// Enable turns the poll timer on.
func (r *CompletionRule) Enable(ctx context.Context) error {
	_, err := r.invoker.Do(ctx, "EnableRule", func(ctx context.Context) (struct{}, error) {
		_, err := r.client.EnableRule(ctx, &eventbridge.EnableRuleInput{Name: aws.String(r.name)})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("enabling rule %s: %w", r.name, err)
	}
	return nil
}

// Disable parks the poll timer.
func (r *CompletionRule) Disable(ctx context.Context) error {
	_, err := r.invoker.Do(ctx, "DisableRule", func(ctx context.Context) (struct{}, error) {
		_, err := r.client.DisableRule(ctx, &eventbridge.DisableRuleInput{Name: aws.String(r.name)})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("disabling rule %s: %w", r.name, err)
	}
	return nil
}
