package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"opsrunner/internal/awsclient"
)

type eventBridgeAPI interface {
	PutRule(ctx context.Context, in *eventbridge.PutRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error)
	EnableRule(ctx context.Context, in *eventbridge.EnableRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error)
	DisableRule(ctx context.Context, in *eventbridge.DisableRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error)
}

// RuleManager switches the scheduler's timer between the every-minute tick
// rule and a one-shot wake rule armed for the next due task.
type RuleManager struct {
	client   eventBridgeAPI
	tickRule string
	wakeRule string
	logger   *slog.Logger

	invoker *awsclient.Invoker[struct{}]
}

// NewRuleManager creates a rule manager for the two named EventBridge rules.
func NewRuleManager(client eventBridgeAPI, tickRule, wakeRule string, logger *slog.Logger) (*RuleManager, error) {
	if client == nil {
		return nil, fmt.Errorf("rule manager: client is required")
	}
	if tickRule == "" || wakeRule == "" {
		return nil, fmt.Errorf("rule manager: rule names are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleManager{
		client:   client,
		tickRule: tickRule,
		wakeRule: wakeRule,
		logger:   logger,
		invoker:  awsclient.NewInvoker[struct{}]("scheduler-rules", awsclient.DefaultRetryPolicy(), awsclient.WithLogger[struct{}](logger)),
	}, nil
}

// ArmWake schedules a one-shot wake at the given instant and parks the
// every-minute tick rule until then.
func (m *RuleManager) ArmWake(ctx context.Context, at time.Time) error {
	expr := oneShotCron(at.UTC())
	_, err := m.invoker.Do(ctx, "PutRule", func(ctx context.Context) (struct{}, error) {
		_, err := m.client.PutRule(ctx, &eventbridge.PutRuleInput{
			Name:               aws.String(m.wakeRule),
			ScheduleExpression: aws.String(expr),
			State:              ebtypes.RuleStateEnabled,
		})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("arming wake rule %s: %w", m.wakeRule, err)
	}
	_, err = m.invoker.Do(ctx, "DisableRule", func(ctx context.Context) (struct{}, error) {
		_, err := m.client.DisableRule(ctx, &eventbridge.DisableRuleInput{Name: aws.String(m.tickRule)})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("parking tick rule %s: %w", m.tickRule, err)
	}
	m.logger.InfoContext(ctx, "armed one-shot wake",
		"rule", m.wakeRule,
		"at", at.UTC().Format(time.RFC3339),
		"schedule", expr)
	return nil
}

// EveryMinute enables the every-minute tick rule and disarms any pending
// one-shot wake.
func (m *RuleManager) EveryMinute(ctx context.Context) error {
	_, err := m.invoker.Do(ctx, "EnableRule", func(ctx context.Context) (struct{}, error) {
		_, err := m.client.EnableRule(ctx, &eventbridge.EnableRuleInput{Name: aws.String(m.tickRule)})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("enabling tick rule %s: %w", m.tickRule, err)
	}
	_, err = m.invoker.Do(ctx, "DisableRule", func(ctx context.Context) (struct{}, error) {
		_, err := m.client.DisableRule(ctx, &eventbridge.DisableRuleInput{Name: aws.String(m.wakeRule)})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("disarming wake rule %s: %w", m.wakeRule, err)
	}
	return nil
}

// oneShotCron renders t as an EventBridge cron expression matching exactly
// one minute. EventBridge cron fields are minute, hour, day-of-month, month,
// day-of-week and year; the year field makes the rule fire once.
func oneShotCron(t time.Time) string {
	return fmt.Sprintf("cron(%d %d %d %d ? %d)",
		t.Minute(), t.Hour(), t.Day(), int(t.Month()), t.Year())
}
