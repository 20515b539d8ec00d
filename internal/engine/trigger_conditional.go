package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// ConditionalPoller fires a schedule when every rule holds, evaluated in order and
// stopping at the first false rule.
type ConditionalPoller struct {
	triggers  *TriggerService
	resolvers map[domain.ConditionSource]SourceResolver
	clock     core.Clock
}

func NewConditionalPoller(triggers *TriggerService, resolvers map[domain.ConditionSource]SourceResolver, clock core.Clock) *ConditionalPoller {
	return &ConditionalPoller{triggers: triggers, resolvers: resolvers, clock: clock}
}

func (p *ConditionalPoller) Evaluate(ctx context.Context, s *domain.Schedule) (Decision, error) {
	if len(s.Rules) == 0 {
		return Decision{}, validationError("conditional", "schedule %d has no rules", s.ID)
	}
	for i := range s.Rules {
		rule := &s.Rules[i]
		ok, err := p.evaluateRule(ctx, rule)
		// a rule that cannot be evaluated is recorded as false
		p.recordResult(ctx, s.ID, rule, ok)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		if !ok {
			return Decision{Reason: fmt.Sprintf("rule %d (%s %s) is false", rule.ID, rule.ConditionSource, rule.Operator)}, nil
		}
	}
	return Decision{ShouldFire: true, FireAt: p.clock.Now(), Reason: fmt.Sprintf("%d rules hold", len(s.Rules))}, nil
}

func (p *ConditionalPoller) recordResult(ctx context.Context, scheduleID int64, rule *domain.ConditionalRule, result bool) {
	now := p.clock.Now()
	if err := p.triggers.schedules.RecordRuleResult(rule.ID, result, now); err != nil {
		slog.WarnContext(ctx, "Failed to record rule result", "schedule_id", scheduleID, "rule_id", rule.ID, "error", err)
	}
	rule.LastResult.Bool, rule.LastResult.Valid = result, true
	rule.LastEvaluatedAt.Time, rule.LastEvaluatedAt.Valid = now, true
}

func (p *ConditionalPoller) evaluateRule(ctx context.Context, rule *domain.ConditionalRule) (bool, error) {
	resolver, ok := p.resolvers[rule.ConditionSource]
	if !ok {
		return false, validationError("conditional", "no resolver for source %q", rule.ConditionSource)
	}
	value, found, err := resolver.Resolve(ctx, rule.Query)
	if err != nil {
		return false, err
	}
	return Compare(rule.Operator, value, found, rule.ExpectedValue)
}

// Sweep evaluates active conditional schedules. A schedule with a run still pending or
// processing does not fire again until that run finishes.
func (p *ConditionalPoller) Sweep(ctx context.Context) error {
	return p.triggers.sweep(ctx, domain.ScheduleConditional, func(ctx context.Context, s *domain.Schedule) error {
		d, err := p.Evaluate(ctx, s)
		if err != nil || !d.ShouldFire {
			return err
		}
		open, err := p.triggers.queue.HasOpen(s.ID)
		if err != nil {
			return err
		}
		if open {
			slog.DebugContext(ctx, "Conditional schedule already has an open run", "schedule_id", s.ID)
			return nil
		}
		_, err = p.triggers.Fire(ctx, s, d)
		return err
	})
}
