package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/davidbz/creditgate/internal/observability"
)

const defaultMonitorWorkers = 4

// ToolHealth is the protection state of a tool.
type ToolHealth string

const (
	HealthHealthy      ToolHealth = "healthy"
	HealthDrifting     ToolHealth = "drifting"
	HealthAutoAdjusted ToolHealth = "auto_adjusted"
)

// RateRefresher keeps the exchange rate current.
type RateRefresher interface {
	SettingsProvider
	RefreshExchangeRate(ctx context.Context) (ExchangeRate, error)
}

// MonitorConfig tunes the monitor.
type MonitorConfig struct {
	Workers int
}

// ToolEvaluation is the outcome for one tool in a monitor pass.
type ToolEvaluation struct {
	ToolID        string          `json:"tool_id"`
	State         ToolHealth      `json:"state"`
	CurrentMargin decimal.Decimal `json:"current_margin"`
	TargetMargin  decimal.Decimal `json:"target_margin"`
	Drift         decimal.Decimal `json:"drift"`
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price,omitempty"`
}

// MonitorReport summarises a monitor pass.
type MonitorReport struct {
	RanAt        time.Time        `json:"ran_at"`
	ExchangeRate decimal.Decimal  `json:"exchange_rate"`
	Evaluated    int              `json:"evaluated"`
	Adjusted     []ToolEvaluation `json:"adjusted"`
	Flagged      []ToolEvaluation `json:"flagged"`
}

// AutoProtectionMonitor restores target margins when the exchange rate moves.
type AutoProtectionMonitor struct {
	registry   *ToolCostRegistry
	settings   RateRefresher
	calculator *PriceCalculator
	events     EventPublisher
	workers    int
	running    sync.Mutex
}

// NewAutoProtectionMonitor creates a monitor (DI constructor).
func NewAutoProtectionMonitor(
	registry *ToolCostRegistry,
	settings RateRefresher,
	calculator *PriceCalculator,
	events EventPublisher,
	cfg MonitorConfig,
) *AutoProtectionMonitor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultMonitorWorkers
	}
	return &AutoProtectionMonitor{
		registry:   registry,
		settings:   settings,
		calculator: calculator,
		events:     events,
		workers:    workers,
	}
}

// Run evaluates every active tool once. Tools with auto-adjust enabled are
// repriced to their target margin when the drift exceeds their threshold; the
// rest are only flagged. Passes never overlap.
func (m *AutoProtectionMonitor) Run(ctx context.Context) (MonitorReport, error) {
	m.running.Lock()
	defer m.running.Unlock()

	logger := observability.FromContext(ctx)

	if _, err := m.settings.RefreshExchangeRate(ctx); err != nil {
		logger.Warn("exchange rate refresh failed, using stored rate", observability.Error(err))
	}

	settings, err := m.settings.Current(ctx)
	if err != nil {
		return MonitorReport{}, err
	}

	tools, err := m.registry.ListAll(ctx)
	if err != nil {
		return MonitorReport{}, err
	}

	report := MonitorReport{
		RanAt:        time.Now(),
		ExchangeRate: settings.ExchangeRate.Rate,
		Adjusted:     []ToolEvaluation{},
		Flagged:      []ToolEvaluation{},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, tool := range tools {
		if !tool.Active || !tool.CostUSD.IsPositive() {
			continue
		}

		g.Go(func() error {
			eval, evalErr := m.evaluate(gctx, tool, settings)
			if evalErr != nil {
				return fmt.Errorf("tool %s: %w", tool.ToolID, evalErr)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			switch {
			case !eval.NewPrice.IsZero():
				report.Adjusted = append(report.Adjusted, eval)
			case eval.State == HealthDrifting:
				report.Flagged = append(report.Flagged, eval)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("monitor pass failed: %w", err)
	}

	sort.Slice(report.Adjusted, func(i, j int) bool { return report.Adjusted[i].ToolID < report.Adjusted[j].ToolID })
	sort.Slice(report.Flagged, func(i, j int) bool { return report.Flagged[i].ToolID < report.Flagged[j].ToolID })

	logger.Info("auto-protection pass completed",
		observability.Decimal("exchange_rate", report.ExchangeRate),
		observability.Int("evaluated", report.Evaluated),
		observability.Int("adjusted", len(report.Adjusted)),
		observability.Int("flagged", len(report.Flagged)))

	return report, nil
}

func (m *AutoProtectionMonitor) evaluate(ctx context.Context, tool ToolCost, settings PricingSettings) (ToolEvaluation, error) {
	current, err := m.calculator.CurrentMargin(tool, settings)
	if err != nil {
		return ToolEvaluation{}, err
	}

	threshold := tool.TriggerThreshold
	if threshold.IsZero() {
		threshold = m.calculator.Policy().DefaultTriggerThreshold
	}

	drift := current.Sub(tool.TargetMargin).Abs()
	eval := ToolEvaluation{
		ToolID:        tool.ToolID,
		State:         HealthHealthy,
		CurrentMargin: current.Round(2),
		TargetMargin:  tool.TargetMargin,
		Drift:         drift.Round(2),
		OldPrice:      tool.CreditPrice,
	}
	if tool.LastAutoAdjustment != nil {
		eval.State = HealthAutoAdjusted
	}

	if !drift.GreaterThan(threshold) {
		return eval, nil
	}

	if !tool.AutoAdjust {
		eval.State = HealthDrifting
		m.publish(ctx, observability.EventMarginDrift, eval)
		return eval, nil
	}

	newPrice, err := m.calculator.PriceTool(tool, settings)
	if err != nil {
		return ToolEvaluation{}, err
	}
	if newPrice.Equal(tool.CreditPrice) {
		return eval, nil
	}

	reason := ReasonMarginRecovery
	if current.LessThan(tool.TargetMargin) {
		reason = ReasonMarginDrop
	}

	_, err = m.registry.RecordAutoAdjustment(ctx, tool.ToolID, tool.CreditPrice, newPrice, reason)
	if errors.Is(err, ErrPriceChanged) {
		// A manual edit landed after the snapshot; the next pass sees it.
		observability.FromContext(ctx).Info("skipping auto-adjustment, price changed during the pass",
			observability.String("tool_id", tool.ToolID))
		return eval, nil
	}
	if err != nil {
		return ToolEvaluation{}, err
	}

	eval.State = HealthAutoAdjusted
	eval.NewPrice = newPrice
	m.publish(ctx, observability.EventPriceAutoAdjusted, eval)

	return eval, nil
}

func (m *AutoProtectionMonitor) publish(ctx context.Context, eventType string, eval ToolEvaluation) {
	if m.events == nil {
		return
	}
	m.events.Publish(ctx, eventType, map[string]interface{}{
		"tool_id":        eval.ToolID,
		"current_margin": eval.CurrentMargin.String(),
		"target_margin":  eval.TargetMargin.String(),
		"old_price":      eval.OldPrice.String(),
		"new_price":      eval.NewPrice.String(),
	})
}
