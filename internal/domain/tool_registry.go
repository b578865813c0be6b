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

const bulkWriteConcurrency = 8

// ToolCostRegistry holds the canonical tool catalog and its pricing state.
type ToolCostRegistry struct {
	store      ToolCostStore
	calculator *PriceCalculator
	settings   SettingsProvider
	locks      *keyedMutex
	now        func() time.Time
}

// NewToolCostRegistry creates a registry (DI constructor).
func NewToolCostRegistry(store ToolCostStore, calculator *PriceCalculator, settings SettingsProvider) *ToolCostRegistry {
	return &ToolCostRegistry{
		store:      store,
		calculator: calculator,
		settings:   settings,
		locks:      newKeyedMutex(),
		now:        time.Now,
	}
}

// Get retrieves a tool by id.
func (r *ToolCostRegistry) Get(ctx context.Context, toolID string) (ToolCost, error) {
	if toolID == "" {
		return ToolCost{}, validationf("tool id cannot be empty")
	}
	return r.store.GetTool(ctx, toolID)
}

// ListAll returns a snapshot of every tool ordered by id.
func (r *ToolCostRegistry) ListAll(ctx context.Context) ([]ToolCost, error) {
	tools, err := r.store.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolID < tools[j].ToolID })
	return tools, nil
}

// Upsert validates and stores a tool definition. A zero price is derived from
// the target margin. Activation state and the pending auto-adjustment of an
// existing tool are preserved.
func (r *ToolCostRegistry) Upsert(ctx context.Context, tool ToolCost) (ToolCost, error) {
	if tool.TriggerThreshold.IsZero() {
		tool.TriggerThreshold = r.calculator.Policy().DefaultTriggerThreshold
	}
	if err := r.calculator.ValidateTool(tool); err != nil {
		return ToolCost{}, err
	}

	unlock := r.locks.Lock(tool.ToolID)
	defer unlock()

	existing, err := r.store.GetTool(ctx, tool.ToolID)
	switch {
	case err == nil:
		tool.Active = existing.Active
		tool.LastAutoAdjustment = existing.LastAutoAdjustment
	case errors.Is(err, ErrToolNotFound):
		tool.Active = true
		tool.LastAutoAdjustment = nil
	default:
		return ToolCost{}, err
	}

	if tool.CreditPrice.IsZero() && tool.CostUSD.IsPositive() {
		settings, err := r.settings.Current(ctx)
		if err != nil {
			return ToolCost{}, err
		}
		price, err := r.calculator.PriceTool(tool, settings)
		if err != nil {
			return ToolCost{}, err
		}
		tool.CreditPrice = price
	}

	return r.put(ctx, tool)
}

// SetMargin applies a manual margin edit; margins under the floor are raised to it.
func (r *ToolCostRegistry) SetMargin(ctx context.Context, toolID string, margin decimal.Decimal) (ToolCost, error) {
	return r.update(ctx, toolID, func(tool *ToolCost, settings PricingSettings) error {
		tool.TargetMargin = r.calculator.ClampMargin(margin)
		price, err := r.calculator.PriceTool(*tool, settings)
		if err != nil {
			return err
		}
		tool.CreditPrice = price
		return nil
	})
}

// SetPrice applies a manual price edit and back-computes the margin. A price
// that would put the margin under the floor is replaced by the floor price.
func (r *ToolCostRegistry) SetPrice(ctx context.Context, toolID string, price decimal.Decimal) (ToolCost, error) {
	return r.update(ctx, toolID, func(tool *ToolCost, settings PricingSettings) error {
		margin, err := r.calculator.MarginFromPrice(tool.CostUSD, settings.ExchangeRate.Rate, price, settings.CreditUnit.Value)
		if err != nil {
			return err
		}

		if margin.LessThan(r.calculator.Policy().MinMargin) {
			tool.TargetMargin = r.calculator.Policy().MinMargin
			floorPrice, err := r.calculator.PriceTool(*tool, settings)
			if err != nil {
				return err
			}
			tool.CreditPrice = floorPrice
			return nil
		}

		tool.TargetMargin = margin.Round(2)
		tool.CreditPrice = price
		return nil
	})
}

// SetActive enables or soft-disables a tool.
func (r *ToolCostRegistry) SetActive(ctx context.Context, toolID string, active bool) (ToolCost, error) {
	return r.update(ctx, toolID, func(tool *ToolCost, _ PricingSettings) error {
		tool.Active = active
		return nil
	})
}

// BulkAdjust shifts the margin of every qualifying tool by deltaPct and stores
// the repriced rows. Rows are independent and written in parallel.
func (r *ToolCostRegistry) BulkAdjust(ctx context.Context, deltaPct decimal.Decimal, scope AdjustScope) ([]ToolCost, error) {
	tools, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := r.settings.Current(ctx)
	if err != nil {
		return nil, err
	}

	adjusted, err := r.calculator.BulkAdjust(tools, deltaPct, scope, settings)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkWriteConcurrency)
	for i := range adjusted {
		g.Go(func() error {
			unlock := r.locks.Lock(adjusted[i].ToolID)
			defer unlock()

			stored, putErr := r.put(gctx, adjusted[i])
			if putErr != nil {
				return putErr
			}
			adjusted[i] = stored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bulk adjustment failed: %w", err)
	}

	observability.FromContext(ctx).Info("bulk margin adjustment applied",
		observability.Decimal("delta", deltaPct),
		observability.String("scope", string(scope)),
		observability.Int("adjusted", len(adjusted)))

	return adjusted, nil
}

// RecordAutoAdjustment moves a tool to newPrice and keeps oldPrice as the
// single revert candidate; a newer adjustment overwrites an older one. It
// returns ErrPriceChanged when the stored price is no longer oldPrice.
func (r *ToolCostRegistry) RecordAutoAdjustment(
	ctx context.Context,
	toolID string,
	oldPrice decimal.Decimal,
	newPrice decimal.Decimal,
	reason AdjustmentReason,
) (ToolCost, error) {
	return r.update(ctx, toolID, func(tool *ToolCost, _ PricingSettings) error {
		if !tool.CreditPrice.Equal(oldPrice) {
			return fmt.Errorf("%w: tool %s is at %s, expected %s", ErrPriceChanged, toolID, tool.CreditPrice, oldPrice)
		}
		tool.CreditPrice = newPrice
		tool.LastAutoAdjustment = &AutoAdjustment{
			OldPrice: oldPrice,
			NewPrice: newPrice,
			Reason:   reason,
			At:       r.now(),
		}
		return nil
	})
}

// RevertLastAdjustment restores the price in force before the last automatic change.
func (r *ToolCostRegistry) RevertLastAdjustment(ctx context.Context, toolID string) (ToolCost, error) {
	return r.update(ctx, toolID, func(tool *ToolCost, _ PricingSettings) error {
		if tool.LastAutoAdjustment == nil {
			return ErrNothingToRevert
		}
		tool.CreditPrice = tool.LastAutoAdjustment.OldPrice
		tool.LastAutoAdjustment = nil
		return nil
	})
}

// SeedCatalog stores the given tools priced at their target margin when the
// registry is empty. It returns the number of tools written.
func (r *ToolCostRegistry) SeedCatalog(ctx context.Context, tools []ToolCost) (int, error) {
	existing, err := r.store.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tools: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for _, tool := range tools {
		if _, err := r.Upsert(ctx, tool); err != nil {
			return 0, fmt.Errorf("failed to seed tool %s: %w", tool.ToolID, err)
		}
	}
	return len(tools), nil
}

func (r *ToolCostRegistry) update(
	ctx context.Context,
	toolID string,
	mutate func(tool *ToolCost, settings PricingSettings) error,
) (ToolCost, error) {
	if toolID == "" {
		return ToolCost{}, validationf("tool id cannot be empty")
	}

	settings, err := r.settings.Current(ctx)
	if err != nil {
		return ToolCost{}, err
	}

	unlock := r.locks.Lock(toolID)
	defer unlock()

	tool, err := r.store.GetTool(ctx, toolID)
	if err != nil {
		return ToolCost{}, err
	}

	if err := mutate(&tool, settings); err != nil {
		return ToolCost{}, err
	}

	return r.put(ctx, tool)
}

func (r *ToolCostRegistry) put(ctx context.Context, tool ToolCost) (ToolCost, error) {
	tool.UpdatedAt = r.now()
	if err := r.store.PutTool(ctx, tool); err != nil {
		return ToolCost{}, fmt.Errorf("failed to store tool %s: %w", tool.ToolID, err)
	}
	return tool, nil
}

// keyedMutex serialises read-modify-write cycles per key without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
