package domain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/creditgate/internal/catalog"
	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/storage/memory"
)

func newRegistry(t *testing.T, tools ...domain.ToolCost) *domain.ToolCostRegistry {
	t.Helper()
	registry := domain.NewToolCostRegistry(
		memory.NewStore(),
		domain.NewPriceCalculator(testPolicy()),
		staticSettings{settings: testSettings("5", "1")},
	)
	for _, tool := range tools {
		_, err := registry.Upsert(context.Background(), tool)
		require.NoError(t, err)
	}
	return registry
}

func sampleTool(id string) domain.ToolCost {
	return domain.ToolCost{
		ToolID:       id,
		Name:         "Tool " + id,
		CostUSD:      dec("1"),
		BillingType:  domain.BillingExecution,
		TargetMargin: dec("100"),
		AutoAdjust:   true,
	}
}

func TestToolCostRegistry_Upsert(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)

	stored, err := registry.Upsert(ctx, sampleTool("a"))
	require.NoError(t, err)
	require.True(t, dec("10").Equal(stored.CreditPrice), "price derived from the target margin")
	require.True(t, dec("10").Equal(stored.TriggerThreshold), "default threshold applied")
	require.True(t, stored.Active)

	_, err = registry.SetActive(ctx, "a", false)
	require.NoError(t, err)
	_, err = registry.RecordAutoAdjustment(ctx, "a", dec("10"), dec("11"), domain.ReasonMarginDrop)
	require.NoError(t, err)

	update := sampleTool("a")
	update.Name = "Renamed"
	update.CreditPrice = dec("12")
	stored, err = registry.Upsert(ctx, update)
	require.NoError(t, err)
	require.Equal(t, "Renamed", stored.Name)
	require.True(t, dec("12").Equal(stored.CreditPrice), "an explicit price is kept")
	require.False(t, stored.Active, "activation survives an upsert")
	require.NotNil(t, stored.LastAutoAdjustment, "pending adjustment survives an upsert")

	bad := sampleTool("b")
	bad.TargetMargin = dec("20")
	_, err = registry.Upsert(ctx, bad)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = registry.Get(ctx, "")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = registry.Get(ctx, "b")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestToolCostRegistry_ManualEdits(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		edit       func(r *domain.ToolCostRegistry) (domain.ToolCost, error)
		wantMargin string
		wantPrice  string
	}{
		{
			name:       "margin edit reprices",
			edit:       func(r *domain.ToolCostRegistry) (domain.ToolCost, error) { return r.SetMargin(ctx, "a", dec("50")) },
			wantMargin: "50",
			wantPrice:  "7.5",
		},
		{
			name:       "margin under the floor is clamped",
			edit:       func(r *domain.ToolCostRegistry) (domain.ToolCost, error) { return r.SetMargin(ctx, "a", dec("5")) },
			wantMargin: "30",
			wantPrice:  "6.5",
		},
		{
			name:       "price edit back-computes the margin",
			edit:       func(r *domain.ToolCostRegistry) (domain.ToolCost, error) { return r.SetPrice(ctx, "a", dec("8")) },
			wantMargin: "60",
			wantPrice:  "8",
		},
		{
			name:       "price under the floor is replaced by the floor price",
			edit:       func(r *domain.ToolCostRegistry) (domain.ToolCost, error) { return r.SetPrice(ctx, "a", dec("5.5")) },
			wantMargin: "30",
			wantPrice:  "6.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newRegistry(t, sampleTool("a"))

			tool, err := tt.edit(registry)

			require.NoError(t, err)
			require.True(t, dec(tt.wantMargin).Equal(tool.TargetMargin), "margin %s", tool.TargetMargin)
			require.True(t, dec(tt.wantPrice).Equal(tool.CreditPrice), "price %s", tool.CreditPrice)

			stored, err := registry.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, tool.CreditPrice.Equal(stored.CreditPrice))
		})
	}
}

func TestToolCostRegistry_RevertLastAdjustment(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, sampleTool("a"))

	_, err := registry.RevertLastAdjustment(ctx, "a")
	require.ErrorIs(t, err, domain.ErrNothingToRevert)

	_, err = registry.RecordAutoAdjustment(ctx, "a", dec("10"), dec("11"), domain.ReasonMarginDrop)
	require.NoError(t, err)
	adjusted, err := registry.RecordAutoAdjustment(ctx, "a", dec("11"), dec("12"), domain.ReasonMarginDrop)
	require.NoError(t, err)
	require.True(t, dec("11").Equal(adjusted.LastAutoAdjustment.OldPrice), "only the latest adjustment is kept")

	reverted, err := registry.RevertLastAdjustment(ctx, "a")
	require.NoError(t, err)
	require.True(t, dec("11").Equal(reverted.CreditPrice))
	require.Nil(t, reverted.LastAutoAdjustment)
	require.True(t, dec("100").Equal(reverted.TargetMargin))

	_, err = registry.RevertLastAdjustment(ctx, "a")
	require.ErrorIs(t, err, domain.ErrNothingToRevert)
}

func TestToolCostRegistry_RecordAutoAdjustmentRejectsStalePrice(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, sampleTool("a"))

	_, err := registry.SetPrice(ctx, "a", dec("15"))
	require.NoError(t, err)

	_, err = registry.RecordAutoAdjustment(ctx, "a", dec("10"), dec("12"), domain.ReasonMarginDrop)
	require.ErrorIs(t, err, domain.ErrPriceChanged)

	tool, err := registry.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, dec("15").Equal(tool.CreditPrice))
	require.Nil(t, tool.LastAutoAdjustment)
}

func TestToolCostRegistry_BulkAdjust(t *testing.T) {
	ctx := context.Background()
	critical := sampleTool("critical")
	critical.TargetMargin = dec("35")
	registry := newRegistry(t, sampleTool("healthy"), critical)

	adjusted, err := registry.BulkAdjust(ctx, dec("5"), domain.ScopeCritical)
	require.NoError(t, err)
	require.Len(t, adjusted, 1)

	stored, err := registry.Get(ctx, "critical")
	require.NoError(t, err)
	require.True(t, dec("40").Equal(stored.TargetMargin))
	require.True(t, dec("7").Equal(stored.CreditPrice))

	healthy, err := registry.Get(ctx, "healthy")
	require.NoError(t, err)
	require.True(t, dec("100").Equal(healthy.TargetMargin))
}

func TestToolCostRegistry_SeedCatalog(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)

	seeded, err := registry.SeedCatalog(ctx, catalog.Tools())
	require.NoError(t, err)
	require.Equal(t, len(catalog.Tools()), seeded)

	again, err := registry.SeedCatalog(ctx, catalog.Tools())
	require.NoError(t, err)
	require.Zero(t, again)

	tools, err := registry.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, tools, seeded)
	for _, tool := range tools {
		require.True(t, tool.CreditPrice.IsPositive(), tool.ToolID)
		require.True(t, tool.Active, tool.ToolID)
	}
}
