package domain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
	"github.com/davidbz/creditgate/internal/storage/memory"
)

type monitorFixture struct {
	source   *fakeRateSource
	registry *domain.ToolCostRegistry
	events   *recordingEvents
	monitor  *domain.AutoProtectionMonitor
}

// newMonitorFixture prices every tool at rate 5 before the source moves.
func newMonitorFixture(t *testing.T, tools ...domain.ToolCost) monitorFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	source := &fakeRateSource{rate: dec("5")}
	settings := domain.NewSettingsService(store, source, testSettings("5", "1"))
	calculator := domain.NewPriceCalculator(testPolicy())
	registry := domain.NewToolCostRegistry(store, calculator, settings)
	events := &recordingEvents{}

	for _, tool := range tools {
		_, err := registry.Upsert(ctx, tool)
		require.NoError(t, err)
	}

	monitor := domain.NewAutoProtectionMonitor(registry, settings, calculator, events, domain.MonitorConfig{Workers: 2})
	return monitorFixture{source: source, registry: registry, events: events, monitor: monitor}
}

func (f monitorFixture) price(t *testing.T, id string) string {
	t.Helper()
	tool, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return tool.CreditPrice.String()
}

func TestAutoProtectionMonitor_Run(t *testing.T) {
	manual := sampleTool("manual")
	manual.AutoAdjust = false
	free := sampleTool("free")
	free.CostUSD = dec("0")
	free.CreditPrice = dec("1")

	t.Run("should restore the target margin when the rate rises", func(t *testing.T) {
		f := newMonitorFixture(t, sampleTool("auto"), manual, free)
		f.source.set("6")

		report, err := f.monitor.Run(context.Background())

		require.NoError(t, err)
		require.True(t, dec("6").Equal(report.ExchangeRate))
		require.Equal(t, 2, report.Evaluated)

		require.Len(t, report.Adjusted, 1)
		require.Equal(t, "auto", report.Adjusted[0].ToolID)
		require.True(t, dec("12").Equal(report.Adjusted[0].NewPrice))
		require.Equal(t, "12", f.price(t, "auto"))

		tool, err := f.registry.Get(context.Background(), "auto")
		require.NoError(t, err)
		require.Equal(t, domain.ReasonMarginDrop, tool.LastAutoAdjustment.Reason)
		require.True(t, dec("10").Equal(tool.LastAutoAdjustment.OldPrice))

		require.Len(t, report.Flagged, 1)
		require.Equal(t, "manual", report.Flagged[0].ToolID)
		require.Equal(t, domain.HealthDrifting, report.Flagged[0].State)
		require.Equal(t, "10", f.price(t, "manual"), "tools without auto-adjust are only flagged")

		require.Len(t, f.events.OfType(observability.EventPriceAutoAdjusted), 1)
		require.Len(t, f.events.OfType(observability.EventMarginDrift), 1)
	})

	t.Run("should lower the price when the margin recovers", func(t *testing.T) {
		f := newMonitorFixture(t, sampleTool("auto"))
		f.source.set("4")

		report, err := f.monitor.Run(context.Background())

		require.NoError(t, err)
		require.Len(t, report.Adjusted, 1)
		require.Equal(t, "8", f.price(t, "auto"))

		tool, err := f.registry.Get(context.Background(), "auto")
		require.NoError(t, err)
		require.Equal(t, domain.ReasonMarginRecovery, tool.LastAutoAdjustment.Reason)
	})

	t.Run("should ignore drift within the threshold", func(t *testing.T) {
		f := newMonitorFixture(t, sampleTool("auto"))
		f.source.set("5.2")

		report, err := f.monitor.Run(context.Background())

		require.NoError(t, err)
		require.Empty(t, report.Adjusted)
		require.Empty(t, report.Flagged)
		require.Equal(t, "10", f.price(t, "auto"))
	})

	t.Run("should skip inactive tools", func(t *testing.T) {
		f := newMonitorFixture(t, sampleTool("auto"))
		_, err := f.registry.SetActive(context.Background(), "auto", false)
		require.NoError(t, err)
		f.source.set("6")

		report, err := f.monitor.Run(context.Background())

		require.NoError(t, err)
		require.Zero(t, report.Evaluated)
		require.Equal(t, "10", f.price(t, "auto"))
	})

	t.Run("should allow reverting an automatic change", func(t *testing.T) {
		f := newMonitorFixture(t, sampleTool("auto"))
		f.source.set("6")

		_, err := f.monitor.Run(context.Background())
		require.NoError(t, err)

		reverted, err := f.registry.RevertLastAdjustment(context.Background(), "auto")
		require.NoError(t, err)
		require.Equal(t, "10", reverted.CreditPrice.String())
	})

	t.Run("should keep using the stored rate when the refresh fails", func(t *testing.T) {
		f := newMonitorFixture(t, sampleTool("auto"))
		f.source.err = errFakeUpstream

		report, err := f.monitor.Run(context.Background())

		require.NoError(t, err)
		require.True(t, dec("5").Equal(report.ExchangeRate))
		require.Empty(t, report.Adjusted)
	})
}

// editingToolStore applies edit right after the tool list is read, the way an
// admin edit lands while a monitor pass is evaluating its snapshot.
type editingToolStore struct {
	*memory.Store
	edit func()
}

func (s *editingToolStore) ListTools(ctx context.Context) ([]domain.ToolCost, error) {
	tools, err := s.Store.ListTools(ctx)
	if err == nil && s.edit != nil {
		s.edit()
		s.edit = nil
	}
	return tools, err
}

func TestAutoProtectionMonitor_SkipsToolsEditedDuringThePass(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := &fakeRateSource{rate: dec("5")}
	settings := domain.NewSettingsService(store, source, testSettings("5", "1"))
	calculator := domain.NewPriceCalculator(testPolicy())
	tools := &editingToolStore{Store: store}
	registry := domain.NewToolCostRegistry(tools, calculator, settings)

	_, err := registry.Upsert(ctx, sampleTool("auto"))
	require.NoError(t, err)

	tools.edit = func() {
		_, editErr := registry.SetPrice(ctx, "auto", dec("15"))
		require.NoError(t, editErr)
	}
	source.set("6")

	monitor := domain.NewAutoProtectionMonitor(registry, settings, calculator, &recordingEvents{}, domain.MonitorConfig{Workers: 1})
	report, err := monitor.Run(ctx)

	require.NoError(t, err)
	require.Empty(t, report.Adjusted)

	tool, err := registry.Get(ctx, "auto")
	require.NoError(t, err)
	require.True(t, dec("15").Equal(tool.CreditPrice), "the manual price stays in force")
	require.Nil(t, tool.LastAutoAdjustment)
}
