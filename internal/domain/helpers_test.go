package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/storage/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPolicy() domain.PricingPolicy {
	return domain.PricingPolicy{
		MinMargin:               decimal.NewFromInt(30),
		CriticalMargin:          decimal.NewFromInt(40),
		DefaultTriggerThreshold: decimal.NewFromInt(10),
	}
}

func testSettings(rate, unit string) domain.PricingSettings {
	return domain.PricingSettings{
		ExchangeRate: domain.ExchangeRate{Rate: dec(rate), Source: "test"},
		CreditUnit:   domain.CreditUnitValue{Value: dec(unit)},
	}
}

// staticSettings serves fixed pricing settings.
type staticSettings struct {
	settings domain.PricingSettings
}

func (s staticSettings) Current(context.Context) (domain.PricingSettings, error) {
	return s.settings, nil
}

type ledgerFixture struct {
	store  *memory.Store
	tools  *domain.ToolCostRegistry
	ledger *domain.CreditLedger
}

// newLedgerFixture builds a ledger over the memory store with one tool per
// price in prices, named "tool-<price>".
func newLedgerFixture(t *testing.T, prices ...string) ledgerFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	settings := staticSettings{settings: testSettings("5", "1")}
	calculator := domain.NewPriceCalculator(testPolicy())
	tools := domain.NewToolCostRegistry(store, calculator, settings)

	for _, price := range prices {
		_, err := tools.Upsert(ctx, domain.ToolCost{
			ToolID:       "tool-" + price,
			Name:         "Tool " + price,
			Model:        "test-model",
			CostUSD:      dec("0.001"),
			BillingType:  domain.BillingExecution,
			CreditPrice:  dec(price),
			TargetMargin: decimal.NewFromInt(100),
		})
		require.NoError(t, err)
	}

	ledger := domain.NewCreditLedger(store, tools, settings, domain.LedgerConfig{MaxRetries: 3})
	return ledgerFixture{store: store, tools: tools, ledger: ledger}
}

func (f ledgerFixture) open(t *testing.T, id, balance string) {
	t.Helper()
	_, err := f.ledger.OpenAccount(context.Background(), domain.OpenAccountRequest{
		AccountID:      id,
		InitialBalance: dec(balance),
	})
	require.NoError(t, err)
}

// requireBalanceMatchesEntries checks that the stored balance equals the sum of the entry log.
func (f ledgerFixture) requireBalanceMatchesEntries(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()

	account, err := f.store.GetAccount(ctx, id)
	require.NoError(t, err)
	entries, err := f.store.ListEntries(ctx, id, 0)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	require.True(t, sum.Equal(account.Balance), "entries sum %s, balance %s", sum, account.Balance)
}

// fakeProvider is a handwritten Provider whose Complete behaviour is injectable.
type fakeProvider struct {
	name         string
	models       []string
	mu           sync.Mutex
	calls        int
	completeFunc func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error)
}

func (p *fakeProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}
	return &domain.CompletionResponse{
		ID:         "resp-1",
		Model:      req.Model,
		Provider:   p.name,
		Content:    "ok",
		FinishTime: time.Now(),
	}, nil
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) IsModelSupported(_ context.Context, model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *fakeProvider) SupportedModels(context.Context) []string { return p.models }

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// singleProvider is a registry and router that always resolves to one provider.
type singleProvider struct {
	provider domain.Provider
}

func (s singleProvider) Register(context.Context, domain.Provider) error { return nil }

func (s singleProvider) Get(_ context.Context, name string) (domain.Provider, error) {
	if s.provider == nil || s.provider.Name() != name {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return s.provider, nil
}

func (s singleProvider) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if s.provider == nil || !s.provider.IsModelSupported(ctx, model) {
		return nil, fmt.Errorf("%w: model %s", domain.ErrProviderNotFound, model)
	}
	return s.provider, nil
}

func (s singleProvider) List(context.Context) ([]string, error) {
	if s.provider == nil {
		return nil, nil
	}
	return []string{s.provider.Name()}, nil
}

func (s singleProvider) Route(ctx context.Context, req *domain.RouteRequest) (string, error) {
	provider, err := s.GetByModel(ctx, req.Model)
	if err != nil {
		return "", err
	}
	return provider.Name(), nil
}

// recordedEvent is one call to recordingEvents.Publish.
type recordedEvent struct {
	Type string
	Data map[string]interface{}
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEvents) Publish(_ context.Context, eventType string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Data: data})
}

func (r *recordingEvents) OfType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// failingRefundLedger delegates charges and fails every refund.
type failingRefundLedger struct {
	domain.Ledger
}

var errLedgerDown = errors.New("ledger unavailable")

func (failingRefundLedger) Refund(context.Context, string, string) (domain.Receipt, error) {
	return domain.Receipt{}, errLedgerDown
}

// conflictingStore loses the first n optimistic races before delegating.
type conflictingStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	attempts  int
}

func (s *conflictingStore) WithAccount(ctx context.Context, accountID string, fn func(tx domain.LedgerTx) error) error {
	s.mu.Lock()
	s.attempts++
	lose := s.conflicts > 0
	if lose {
		s.conflicts--
	}
	s.mu.Unlock()

	if lose {
		return domain.ErrTransactionConflict
	}
	return s.Store.WithAccount(ctx, accountID, fn)
}

func (s *conflictingStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
