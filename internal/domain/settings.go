package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/observability"
)

const manualRateSource = "manual"

// SettingsService owns the versioned exchange rate and credit unit value.
type SettingsService struct {
	mu       sync.Mutex
	store    SettingsStore
	source   RateSource
	defaults PricingSettings
	now      func() time.Time
}

// NewSettingsService creates a settings service (DI constructor).
// source may be nil, in which case only manual overrides change the rate.
func NewSettingsService(store SettingsStore, source RateSource, defaults PricingSettings) *SettingsService {
	return &SettingsService{
		store:    store,
		source:   source,
		defaults: defaults,
		now:      time.Now,
	}
}

// Current returns the settings in force.
func (s *SettingsService) Current(ctx context.Context) (PricingSettings, error) {
	rate, err := s.currentRate(ctx)
	if err != nil {
		return PricingSettings{}, err
	}

	unit, err := s.currentUnit(ctx)
	if err != nil {
		return PricingSettings{}, err
	}

	return PricingSettings{ExchangeRate: rate, CreditUnit: unit}, nil
}

// RefreshExchangeRate pulls the live rate unless an administrator override is active.
func (s *SettingsService) RefreshExchangeRate(ctx context.Context) (ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentRate(ctx)
	if err != nil {
		return ExchangeRate{}, err
	}

	if current.Overridden || s.source == nil {
		return current, nil
	}

	fetched, err := s.source.FetchRate(ctx)
	if err != nil {
		return current, fmt.Errorf("failed to fetch exchange rate: %w", err)
	}
	if !fetched.Rate.IsPositive() {
		return current, validationf("rate source returned non-positive rate %s", fetched.Rate)
	}
	if fetched.FetchedAt.IsZero() {
		fetched.FetchedAt = s.now()
	}
	fetched.Overridden = false

	if err := s.store.SaveExchangeRate(ctx, fetched); err != nil {
		return current, fmt.Errorf("failed to save exchange rate: %w", err)
	}

	observability.FromContext(ctx).Info("exchange rate refreshed",
		observability.Decimal("old_rate", current.Rate),
		observability.Decimal("new_rate", fetched.Rate),
		observability.String("source", fetched.Source))

	return fetched, nil
}

// OverrideExchangeRate pins the rate until ClearOverride is called.
func (s *SettingsService) OverrideExchangeRate(ctx context.Context, rate decimal.Decimal) (ExchangeRate, error) {
	if !rate.IsPositive() {
		return ExchangeRate{}, validationf("exchange rate must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pinned := ExchangeRate{
		Rate:       rate,
		Source:     manualRateSource,
		FetchedAt:  s.now(),
		Overridden: true,
	}
	if err := s.store.SaveExchangeRate(ctx, pinned); err != nil {
		return ExchangeRate{}, fmt.Errorf("failed to save exchange rate: %w", err)
	}

	return pinned, nil
}

// ClearOverride releases a manual rate and refreshes from the rate source.
func (s *SettingsService) ClearOverride(ctx context.Context) (ExchangeRate, error) {
	s.mu.Lock()
	current, err := s.currentRate(ctx)
	if err == nil && current.Overridden {
		current.Overridden = false
		err = s.store.SaveExchangeRate(ctx, current)
	}
	s.mu.Unlock()

	if err != nil {
		return ExchangeRate{}, fmt.Errorf("failed to clear override: %w", err)
	}

	return s.RefreshExchangeRate(ctx)
}

// SetCreditUnitValue records a new version of the credit unit value.
func (s *SettingsService) SetCreditUnitValue(ctx context.Context, value decimal.Decimal) (CreditUnitValue, error) {
	if !value.IsPositive() {
		return CreditUnitValue{}, validationf("credit unit value must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentUnit(ctx)
	if err != nil {
		return CreditUnitValue{}, err
	}

	next := CreditUnitValue{
		Value:       value,
		Version:     current.Version + 1,
		EffectiveAt: s.now(),
	}
	if err := s.store.AppendCreditUnit(ctx, next); err != nil {
		return CreditUnitValue{}, fmt.Errorf("failed to save credit unit value: %w", err)
	}

	return next, nil
}

// CreditUnitHistory lists every stored credit unit version, oldest first.
func (s *SettingsService) CreditUnitHistory(ctx context.Context) ([]CreditUnitValue, error) {
	history, err := s.store.CreditUnitHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit unit history: %w", err)
	}
	return history, nil
}

func (s *SettingsService) currentRate(ctx context.Context) (ExchangeRate, error) {
	rate, err := s.store.LoadExchangeRate(ctx)
	if err != nil {
		return ExchangeRate{}, fmt.Errorf("failed to load exchange rate: %w", err)
	}
	if rate == nil {
		return s.defaults.ExchangeRate, nil
	}
	return *rate, nil
}

func (s *SettingsService) currentUnit(ctx context.Context) (CreditUnitValue, error) {
	history, err := s.store.CreditUnitHistory(ctx)
	if err != nil {
		return CreditUnitValue{}, fmt.Errorf("failed to load credit unit history: %w", err)
	}
	if len(history) == 0 {
		return s.defaults.CreditUnit, nil
	}
	return history[len(history)-1], nil
}
