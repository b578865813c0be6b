package domain

import (
	"github.com/shopspring/decimal"
)

const pricePlaces int32 = 2

//nolint:gochecknoglobals // Immutable decimal constants.
var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// PricingPolicy holds the business limits applied by the calculator.
type PricingPolicy struct {
	// MinMargin is the absolute margin floor in percent.
	MinMargin decimal.Decimal
	// CriticalMargin marks tools that qualify for critical-only bulk adjustments.
	CriticalMargin decimal.Decimal
	// DefaultTriggerThreshold is used when a tool does not set its own.
	DefaultTriggerThreshold decimal.Decimal
}

// AdjustScope selects which tools a bulk adjustment touches.
type AdjustScope string

const (
	ScopeAll      AdjustScope = "all"
	ScopeCritical AdjustScope = "critical"
)

// Quote is the full price breakdown for a tool at the given settings.
type Quote struct {
	ToolID      string          `json:"tool_id,omitempty"`
	CostBRL     decimal.Decimal `json:"cost_brl"`
	CreditPrice decimal.Decimal `json:"credit_price"`
	RevenueBRL  decimal.Decimal `json:"revenue_brl"`
	ProfitBRL   decimal.Decimal `json:"profit_brl"`
	Margin      decimal.Decimal `json:"margin"`
	Critical    bool            `json:"critical"`
}

// PriceCalculator converts between USD cost, margin and credit price.
// It has no state beyond its policy and performs no I/O.
type PriceCalculator struct {
	policy PricingPolicy
}

// NewPriceCalculator creates a calculator bound to a pricing policy.
func NewPriceCalculator(policy PricingPolicy) *PriceCalculator {
	return &PriceCalculator{policy: policy}
}

// Policy returns the calculator's limits.
func (c *PriceCalculator) Policy() PricingPolicy {
	return c.policy
}

// ClampMargin raises margin to the configured floor.
func (c *PriceCalculator) ClampMargin(margin decimal.Decimal) decimal.Decimal {
	return decimal.Max(margin, c.policy.MinMargin)
}

// PriceFromMargin returns the credit price that yields marginPct over the BRL cost,
// rounded up to the cent of a credit. Margins under the floor are clamped first.
func (c *PriceCalculator) PriceFromMargin(costUSD, rate, marginPct, unitValue decimal.Decimal) (decimal.Decimal, error) {
	if err := validatePricingInputs(costUSD, rate, unitValue); err != nil {
		return decimal.Zero, err
	}

	margin := c.ClampMargin(marginPct)
	costBRL := costUSD.Mul(rate)
	gross := costBRL.Mul(one.Add(margin.Div(hundred)))

	return gross.Div(unitValue).RoundCeil(pricePlaces), nil
}

// MarginFromPrice is the inverse of PriceFromMargin.
func (c *PriceCalculator) MarginFromPrice(costUSD, rate, creditPrice, unitValue decimal.Decimal) (decimal.Decimal, error) {
	if err := validatePricingInputs(costUSD, rate, unitValue); err != nil {
		return decimal.Zero, err
	}
	if creditPrice.IsNegative() {
		return decimal.Zero, validationf("credit price must not be negative")
	}

	costBRL := costUSD.Mul(rate)
	if !costBRL.IsPositive() {
		return decimal.Zero, validationf("margin is undefined for a zero cost")
	}

	revenue := creditPrice.Mul(unitValue)
	return revenue.Sub(costBRL).Div(costBRL).Mul(hundred), nil
}

// PriceTool prices a tool at its target margin.
func (c *PriceCalculator) PriceTool(tool ToolCost, settings PricingSettings) (decimal.Decimal, error) {
	return c.PriceFromMargin(tool.CostUSD, settings.ExchangeRate.Rate, tool.TargetMargin, settings.CreditUnit.Value)
}

// CurrentMargin is the margin the tool's current price yields under settings.
func (c *PriceCalculator) CurrentMargin(tool ToolCost, settings PricingSettings) (decimal.Decimal, error) {
	return c.MarginFromPrice(tool.CostUSD, settings.ExchangeRate.Rate, tool.CreditPrice, settings.CreditUnit.Value)
}

// Quote breaks down the economics of a tool's current price.
func (c *PriceCalculator) Quote(tool ToolCost, settings PricingSettings) (Quote, error) {
	if err := validatePricingInputs(tool.CostUSD, settings.ExchangeRate.Rate, settings.CreditUnit.Value); err != nil {
		return Quote{}, err
	}

	costBRL := tool.CostUSD.Mul(settings.ExchangeRate.Rate)
	revenue := tool.CreditPrice.Mul(settings.CreditUnit.Value)

	q := Quote{
		ToolID:      tool.ToolID,
		CostBRL:     costBRL.Round(4),
		CreditPrice: tool.CreditPrice,
		RevenueBRL:  revenue.Round(4),
		ProfitBRL:   revenue.Sub(costBRL).Round(4),
	}

	if costBRL.IsPositive() {
		margin, err := c.CurrentMargin(tool, settings)
		if err != nil {
			return Quote{}, err
		}
		q.Margin = margin.Round(2)
		q.Critical = margin.LessThan(c.policy.CriticalMargin)
	}

	return q, nil
}

// BulkAdjust adds deltaPct to the target margin of every qualifying tool and
// reprices it. Only the modified copies are returned; the input is not mutated.
func (c *PriceCalculator) BulkAdjust(
	tools []ToolCost,
	deltaPct decimal.Decimal,
	scope AdjustScope,
	settings PricingSettings,
) ([]ToolCost, error) {
	if scope != ScopeAll && scope != ScopeCritical {
		return nil, validationf("unknown adjustment scope %q", scope)
	}

	adjusted := make([]ToolCost, 0, len(tools))
	for _, tool := range tools {
		if scope == ScopeCritical && !tool.TargetMargin.LessThan(c.policy.CriticalMargin) {
			continue
		}

		next := tool
		next.TargetMargin = c.ClampMargin(tool.TargetMargin.Add(deltaPct))

		price, err := c.PriceTool(next, settings)
		if err != nil {
			return nil, err
		}
		next.CreditPrice = price
		adjusted = append(adjusted, next)
	}

	return adjusted, nil
}

// ValidateTool checks a tool definition before it is stored.
func (c *PriceCalculator) ValidateTool(tool ToolCost) error {
	switch {
	case tool.ToolID == "":
		return validationf("tool id is required")
	case tool.CostUSD.IsNegative():
		return validationf("cost must not be negative")
	case !tool.BillingType.Valid():
		return validationf("unknown billing type")
	case tool.TargetMargin.LessThan(c.policy.MinMargin):
		return validationf("target margin %s is below the %s%% floor", tool.TargetMargin, c.policy.MinMargin)
	case tool.CreditPrice.IsNegative():
		return validationf("credit price must not be negative")
	case tool.TriggerThreshold.IsNegative():
		return validationf("trigger threshold must not be negative")
	case tool.UnitChars < 0:
		return validationf("unit chars must not be negative")
	}
	return nil
}

func validatePricingInputs(costUSD, rate, unitValue decimal.Decimal) error {
	switch {
	case costUSD.IsNegative():
		return validationf("cost must not be negative")
	case !rate.IsPositive():
		return validationf("exchange rate must be positive")
	case !unitValue.IsPositive():
		return validationf("credit unit value must be positive")
	}
	return nil
}
