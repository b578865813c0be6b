package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/davidbz/creditgate/internal/config"
	"github.com/davidbz/creditgate/internal/domain"
)

type globalFlags struct {
	rate   string
	unit   string
	asJSON bool
}

func newRootCmd() *cobra.Command {
	defaults := config.Load().Pricing
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Preview credit prices and margins",
		Long:          "creditctl computes credit prices, margins and the seed catalog with the pricing policy configured for the server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&flags.rate, "rate", defaults.DefaultExchangeRate.String(), "USD to local currency exchange rate")
	rootCmd.PersistentFlags().StringVar(&flags.unit, "unit", defaults.DefaultCreditUnit.String(), "Local currency value of one credit")
	rootCmd.PersistentFlags().BoolVar(&flags.asJSON, "json", false, "Render JSON output")

	calculator := domain.NewPriceCalculator(defaults.Policy())

	rootCmd.AddCommand(
		newQuoteCmd(calculator, flags),
		newMarginCmd(calculator, flags),
		newCatalogCmd(calculator, flags),
	)

	return rootCmd
}

// settings builds the pricing settings from the persistent flags.
func (f *globalFlags) settings() (domain.PricingSettings, error) {
	rate, err := parseDecimal("rate", f.rate)
	if err != nil {
		return domain.PricingSettings{}, err
	}
	unit, err := parseDecimal("unit", f.unit)
	if err != nil {
		return domain.PricingSettings{}, err
	}
	return domain.PricingSettings{
		ExchangeRate: domain.ExchangeRate{Rate: rate, Source: "flag"},
		CreditUnit:   domain.CreditUnitValue{Value: unit},
	}, nil
}

func parseDecimal(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, value, err)
	}
	return d, nil
}

func renderJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
