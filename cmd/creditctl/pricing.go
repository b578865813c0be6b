package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davidbz/creditgate/internal/catalog"
	"github.com/davidbz/creditgate/internal/domain"
)

func newQuoteCmd(calculator *domain.PriceCalculator, flags *globalFlags) *cobra.Command {
	var cost, margin string

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a USD cost at a target margin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := flags.settings()
			if err != nil {
				return err
			}
			tool, err := adHocTool(cost, margin)
			if err != nil {
				return err
			}

			tool.CreditPrice, err = calculator.PriceTool(tool, settings)
			if err != nil {
				return err
			}
			return printQuote(cmd, calculator, tool, settings, flags.asJSON)
		},
	}

	cmd.Flags().StringVar(&cost, "cost", "", "Provider cost in USD")
	cmd.Flags().StringVar(&margin, "margin", catalog.DefaultTargetMargin.String(), "Target margin in percent")
	_ = cmd.MarkFlagRequired("cost")

	return cmd
}

func newMarginCmd(calculator *domain.PriceCalculator, flags *globalFlags) *cobra.Command {
	var cost, price string

	cmd := &cobra.Command{
		Use:   "margin",
		Short: "Compute the margin a credit price yields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := flags.settings()
			if err != nil {
				return err
			}
			tool, err := adHocTool(cost, "0")
			if err != nil {
				return err
			}
			tool.CreditPrice, err = parseDecimal("price", price)
			if err != nil {
				return err
			}
			return printQuote(cmd, calculator, tool, settings, flags.asJSON)
		},
	}

	cmd.Flags().StringVar(&cost, "cost", "", "Provider cost in USD")
	cmd.Flags().StringVar(&price, "price", "", "Credit price")
	_ = cmd.MarkFlagRequired("cost")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}

func newCatalogCmd(calculator *domain.PriceCalculator, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the seed catalog priced at its target margins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := flags.settings()
			if err != nil {
				return err
			}

			tools := catalog.Tools()
			quotes := make([]domain.Quote, 0, len(tools))
			for _, tool := range tools {
				tool.CreditPrice, err = calculator.PriceTool(tool, settings)
				if err != nil {
					return fmt.Errorf("tool %s: %w", tool.ToolID, err)
				}
				quote, err := calculator.Quote(tool, settings)
				if err != nil {
					return fmt.Errorf("tool %s: %w", tool.ToolID, err)
				}
				quotes = append(quotes, quote)
			}

			if flags.asJSON {
				return renderJSON(cmd.OutOrStdout(), quotes)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tCOST\tPRICE\tMARGIN")
			for _, q := range quotes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s%%\n", q.ToolID, q.CostBRL.StringFixed(4), q.CreditPrice.StringFixed(2), q.Margin.StringFixed(2))
			}
			return w.Flush()
		},
	}
}

func adHocTool(cost, margin string) (domain.ToolCost, error) {
	costUSD, err := parseDecimal("cost", cost)
	if err != nil {
		return domain.ToolCost{}, err
	}
	target, err := parseDecimal("margin", margin)
	if err != nil {
		return domain.ToolCost{}, err
	}
	return domain.ToolCost{CostUSD: costUSD, TargetMargin: target}, nil
}

func printQuote(cmd *cobra.Command, calculator *domain.PriceCalculator, tool domain.ToolCost, settings domain.PricingSettings, asJSON bool) error {
	quote, err := calculator.Quote(tool, settings)
	if err != nil {
		return err
	}
	if asJSON {
		return renderJSON(cmd.OutOrStdout(), quote)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cost:     %s\n", quote.CostBRL.StringFixed(4))
	fmt.Fprintf(out, "price:    %s credits\n", quote.CreditPrice.StringFixed(2))
	fmt.Fprintf(out, "revenue:  %s\n", quote.RevenueBRL.StringFixed(4))
	fmt.Fprintf(out, "profit:   %s\n", quote.ProfitBRL.StringFixed(4))
	fmt.Fprintf(out, "margin:   %s%%\n", quote.Margin.StringFixed(2))
	if quote.Critical {
		fmt.Fprintln(out, "warning:  margin is below the critical threshold")
	}
	return nil
}
