package openai

const tokensPerMillion = 1_000_000.0

// tokenPrice is the list price in USD per million tokens.
type tokenPrice struct {
	Input  float64
	Output float64
}

//nolint:gochecknoglobals // Static price list.
var tokenPrices = map[string]tokenPrice{
	"gpt-4o":        {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":   {Input: 0.15, Output: 0.60},
	"gpt-4.1":       {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":  {Input: 0.40, Output: 1.60},
	"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
	"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
}

// usageCostUSD estimates the provider-side cost of a call. Unknown models cost zero.
func usageCostUSD(model string, promptTokens, completionTokens int64) float64 {
	price, ok := tokenPrices[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/tokensPerMillion*price.Input +
		float64(completionTokens)/tokensPerMillion*price.Output
}
