package awesomeapi

// Config contains the exchange rate client settings.
//   - BaseURL: API root, the quote path is appended
//   - Pair: currency pair in the API's "USD-BRL" form
//   - Timeout: HTTP timeout in seconds
//   - MinInterval: minimum seconds between upstream calls
type Config struct {
	BaseURL     string `env:"EXCHANGE_RATE_BASE_URL"     envDefault:"https://economia.awesomeapi.com.br"`
	Pair        string `env:"EXCHANGE_RATE_PAIR"         envDefault:"USD-BRL"`
	Timeout     int    `env:"EXCHANGE_RATE_TIMEOUT"      envDefault:"10"`
	MinInterval int    `env:"EXCHANGE_RATE_MIN_INTERVAL" envDefault:"60"`
}
