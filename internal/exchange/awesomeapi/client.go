// Package awesomeapi fetches the live USD quote from the AwesomeAPI economy
// service.
package awesomeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/davidbz/creditgate/internal/domain"
)

// SourceName identifies rates fetched by this client.
const SourceName = "awesomeapi"

const maxBodyBytes = 64 << 10

// quote is one entry of the /json/last response, keyed by the pair without dash.
type quote struct {
	Code      string `json:"code"`
	Codein    string `json:"codein"`
	Bid       string `json:"bid"`
	Timestamp string `json:"timestamp"`
}

// Client implements domain.RateSource.
type Client struct {
	baseURL    string
	pair       string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu   sync.Mutex
	last *domain.ExchangeRate
}

// NewClient creates a rate client (DI constructor).
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("exchange rate config cannot be nil")
	}
	if cfg.BaseURL == "" || !strings.Contains(cfg.Pair, "-") {
		return nil, fmt.Errorf("invalid exchange rate config: base url %q, pair %q", cfg.BaseURL, cfg.Pair)
	}

	interval := time.Duration(cfg.MinInterval) * time.Second
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		pair:       cfg.Pair,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

// FetchRate returns the current bid. Calls made faster than the configured
// interval reuse the last successful quote.
func (c *Client) FetchRate(ctx context.Context) (domain.ExchangeRate, error) {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()

	if !c.limiter.Allow() {
		if last != nil {
			return *last, nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.ExchangeRate{}, fmt.Errorf("rate limited: %w", err)
		}
	}

	fetched, err := c.fetch(ctx)
	if err != nil {
		return domain.ExchangeRate{}, err
	}

	c.mu.Lock()
	c.last = &fetched
	c.mu.Unlock()

	return fetched, nil
}

func (c *Client) fetch(ctx context.Context) (domain.ExchangeRate, error) {
	url := fmt.Sprintf("%s/json/last/%s", c.baseURL, c.pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ExchangeRate{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ExchangeRate{}, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.ExchangeRate{}, fmt.Errorf("read quote: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ExchangeRate{}, fmt.Errorf("quote request failed with status %d", resp.StatusCode)
	}

	var payload map[string]quote
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.ExchangeRate{}, fmt.Errorf("decode quote: %w", err)
	}

	q, ok := payload[strings.ReplaceAll(c.pair, "-", "")]
	if !ok {
		return domain.ExchangeRate{}, fmt.Errorf("quote for %s missing from response", c.pair)
	}

	bid, err := decimal.NewFromString(q.Bid)
	if err != nil {
		return domain.ExchangeRate{}, fmt.Errorf("parse bid %q: %w", q.Bid, err)
	}
	if !bid.IsPositive() {
		return domain.ExchangeRate{}, fmt.Errorf("non-positive bid %s", bid)
	}

	return domain.ExchangeRate{
		Rate:      bid,
		Source:    SourceName,
		FetchedAt: time.Now(),
	}, nil
}
