package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CompletionRequest represents a unified generative request forwarded to a provider.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Voice       string            `json:"voice,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// CompletionResponse represents a unified provider response.
type CompletionResponse struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Provider    string    `json:"provider"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type,omitempty"`
	Usage       Usage     `json:"usage"`
	FinishTime  time.Time `json:"finish_time"`
}

// Usage tracks provider-side consumption.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Characters       int     `json:"characters,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Account is a payer whose balance is mutated only through ledger transactions.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Unlimited bool            `json:"unlimited"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EntryType tags the reason a ledger entry exists.
type EntryType string

const (
	EntryUsage      EntryType = "usage"
	EntryPurchase   EntryType = "purchase"
	EntryRefund     EntryType = "refund"
	EntryAdjustment EntryType = "adjustment"
)

// LedgerEntry is an immutable record of one balance change.
type LedgerEntry struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Amount            decimal.Decimal `json:"amount"`
	Type              EntryType       `json:"type"`
	ToolID            string          `json:"tool_id,omitempty"`
	Description       string          `json:"description"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	RefundOf          string          `json:"refund_of,omitempty"`
	CreditPrice       decimal.Decimal `json:"credit_price"`
	Quantity          int64           `json:"quantity"`
	CreditUnitVersion int64           `json:"credit_unit_version"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	CreatedAt         time.Time       `json:"created_at"`
}

// AdjustmentReason explains an automatic price change.
type AdjustmentReason string

const (
	ReasonMarginDrop     AdjustmentReason = "margin_drop"
	ReasonMarginRecovery AdjustmentReason = "margin_recovery"
)

// AutoAdjustment is the revert candidate left by the last automatic price change.
type AutoAdjustment struct {
	OldPrice decimal.Decimal  `json:"old_price"`
	NewPrice decimal.Decimal  `json:"new_price"`
	Reason   AdjustmentReason `json:"reason"`
	At       time.Time        `json:"at"`
}

// ToolCost describes one billable capability and its current pricing state.
type ToolCost struct {
	ToolID             string          `json:"tool_id"`
	Name               string          `json:"name"`
	Model              string          `json:"model,omitempty"`
	BaseUnit           string          `json:"base_unit,omitempty"`
	// UnitChars, when set, bills one unit per started block of this many payload characters.
	UnitChars          int64           `json:"unit_chars,omitempty"`
	CostUSD            decimal.Decimal `json:"cost_usd"`
	BillingType        BillingType     `json:"billing_type"`
	CreditPrice        decimal.Decimal `json:"credit_price"`
	TargetMargin       decimal.Decimal `json:"target_margin"`
	AutoAdjust         bool            `json:"auto_adjust"`
	TriggerThreshold   decimal.Decimal `json:"trigger_threshold"`
	LastAutoAdjustment *AutoAdjustment `json:"last_auto_adjustment,omitempty"`
	Active             bool            `json:"active"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ExchangeRate is the USD to local currency conversion in force.
type ExchangeRate struct {
	Rate       decimal.Decimal `json:"rate"`
	Source     string          `json:"source"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Overridden bool            `json:"overridden"`
}

// CreditUnitValue is how much local currency one credit is worth. Every change is a new version.
type CreditUnitValue struct {
	Value       decimal.Decimal `json:"value"`
	Version     int64           `json:"version"`
	EffectiveAt time.Time       `json:"effective_at"`
}

// PricingSettings bundles the process-wide pricing inputs.
type PricingSettings struct {
	ExchangeRate ExchangeRate    `json:"exchange_rate"`
	CreditUnit   CreditUnitValue `json:"credit_unit"`
}

// Receipt is the outcome of an approved ledger mutation.
type Receipt struct {
	EntryID    string          `json:"entry_id"`
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Replayed   bool            `json:"replayed,omitempty"`
	// Refunded is reported on replays of usage entries that were refunded since.
	Refunded bool `json:"refunded,omitempty"`
}
