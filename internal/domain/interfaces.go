package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider represents any external generative or voice service.
type Provider interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels lists the models known up front, used to build routing indexes.
	SupportedModels(ctx context.Context) []string
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// GetByModel retrieves the provider serving a model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// EventPublisher publishes events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

// Router determines which provider to use for a request.
type Router interface {
	// Route selects a provider based on request criteria.
	Route(ctx context.Context, req *RouteRequest) (string, error)
}

// RouteRequest contains criteria for provider selection.
type RouteRequest struct {
	Model string
}

// LedgerTx is the view of one account inside an atomic ledger unit.
// Post is the only write: the new balance and its entry are staged together
// and become visible together when the enclosing WithAccount returns nil.
type LedgerTx interface {
	// Account returns the account as seen by this transaction, including staged posts.
	Account() Account

	// EntryByIdempotencyKey returns the entry previously written with key, or nil.
	EntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)

	// Entry loads an entry belonging to this account.
	Entry(ctx context.Context, entryID string) (LedgerEntry, error)

	// RefundOf returns the refund entry referencing entryID, or nil.
	RefundOf(ctx context.Context, entryID string) (*LedgerEntry, error)

	// Post stages a balance change together with the entry that explains it.
	Post(newBalance decimal.Decimal, entry LedgerEntry) error
}

// LedgerStore persists accounts and their append-only entry log.
type LedgerStore interface {
	// WithAccount runs fn atomically against one account. Staged posts are
	// discarded if fn returns an error. Implementations return
	// ErrTransactionConflict when a concurrent writer won the race.
	WithAccount(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error

	// CreateAccount inserts an account together with the entries that explain
	// its opening balance, all or nothing. The entries must sum to the balance.
	CreateAccount(ctx context.Context, account Account, opening ...LedgerEntry) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetEntry(ctx context.Context, entryID string) (LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
}

// ToolCostStore is the document-store view of the tool catalog.
type ToolCostStore interface {
	GetTool(ctx context.Context, toolID string) (ToolCost, error)
	ListTools(ctx context.Context) ([]ToolCost, error)
	PutTool(ctx context.Context, tool ToolCost) error
}

// SettingsStore persists the versioned pricing settings.
type SettingsStore interface {
	LoadExchangeRate(ctx context.Context) (*ExchangeRate, error)
	SaveExchangeRate(ctx context.Context, rate ExchangeRate) error
	CreditUnitHistory(ctx context.Context) ([]CreditUnitValue, error)
	AppendCreditUnit(ctx context.Context, value CreditUnitValue) error
}

// RateSource fetches the live USD exchange rate.
type RateSource interface {
	FetchRate(ctx context.Context) (ExchangeRate, error)
}

// SettingsProvider exposes the pricing settings in force.
type SettingsProvider interface {
	Current(ctx context.Context) (PricingSettings, error)
}
