package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/observability"
)

const defaultExternalTimeout = 60 * time.Second

// Ledger is the part of the credit ledger the gateway depends on.
type Ledger interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
	Refund(ctx context.Context, entryID string, reason string) (Receipt, error)
}

// GatewayConfig bounds the external call.
type GatewayConfig struct {
	ExternalTimeout time.Duration
}

// InvokeRequest is a paid call to an external provider.
type InvokeRequest struct {
	AccountID      string
	ToolID         string
	Quantity       int64
	IdempotencyKey string
	Completion     *CompletionRequest
}

// InvokeResult is returned when the provider call succeeded.
type InvokeResult struct {
	Response       *CompletionResponse `json:"result"`
	CreditsCharged decimal.Decimal     `json:"credits_charged"`
	EntryID        string              `json:"entry_id"`
	Balance        decimal.Decimal     `json:"balance"`
}

// UsageGateway charges an account before forwarding work to a provider and
// refunds the charge when the provider fails.
type UsageGateway struct {
	ledger   Ledger
	tools    ToolCatalog
	router   Router
	registry ProviderRegistry
	events   EventPublisher
	timeout  time.Duration
}

// NewUsageGateway creates a new usage gateway (DI constructor).
func NewUsageGateway(
	ledger Ledger,
	tools ToolCatalog,
	router Router,
	registry ProviderRegistry,
	events EventPublisher,
	cfg GatewayConfig,
) *UsageGateway {
	timeout := cfg.ExternalTimeout
	if timeout <= 0 {
		timeout = defaultExternalTimeout
	}
	return &UsageGateway{
		ledger:   ledger,
		tools:    tools,
		router:   router,
		registry: registry,
		events:   events,
		timeout:  timeout,
	}
}

// Invoke charges the account, then calls the provider. Insufficient funds are
// returned before any provider call. A provider failure or timeout after the
// charge is compensated with a refund and reported as *ExternalFailureError.
// A retried idempotency key never reaches the provider again.
func (g *UsageGateway) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if req.Completion == nil {
		return nil, validationf("request payload cannot be nil")
	}
	if req.AccountID == "" || req.ToolID == "" {
		return nil, validationf("account id and tool id are required")
	}

	tool, err := g.tools.Get(ctx, req.ToolID)
	if err != nil {
		return nil, err
	}

	completion := *req.Completion
	if completion.Model == "" {
		completion.Model = tool.Model
	}
	if completion.Model == "" {
		return nil, validationf("model is required for tool %s", tool.ToolID)
	}

	ctx = observability.WithModel(ctx, completion.Model)
	logger := observability.FromContext(ctx)

	// Resolve the provider before charging so misconfiguration never bills.
	provider, err := g.resolve(ctx, completion.Model)
	if err != nil {
		return nil, err
	}

	quantity, err := billableQuantity(tool, req)
	if err != nil {
		return nil, err
	}

	receipt, err := g.ledger.Charge(ctx, ChargeRequest{
		AccountID:      req.AccountID,
		ToolID:         req.ToolID,
		Quantity:       quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return nil, replayError(req.IdempotencyKey, receipt)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	response, callErr := provider.Complete(callCtx, &completion)
	if callErr == nil && response == nil {
		callErr = errors.New("provider returned an empty response")
	}
	if callErr != nil {
		logger.Warn("external call failed after charge",
			observability.String("provider", provider.Name()),
			observability.String("entry_id", receipt.EntryID),
			observability.Duration("elapsed", time.Since(started)),
			observability.Error(callErr))
		return nil, g.compensate(ctx, receipt, callErr)
	}

	logger.Info("external call succeeded",
		observability.String("provider", provider.Name()),
		observability.Duration("elapsed", time.Since(started)))

	return &InvokeResult{
		Response:       response,
		CreditsCharged: receipt.Amount.Neg(),
		EntryID:        receipt.EntryID,
		Balance:        receipt.NewBalance,
	}, nil
}

// billableQuantity sizes payload-billed tools from the text sent to the
// provider. Callers may ask for more units than measured, never fewer.
func billableQuantity(tool ToolCost, req InvokeRequest) (int64, error) {
	if tool.UnitChars <= 0 {
		return req.Quantity, nil
	}

	chars := int64(utf8.RuneCountInString(billableText(req.Completion.Messages)))
	measured := (chars + tool.UnitChars - 1) / tool.UnitChars
	if measured < 1 {
		measured = 1
	}

	if req.Quantity == 0 {
		return measured, nil
	}
	if req.Quantity < measured {
		return 0, validationf("quantity %d is below the %d units measured for %d characters",
			req.Quantity, measured, chars)
	}
	return req.Quantity, nil
}

// billableText is the text a payload-billed provider consumes: every
// non-system message, trimmed and joined by newlines.
func billableText(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if msg.Role == "system" || content == "" {
			continue
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n")
}

// replayError rejects a retried invoke. A key whose charge was refunded is
// spent; a key whose charge stands already paid for a delivered call.
func replayError(key string, receipt Receipt) error {
	if receipt.Refunded {
		return fmt.Errorf("%w: idempotency key %q belongs to refunded entry %s, retry with a new key",
			ErrAlreadyRefunded, key, receipt.EntryID)
	}
	return fmt.Errorf("%w: idempotency key %q already charged entry %s", ErrDuplicateRequest, key, receipt.EntryID)
}

func (g *UsageGateway) resolve(ctx context.Context, model string) (Provider, error) {
	providerName, err := g.router.Route(ctx, &RouteRequest{Model: model})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderNotFound, err)
	}

	provider, err := g.registry.Get(ctx, providerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderNotFound, err)
	}

	return provider, nil
}

// compensate refunds a charge whose external work failed. The refund runs on a
// context detached from the caller's cancellation so a timed-out request still
// resolves its charge.
func (g *UsageGateway) compensate(ctx context.Context, receipt Receipt, callErr error) error {
	refundCtx := context.WithoutCancel(ctx)

	_, refundErr := g.ledger.Refund(refundCtx, receipt.EntryID, "Refund: external service failure")
	if refundErr == nil || errors.Is(refundErr, ErrAlreadyRefunded) {
		return &ExternalFailureError{
			AfterCharge: true,
			Refunded:    true,
			EntryID:     receipt.EntryID,
			Err:         callErr,
		}
	}

	observability.FromContext(ctx).Error("compensating refund failed, manual reconciliation required",
		observability.String("entry_id", receipt.EntryID),
		observability.String("account_id", receipt.AccountID),
		observability.Decimal("amount", receipt.Amount),
		observability.Error(refundErr))

	if g.events != nil {
		g.events.Publish(refundCtx, observability.EventLedgerInconsistency, map[string]interface{}{
			"entry_id":     receipt.EntryID,
			"account_id":   receipt.AccountID,
			"amount":       receipt.Amount.String(),
			"call_error":   callErr.Error(),
			"refund_error": refundErr.Error(),
		})
	}

	return &ExternalFailureError{
		AfterCharge: true,
		Refunded:    false,
		EntryID:     receipt.EntryID,
		Err:         callErr,
		RefundErr:   refundErr,
	}
}
