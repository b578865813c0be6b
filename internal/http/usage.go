package http

import (
	"net/http"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

const idempotencyHeader = "Idempotency-Key"

type usageRequest struct {
	AccountID      string           `json:"account_id"`
	ToolID         string           `json:"tool_id"`
	Quantity       int64            `json:"quantity"`
	IdempotencyKey string           `json:"idempotency_key"`
	Model          string           `json:"model"`
	Messages       []domain.Message `json:"messages"`
	Temperature    float64          `json:"temperature"`
	MaxTokens      int              `json:"max_tokens"`
	Voice          string           `json:"voice"`
}

type consumeRequest struct {
	AccountID      string `json:"account_id"`
	ToolID         string `json:"tool_id"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

type refundRequest struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// HandleUsage charges the account for a tool and forwards the work to its provider.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := observability.WithToolID(observability.WithAccountID(r.Context(), req.AccountID), req.ToolID)
	r = r.WithContext(ctx)

	result, err := h.gateway.Invoke(ctx, domain.InvokeRequest{
		AccountID:      req.AccountID,
		ToolID:         req.ToolID,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Completion: &domain.CompletionRequest{
			Model:       req.Model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Voice:       req.Voice,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	observability.FromContext(ctx).Info("usage completed",
		observability.String("entry_id", result.EntryID),
		observability.Decimal("credits_charged", result.CreditsCharged))

	writeJSON(w, http.StatusOK, result)
}

// HandleConsume debits credits for a tool without calling any provider.
func (h *Handler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := observability.WithToolID(observability.WithAccountID(r.Context(), req.AccountID), req.ToolID)
	r = r.WithContext(ctx)

	receipt, err := h.ledger.Charge(ctx, domain.ChargeRequest{
		AccountID:      req.AccountID,
		ToolID:         req.ToolID,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Description:    req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// HandleRefund reverses a usage entry.
func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := h.ledger.Refund(r.Context(), req.EntryID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if bodyKey != "" {
		return bodyKey
	}
	return r.Header.Get(idempotencyHeader)
}
