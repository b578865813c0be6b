package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

type openAccountRequest struct {
	AccountID      string          `json:"account_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Unlimited      bool            `json:"unlimited"`
}

type creditRequest struct {
	Amount         decimal.Decimal  `json:"amount"`
	Type           domain.EntryType `json:"type"`
	Description    string           `json:"description"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Unlimited bool            `json:"unlimited"`
}

// HandleOpenAccount creates an account.
func (h *Handler) HandleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	r = r.WithContext(observability.WithAccountID(r.Context(), req.AccountID))

	account, err := h.ledger.OpenAccount(r.Context(), domain.OpenAccountRequest{
		AccountID:      req.AccountID,
		InitialBalance: req.InitialBalance,
		Unlimited:      req.Unlimited,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

// HandleBalance returns the balance of an account.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: account.ID,
		Balance:   account.Balance,
		Unlimited: account.Unlimited,
	})
}

// HandleEntries lists the newest entries of an account.
func (h *Handler) HandleEntries(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	limit := defaultEntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxEntriesLimit)
	}

	entries, err := h.ledger.Entries(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"entries":    entries,
	})
}

// HandleCredit records a purchase or an administrative adjustment.
func (h *Handler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = domain.EntryPurchase
	}

	receipt, err := h.ledger.Credit(r.Context(), domain.CreditRequest{
		AccountID:      accountID,
		Amount:         req.Amount,
		Type:           req.Type,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}
