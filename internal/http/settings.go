package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
)

type settingsResponse struct {
	domain.PricingSettings
	CreditUnitHistory []domain.CreditUnitValue `json:"credit_unit_history"`
	Policy            policyResponse           `json:"policy"`
}

type policyResponse struct {
	MinMargin               decimal.Decimal `json:"min_margin"`
	CriticalMargin          decimal.Decimal `json:"critical_margin"`
	DefaultTriggerThreshold decimal.Decimal `json:"default_trigger_threshold"`
}

type rateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

type creditUnitRequest struct {
	Value decimal.Decimal `json:"value"`
}

// HandleGetSettings returns the pricing settings in force and the policy limits.
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	current, err := h.settings.Current(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	history, err := h.settings.CreditUnitHistory(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	policy := h.calculator.Policy()
	writeJSON(w, http.StatusOK, settingsResponse{
		PricingSettings:   current,
		CreditUnitHistory: history,
		Policy: policyResponse{
			MinMargin:               policy.MinMargin,
			CriticalMargin:          policy.CriticalMargin,
			DefaultTriggerThreshold: policy.DefaultTriggerThreshold,
		},
	})
}

// HandleOverrideRate pins the exchange rate until the override is cleared.
func (h *Handler) HandleOverrideRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rate, err := h.settings.OverrideExchangeRate(r.Context(), req.Rate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handler) HandleClearOverride(w http.ResponseWriter, r *http.Request) {
	rate, err := h.settings.ClearOverride(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handler) HandleRefreshRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.settings.RefreshExchangeRate(r.Context())
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			err = fmt.Errorf("%w: %w", domain.ErrExternalService, err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// HandleSetCreditUnit records a new credit unit version.
func (h *Handler) HandleSetCreditUnit(w http.ResponseWriter, r *http.Request) {
	var req creditUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	unit, err := h.settings.SetCreditUnitValue(r.Context(), req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// HandleRunMonitor triggers one auto-protection pass.
func (h *Handler) HandleRunMonitor(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.Run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
