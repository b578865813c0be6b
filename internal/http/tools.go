package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

type marginRequest struct {
	Margin decimal.Decimal `json:"margin"`
}

type priceRequest struct {
	Price decimal.Decimal `json:"price"`
}

type bulkAdjustRequest struct {
	Delta decimal.Decimal    `json:"delta"`
	Scope domain.AdjustScope `json:"scope"`
}

// quoteRequest previews a price. With ToolID the stored tool is quoted and
// the optional fields override it; without it CostUSD describes an ad-hoc tool.
// Zero ExchangeRate or CreditUnit fall back to the settings in force.
type quoteRequest struct {
	ToolID       string          `json:"tool_id"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	Margin       decimal.Decimal `json:"margin"`
	CreditPrice  decimal.Decimal `json:"credit_price"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	CreditUnit   decimal.Decimal `json:"credit_unit"`
}

// HandleListTools returns the whole catalog.
func (h *Handler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.tools.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

func (h *Handler) HandleGetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := h.tools.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

// HandleUpsertTool creates or replaces a tool definition. The path id wins over the body.
func (h *Handler) HandleUpsertTool(w http.ResponseWriter, r *http.Request) {
	var tool domain.ToolCost
	if err := decodeJSON(r, &tool); err != nil {
		writeError(w, r, err)
		return
	}
	tool.ToolID = chi.URLParam(r, "id")

	stored, err := h.tools.Upsert(r.Context(), tool)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) HandleSetMargin(w http.ResponseWriter, r *http.Request) {
	var req marginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	tool, err := h.tools.SetMargin(r.Context(), chi.URLParam(r, "id"), req.Margin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (h *Handler) HandleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, r, badRequest("price must be positive"))
		return
	}

	tool, err := h.tools.SetPrice(r.Context(), chi.URLParam(r, "id"), req.Price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

// HandleRevertTool undoes the last automatic price change.
func (h *Handler) HandleRevertTool(w http.ResponseWriter, r *http.Request) {
	tool, err := h.tools.RevertLastAdjustment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

// HandleDisableTool soft-disables a tool; its history stays intact.
func (h *Handler) HandleDisableTool(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) HandleEnableTool(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	tool, err := h.tools.SetActive(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

// HandleBulkAdjust shifts the margin of all (or only critical) tools.
func (h *Handler) HandleBulkAdjust(w http.ResponseWriter, r *http.Request) {
	var req bulkAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Scope == "" {
		req.Scope = domain.ScopeAll
	}

	adjusted, err := h.tools.BulkAdjust(r.Context(), req.Delta, req.Scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"adjusted": len(adjusted),
		"tools":    adjusted,
	})
}

// HandleQuote previews the economics of a price without storing anything.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	settings, err := h.settings.Current(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.ExchangeRate.IsPositive() {
		settings.ExchangeRate.Rate = req.ExchangeRate
	}
	if req.CreditUnit.IsPositive() {
		settings.CreditUnit.Value = req.CreditUnit
	}

	tool := domain.ToolCost{CostUSD: req.CostUSD, TargetMargin: req.Margin}
	if req.ToolID != "" {
		tool, err = h.tools.Get(ctx, req.ToolID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !req.Margin.IsZero() {
			tool.TargetMargin = req.Margin
			tool.CreditPrice = decimal.Zero
		}
	}
	if !req.CreditPrice.IsZero() {
		tool.CreditPrice = req.CreditPrice
	}

	if tool.CreditPrice.IsZero() {
		tool.CreditPrice, err = h.calculator.PriceTool(tool, settings)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	quote, err := h.calculator.Quote(tool, settings)
	if err != nil {
		writeError(w, r, err)
		return
	}

	observability.FromContext(ctx).Debug("quote computed",
		observability.String("tool_id", tool.ToolID),
		observability.Decimal("credit_price", quote.CreditPrice))

	writeJSON(w, http.StatusOK, quote)
}
