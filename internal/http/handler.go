package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

const maxRequestBody = 1 << 20

// Handler handles HTTP requests.
type Handler struct {
	gateway    *domain.UsageGateway
	ledger     *domain.CreditLedger
	tools      *domain.ToolCostRegistry
	settings   *domain.SettingsService
	calculator *domain.PriceCalculator
	monitor    *domain.AutoProtectionMonitor
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(
	gateway *domain.UsageGateway,
	ledger *domain.CreditLedger,
	tools *domain.ToolCostRegistry,
	settings *domain.SettingsService,
	calculator *domain.PriceCalculator,
	monitor *domain.AutoProtectionMonitor,
) *Handler {
	return &Handler{
		gateway:    gateway,
		ledger:     ledger,
		tools:      tools,
		settings:   settings,
		calculator: calculator,
		monitor:    monitor,
	}
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	EntryID   string `json:"entry_id,omitempty"`
	Refunded  *bool  `json:"refunded,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", domain.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Status is already written; an encode failure can only be dropped.
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP statuses. Unclassified errors are
// logged and reported with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status, code := classify(err)

	body := errorBody{
		Error:     err.Error(),
		Code:      code,
		RequestID: observability.GetRequestID(ctx),
	}

	var external *domain.ExternalFailureError
	if errors.As(err, &external) {
		body.EntryID = external.EntryID
		refunded := external.Refunded
		body.Refunded = &refunded
	}

	logger := observability.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", observability.Int("status", status), observability.Error(err))
	} else {
		logger.Info("request rejected", observability.Int("status", status), observability.Error(err))
	}

	// Server-side failures carry upstream and storage detail; that stays in the log.
	if status >= http.StatusInternalServerError {
		body.Error = publicMessage(status, external)
	}

	writeJSON(w, status, body)
}

func publicMessage(status int, external *domain.ExternalFailureError) string {
	switch status {
	case http.StatusBadGateway:
		switch {
		case external == nil:
			return "external service failed"
		case external.Refunded:
			return "external service failed, the charge was refunded"
		default:
			return "external service failed and the charge could not be refunded automatically"
		}
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable, retry later"
	default:
		return "internal error"
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, domain.ErrToolNotFound):
		return http.StatusNotFound, "tool_not_found"
	case errors.Is(err, domain.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found"
	case errors.Is(err, domain.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, domain.ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, domain.ErrNothingToRevert):
		return http.StatusConflict, "nothing_to_revert"
	case errors.Is(err, domain.ErrToolInactive):
		return http.StatusConflict, "tool_inactive"
	case errors.Is(err, domain.ErrExternalService):
		return http.StatusBadGateway, "external_service_failed"
	case errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, domain.ErrTransactionConflict):
		return http.StatusServiceUnavailable, "transaction_conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}
