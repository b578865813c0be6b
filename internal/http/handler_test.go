package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidbz/creditgate/internal/catalog"
	"github.com/davidbz/creditgate/internal/domain"
	api "github.com/davidbz/creditgate/internal/http"
	"github.com/davidbz/creditgate/internal/http/middleware"
	"github.com/davidbz/creditgate/internal/observability"
	"github.com/davidbz/creditgate/internal/provider/echo"
	"github.com/davidbz/creditgate/internal/provider/registry"
	"github.com/davidbz/creditgate/internal/routing"
	"github.com/davidbz/creditgate/internal/storage/memory"
)

// backingStore is every store interface the routes need.
type backingStore interface {
	domain.LedgerStore
	domain.ToolCostStore
	domain.SettingsStore
}

func setupRoutes(t *testing.T) http.Handler {
	t.Helper()
	return setupRoutesWithStore(t, memory.NewStore())
}

func setupRoutesWithStore(t *testing.T, store backingStore) http.Handler {
	t.Helper()
	ctx := context.Background()

	calculator := domain.NewPriceCalculator(domain.PricingPolicy{
		MinMargin:               decimal.NewFromInt(30),
		CriticalMargin:          decimal.NewFromInt(40),
		DefaultTriggerThreshold: decimal.NewFromInt(10),
	})
	settings := domain.NewSettingsService(store, nil, domain.PricingSettings{
		ExchangeRate: domain.ExchangeRate{Rate: decimal.NewFromInt(5), Source: "test"},
		CreditUnit:   domain.CreditUnitValue{Value: decimal.NewFromInt(1)},
	})
	tools := domain.NewToolCostRegistry(store, calculator, settings)
	_, err := tools.SeedCatalog(ctx, catalog.Tools())
	require.NoError(t, err)

	providers := registry.NewRegistry()
	require.NoError(t, providers.Register(ctx, echo.NewProvider()))

	events := observability.NewEventBus(zap.NewNop())
	ledger := domain.NewCreditLedger(store, tools, settings, domain.LedgerConfig{MaxRetries: 3})
	gateway := domain.NewUsageGateway(ledger, tools, routing.NewRouter(providers), providers, events, domain.GatewayConfig{})
	monitor := domain.NewAutoProtectionMonitor(tools, settings, calculator, events, domain.MonitorConfig{Workers: 2})

	handler := api.NewHandler(gateway, ledger, tools, settings, calculator, monitor)
	server := api.NewServer(nil, handler, middleware.Chain(middleware.Trace()))
	return server.Routes()
}

func do(t *testing.T, routes http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}

	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func openAccount(t *testing.T, routes http.Handler, id string, balance string) {
	t.Helper()
	rec := do(t, routes, http.MethodPost, "/v1/accounts", map[string]interface{}{
		"account_id":      id,
		"initial_balance": balance,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func balanceOf(t *testing.T, routes http.Handler, id string) string {
	t.Helper()
	rec := do(t, routes, http.MethodGet, "/v1/accounts/"+id+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode(t, rec)["balance"].(string)
}

func TestHandleHealth(t *testing.T) {
	routes := setupRoutes(t)

	rec := do(t, routes, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", decode(t, rec)["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleUsage(t *testing.T) {
	t.Run("should charge and return the provider result", func(t *testing.T) {
		routes := setupRoutes(t)
		openAccount(t, routes, "acct-1", "100")

		rec := do(t, routes, http.MethodPost, "/v1/usage", map[string]interface{}{
			"account_id": "acct-1",
			"tool_id":    "sandbox_echo",
			"messages":   []map[string]string{{"role": "user", "content": "hello"}},
		})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		require.Equal(t, "0.01", body["credits_charged"])
		require.Equal(t, "99.99", body["balance"])
		require.NotEmpty(t, body["entry_id"])
		require.Equal(t, "99.99", balanceOf(t, routes, "acct-1"))
	})

	t.Run("should reject with 402 when the balance is too low", func(t *testing.T) {
		routes := setupRoutes(t)
		openAccount(t, routes, "acct-2", "0")

		rec := do(t, routes, http.MethodPost, "/v1/usage", map[string]interface{}{
			"account_id": "acct-2",
			"tool_id":    "sandbox_echo",
		})

		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		require.Equal(t, "insufficient_funds", decode(t, rec)["code"])

		entries := do(t, routes, http.MethodGet, "/v1/accounts/acct-2/entries", nil)
		require.Empty(t, decode(t, entries)["entries"])
	})

	t.Run("should refund when the provider fails", func(t *testing.T) {
		routes := setupRoutes(t)
		openAccount(t, routes, "acct-3", "100")

		rec := do(t, routes, http.MethodPut, "/v1/tools/flaky", map[string]interface{}{
			"name":          "Flaky tool",
			"model":         echo.ModelFail,
			"cost_usd":      "0.5",
			"billing_type":  "execution",
			"target_margin": "100",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, "5", decode(t, rec)["credit_price"])

		rec = do(t, routes, http.MethodPost, "/v1/usage", map[string]interface{}{
			"account_id": "acct-3",
			"tool_id":    "flaky",
		})

		require.Equal(t, http.StatusBadGateway, rec.Code)
		body := decode(t, rec)
		require.Equal(t, true, body["refunded"])
		require.NotEmpty(t, body["entry_id"])
		require.Equal(t, "external service failed, the charge was refunded", body["error"])
		require.NotContains(t, rec.Body.String(), echo.ErrSimulatedOutage.Error())
		require.Equal(t, "100", balanceOf(t, routes, "acct-3"))

		entries := do(t, routes, http.MethodGet, "/v1/accounts/acct-3/entries", nil)
		require.Len(t, decode(t, entries)["entries"], 3)
	})

	t.Run("should not serve a retry whose charge was refunded", func(t *testing.T) {
		routes := setupRoutes(t)
		openAccount(t, routes, "acct-5", "100")

		rec := do(t, routes, http.MethodPut, "/v1/tools/flaky", map[string]interface{}{
			"name":          "Flaky tool",
			"model":         echo.ModelFail,
			"cost_usd":      "0.5",
			"billing_type":  "execution",
			"target_margin": "100",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		usage := map[string]interface{}{"account_id": "acct-5", "tool_id": "flaky"}
		rec = do(t, routes, http.MethodPost, "/v1/usage", usage, "Idempotency-Key", "job-7")
		require.Equal(t, http.StatusBadGateway, rec.Code)

		rec = do(t, routes, http.MethodPost, "/v1/usage", usage, "Idempotency-Key", "job-7")
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "already_refunded", decode(t, rec)["code"])
		require.Equal(t, "100", balanceOf(t, routes, "acct-5"))
	})

	t.Run("should reject a replay of a delivered call", func(t *testing.T) {
		routes := setupRoutes(t)
		openAccount(t, routes, "acct-6", "100")

		usage := map[string]interface{}{
			"account_id": "acct-6",
			"tool_id":    "sandbox_echo",
			"messages":   []map[string]string{{"role": "user", "content": "hello"}},
		}
		rec := do(t, routes, http.MethodPost, "/v1/usage", usage, "Idempotency-Key", "job-8")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = do(t, routes, http.MethodPost, "/v1/usage", usage, "Idempotency-Key", "job-8")
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "duplicate_request", decode(t, rec)["code"])
		require.Equal(t, "99.99", balanceOf(t, routes, "acct-6"))
	})

	t.Run("should return 404 for an unknown tool", func(t *testing.T) {
		routes := setupRoutes(t)
		openAccount(t, routes, "acct-4", "10")

		rec := do(t, routes, http.MethodPost, "/v1/usage", map[string]interface{}{
			"account_id": "acct-4",
			"tool_id":    "missing",
		})

		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "tool_not_found", decode(t, rec)["code"])
	})

	t.Run("should reject unknown fields", func(t *testing.T) {
		routes := setupRoutes(t)

		rec := do(t, routes, http.MethodPost, "/v1/usage", map[string]interface{}{"nope": true})

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleConsumeAndRefund(t *testing.T) {
	routes := setupRoutes(t)
	openAccount(t, routes, "acct", "10")

	consume := map[string]interface{}{"account_id": "acct", "tool_id": "business_mentor"}

	first := do(t, routes, http.MethodPost, "/v1/credits/consume", consume, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := do(t, routes, http.MethodPost, "/v1/credits/consume", consume, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, second.Code)

	firstBody, secondBody := decode(t, first), decode(t, second)
	require.Equal(t, firstBody["entry_id"], secondBody["entry_id"])
	require.Equal(t, true, secondBody["replayed"])

	// 0.015 USD * 5 * 2 = 0.15 credits, charged once.
	require.Equal(t, "9.85", balanceOf(t, routes, "acct"))

	refund := map[string]interface{}{"entry_id": firstBody["entry_id"], "reason": "customer request"}
	rec := do(t, routes, http.MethodPost, "/v1/credits/refund", refund)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "10", balanceOf(t, routes, "acct"))

	rec = do(t, routes, http.MethodPost, "/v1/credits/refund", refund)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_refunded", decode(t, rec)["code"])
}

// conflictingStore loses every optimistic race while conflicts is set.
type conflictingStore struct {
	*memory.Store
	conflicts atomic.Bool
}

func (s *conflictingStore) WithAccount(ctx context.Context, accountID string, fn func(tx domain.LedgerTx) error) error {
	if s.conflicts.Load() {
		return domain.ErrTransactionConflict
	}
	return s.Store.WithAccount(ctx, accountID, fn)
}

func TestHandleConsume_TransactionConflict(t *testing.T) {
	store := &conflictingStore{Store: memory.NewStore()}
	routes := setupRoutesWithStore(t, store)
	openAccount(t, routes, "acct", "10")
	store.conflicts.Store(true)

	rec := do(t, routes, http.MethodPost, "/v1/credits/consume", map[string]interface{}{
		"account_id": "acct",
		"tool_id":    "business_mentor",
	})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "transaction_conflict", body["code"])
	require.Equal(t, "service temporarily unavailable, retry later", body["error"])
	require.Equal(t, "10", balanceOf(t, routes, "acct"))
}

func TestHandleAccounts(t *testing.T) {
	routes := setupRoutes(t)
	openAccount(t, routes, "acct", "5")

	rec := do(t, routes, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "acct"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, routes, http.MethodPost, "/v1/accounts/acct/credits", map[string]interface{}{"amount": "2.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "7.5", balanceOf(t, routes, "acct"))

	rec = do(t, routes, http.MethodPost, "/v1/accounts/acct/credits", map[string]interface{}{
		"amount": "-10",
		"type":   "adjustment",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = do(t, routes, http.MethodGet, "/v1/accounts/acct/entries?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["entries"], 1)

	rec = do(t, routes, http.MethodGet, "/v1/accounts/acct/entries?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, routes, http.MethodGet, "/v1/accounts/ghost/balance", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTools(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name:       "should clamp a manual margin to the floor",
			method:     http.MethodPut,
			path:       "/v1/tools/business_mentor/margin",
			body:       map[string]interface{}{"margin": "10"},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				require.Equal(t, "30", body["target_margin"])
			},
		},
		{
			name:       "should back-compute the margin from a price",
			method:     http.MethodPut,
			path:       "/v1/tools/course_complete/price",
			body:       map[string]interface{}{"price": "2"},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				require.Equal(t, "2", body["credit_price"])
				require.Equal(t, "100", body["target_margin"])
			},
		},
		{
			name:       "should reject an upsert under the margin floor",
			method:     http.MethodPut,
			path:       "/v1/tools/cheap",
			body:       map[string]interface{}{"cost_usd": "1", "billing_type": "execution", "target_margin": "5"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "should report nothing to revert",
			method:     http.MethodPost,
			path:       "/v1/tools/seo_audit/revert",
			wantStatus: http.StatusConflict,
		},
		{
			name:       "should soft-disable a tool",
			method:     http.MethodDelete,
			path:       "/v1/tools/support_ai",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				require.Equal(t, false, body["active"])
			},
		},
		{
			name:       "should reject an unknown bulk scope",
			method:     http.MethodPost,
			path:       "/v1/tools/bulk-adjust",
			body:       map[string]interface{}{"delta": "5", "scope": "some"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "should bulk adjust every tool",
			method:     http.MethodPost,
			path:       "/v1/tools/bulk-adjust",
			body:       map[string]interface{}{"delta": "5"},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				require.InDelta(t, float64(len(catalog.Tools())), body["adjusted"], 0)
			},
		},
		{
			name:       "should return 404 for an unknown tool",
			method:     http.MethodGet,
			path:       "/v1/tools/missing",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routes := setupRoutes(t)

			rec := do(t, routes, tt.method, tt.path, tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, decode(t, rec))
			}
		})
	}
}

func TestHandleDisabledToolCannotBeCharged(t *testing.T) {
	routes := setupRoutes(t)
	openAccount(t, routes, "acct", "10")

	require.Equal(t, http.StatusOK, do(t, routes, http.MethodDelete, "/v1/tools/sandbox_echo", nil).Code)

	rec := do(t, routes, http.MethodPost, "/v1/credits/consume", map[string]interface{}{
		"account_id": "acct",
		"tool_id":    "sandbox_echo",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, do(t, routes, http.MethodPost, "/v1/tools/sandbox_echo/activate", nil).Code)

	rec = do(t, routes, http.MethodPost, "/v1/credits/consume", map[string]interface{}{
		"account_id": "acct",
		"tool_id":    "sandbox_echo",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleQuote(t *testing.T) {
	routes := setupRoutes(t)

	rec := do(t, routes, http.MethodPost, "/v1/pricing/quote", map[string]interface{}{
		"cost_usd": "2",
		"margin":   "35",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "13.5", body["credit_price"])
	require.Equal(t, "35", body["margin"])
	require.Equal(t, true, body["critical"])

	rec = do(t, routes, http.MethodPost, "/v1/pricing/quote", map[string]interface{}{
		"tool_id":       "voice_tts",
		"exchange_rate": "6",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	// Stored price 3.00 was set at rate 5; at rate 6 the cost is 1.80.
	require.Equal(t, "66.67", decode(t, rec)["margin"])
}

func TestHandleSettings(t *testing.T) {
	routes := setupRoutes(t)

	rec := do(t, routes, http.MethodPut, "/v1/settings/exchange-rate", map[string]interface{}{"rate": "5.8"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, decode(t, rec)["overridden"])

	rec = do(t, routes, http.MethodPut, "/v1/settings/credit-unit", map[string]interface{}{"value": "0.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.InDelta(t, 1, decode(t, rec)["version"], 0)

	rec = do(t, routes, http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "5.8", body["exchange_rate"].(map[string]interface{})["rate"])
	require.Equal(t, "0.5", body["credit_unit"].(map[string]interface{})["value"])
	require.Len(t, body["credit_unit_history"], 1)
	require.Equal(t, "30", body["policy"].(map[string]interface{})["min_margin"])

	rec = do(t, routes, http.MethodDelete, "/v1/settings/exchange-rate/override", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, false, decode(t, rec)["overridden"])

	rec = do(t, routes, http.MethodPut, "/v1/settings/exchange-rate", map[string]interface{}{"rate": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunMonitor(t *testing.T) {
	routes := setupRoutes(t)

	rec := do(t, routes, http.MethodPost, "/v1/monitor/run", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Empty(t, body["adjusted"])
	require.Equal(t, "5", body["exchange_rate"])
}
