package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidbz/creditgate/internal/config"
	"github.com/davidbz/creditgate/internal/http/middleware"
	"github.com/davidbz/creditgate/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	config      *config.ServerConfig
	handler     *Handler
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.ServerConfig,
	handler *Handler,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		config:      cfg,
		handler:     handler,
		middlewares: middlewares,
		srv:         nil,
	}
}

// Routes builds the router with every endpoint and the middleware chain applied.
func (s *Server) Routes() http.Handler {
	h := s.handler
	r := chi.NewRouter()

	r.Get("/health", h.HandleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/usage", h.HandleUsage)

		r.Post("/credits/consume", h.HandleConsume)
		r.Post("/credits/refund", h.HandleRefund)

		r.Post("/accounts", h.HandleOpenAccount)
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", h.HandleBalance)
			r.Get("/entries", h.HandleEntries)
			r.Post("/credits", h.HandleCredit)
		})

		r.Get("/tools", h.HandleListTools)
		r.Post("/tools/bulk-adjust", h.HandleBulkAdjust)
		r.Route("/tools/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGetTool)
			r.Put("/", h.HandleUpsertTool)
			r.Delete("/", h.HandleDisableTool)
			r.Post("/activate", h.HandleEnableTool)
			r.Put("/margin", h.HandleSetMargin)
			r.Put("/price", h.HandleSetPrice)
			r.Post("/revert", h.HandleRevertTool)
		})

		r.Post("/pricing/quote", h.HandleQuote)

		r.Get("/settings", h.HandleGetSettings)
		r.Put("/settings/exchange-rate", h.HandleOverrideRate)
		r.Delete("/settings/exchange-rate/override", h.HandleClearOverride)
		r.Post("/settings/exchange-rate/refresh", h.HandleRefreshRate)
		r.Put("/settings/credit-unit", h.HandleSetCreditUnit)

		r.Post("/monitor/run", h.HandleRunMonitor)
	})

	if s.middlewares == nil {
		return r
	}
	return s.middlewares(r)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Routes(),
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
	}

	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", observability.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
