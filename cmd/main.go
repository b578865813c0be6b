package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/creditgate/internal/catalog"
	"github.com/davidbz/creditgate/internal/config"
	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/http"
	"github.com/davidbz/creditgate/internal/http/middleware"
	"github.com/davidbz/creditgate/internal/observability"
	"github.com/davidbz/creditgate/internal/provider/echo"
	"github.com/davidbz/creditgate/internal/provider/elevenlabs"
	"github.com/davidbz/creditgate/internal/provider/openai"
	"github.com/davidbz/creditgate/internal/provider/registry"
	"github.com/davidbz/creditgate/internal/routing"
)

const shutdownTimeout = 15 * time.Second

// ErrProviderNotConfigured indicates that a provider is not configured and should be skipped.
var ErrProviderNotConfigured = errors.New("provider not configured")

func main() {
	container := buildContainer()

	err := container.Invoke(func(server *http.Server, scheduler *cron.Cron, closer storeCloser) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		scheduler.Start()

		serverErr := make(chan error, 1)
		go func() {
			serverErr <- server.Start()
		}()

		select {
		case err := <-serverErr:
			if err != nil {
				log.Printf("Server failed: %v", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
		<-scheduler.Stop().Done()
		if err := closer(); err != nil {
			log.Printf("Store close failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Invoke(func(*zap.Logger) {}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	if err := container.Provide(func(logger *zap.Logger) domain.EventPublisher {
		return observability.NewEventBus(logger)
	}); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}

	// Storage and exchange rate
	if err := container.Provide(provideStores); err != nil {
		log.Fatalf("Failed to provide stores: %v", err)
	}
	if err := container.Provide(provideRateSource); err != nil {
		log.Fatalf("Failed to provide rate source: %v", err)
	}

	// Pricing
	if err := container.Provide(domain.NewPriceCalculator); err != nil {
		log.Fatalf("Failed to provide price calculator: %v", err)
	}
	if err := container.Provide(domain.NewSettingsService); err != nil {
		log.Fatalf("Failed to provide settings service: %v", err)
	}
	if err := container.Provide(func(s *domain.SettingsService) domain.SettingsProvider { return s }); err != nil {
		log.Fatalf("Failed to provide settings provider: %v", err)
	}
	if err := container.Provide(func(s *domain.SettingsService) domain.RateRefresher { return s }); err != nil {
		log.Fatalf("Failed to provide rate refresher: %v", err)
	}
	if err := container.Provide(domain.NewToolCostRegistry); err != nil {
		log.Fatalf("Failed to provide tool registry: %v", err)
	}
	if err := container.Provide(func(r *domain.ToolCostRegistry) domain.ToolCatalog { return r }); err != nil {
		log.Fatalf("Failed to provide tool catalog: %v", err)
	}

	// Seed the built-in catalog into an empty registry.
	if err := container.Invoke(func(tools *domain.ToolCostRegistry, cfg *config.PricingConfig) error {
		if !cfg.SeedCatalog {
			return nil
		}
		ctx := context.Background()
		seeded, err := tools.SeedCatalog(ctx, catalog.Tools())
		if err != nil {
			return err
		}
		observability.FromContext(ctx).Info("tool catalog ready", observability.Int("seeded", seeded))
		return nil
	}); err != nil {
		log.Fatalf("Failed to seed tool catalog: %v", err)
	}

	// Ledger
	if err := container.Provide(domain.NewCreditLedger); err != nil {
		log.Fatalf("Failed to provide credit ledger: %v", err)
	}
	if err := container.Provide(func(l *domain.CreditLedger) domain.Ledger { return l }); err != nil {
		log.Fatalf("Failed to provide ledger: %v", err)
	}

	// Provider Registry
	if err := container.Provide(func() domain.ProviderRegistry {
		return registry.NewRegistry()
	}); err != nil {
		log.Fatalf("Failed to provide registry: %v", err)
	}
	if err := container.Provide(func(reg domain.ProviderRegistry) domain.Router {
		return routing.NewRouter(reg)
	}); err != nil {
		log.Fatalf("Failed to provide router: %v", err)
	}

	// OpenAI Provider
	if err := container.Provide(func(cfg *openai.Config) (*openai.Provider, error) {
		if cfg.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		return openai.NewProvider(*cfg)
	}); err != nil {
		log.Fatalf("Failed to provide OpenAI provider: %v", err)
	}

	// ElevenLabs Provider
	if err := container.Provide(func(cfg *elevenlabs.Config) (*elevenlabs.Provider, error) {
		if cfg.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		return elevenlabs.NewProvider(*cfg)
	}); err != nil {
		log.Fatalf("Failed to provide ElevenLabs provider: %v", err)
	}

	// Echo Provider backs the sandbox tool and is always available.
	if err := container.Provide(echo.NewProvider); err != nil {
		log.Fatalf("Failed to provide echo provider: %v", err)
	}

	// Register providers with registry (invoked for side effects)
	if err := container.Invoke(func(reg domain.ProviderRegistry, echoProvider *echo.Provider) error {
		return registerProviders(context.Background(), container, reg, echoProvider)
	}); err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}

	// Domain Services
	if err := container.Provide(domain.NewUsageGateway); err != nil {
		log.Fatalf("Failed to provide usage gateway: %v", err)
	}
	if err := container.Provide(domain.NewAutoProtectionMonitor); err != nil {
		log.Fatalf("Failed to provide auto-protection monitor: %v", err)
	}
	if err := container.Provide(provideScheduler); err != nil {
		log.Fatalf("Failed to provide monitor scheduler: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(http.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(http.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

// registerProviders registers every configured provider. Providers whose
// constructor reports ErrProviderNotConfigured are skipped.
func registerProviders(
	ctx context.Context,
	container *dig.Container,
	reg domain.ProviderRegistry,
	echoProvider *echo.Provider,
) error {
	logger := observability.FromContext(ctx)

	if err := reg.Register(ctx, echoProvider); err != nil {
		return fmt.Errorf("failed to register echo provider: %w", err)
	}

	optional := []struct {
		name    string
		resolve func() (domain.Provider, error)
	}{
		{"openai", func() (domain.Provider, error) {
			var p *openai.Provider
			err := container.Invoke(func(resolved *openai.Provider) { p = resolved })
			return p, err
		}},
		{"elevenlabs", func() (domain.Provider, error) {
			var p *elevenlabs.Provider
			err := container.Invoke(func(resolved *elevenlabs.Provider) { p = resolved })
			return p, err
		}},
	}

	for _, o := range optional {
		provider, err := o.resolve()
		if errors.Is(err, ErrProviderNotConfigured) {
			logger.Info("provider not configured, skipping", observability.String("provider", o.name))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to build %s provider: %w", o.name, err)
		}
		if err := reg.Register(ctx, provider); err != nil {
			return fmt.Errorf("failed to register %s provider: %w", o.name, err)
		}
	}

	return nil
}
