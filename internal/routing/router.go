// Package routing maps a tool's model to the provider that serves it.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/creditgate/internal/domain"
)

// ModelRouter routes by model name using the registry's model index.
type ModelRouter struct {
	registry domain.ProviderRegistry
}

// NewRouter creates a new router.
func NewRouter(registry domain.ProviderRegistry) *ModelRouter {
	return &ModelRouter{
		registry: registry,
	}
}

// Route selects a provider based on the model name.
func (r *ModelRouter) Route(ctx context.Context, req *domain.RouteRequest) (string, error) {
	if req == nil {
		return "", errors.New("route request cannot be nil")
	}

	if req.Model == "" {
		return "", errors.New("model name is required")
	}

	providerNames, err := r.registry.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list providers: %w", err)
	}

	if len(providerNames) == 0 {
		return "", errors.New("no providers available")
	}

	provider, err := r.registry.GetByModel(ctx, req.Model)
	if err != nil {
		return "", fmt.Errorf("no provider found for model %s: %w", req.Model, err)
	}

	return provider.Name(), nil
}
