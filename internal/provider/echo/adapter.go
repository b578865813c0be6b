// Package echo provides a sandbox provider that echoes back input messages.
// It implements the domain.Provider interface without making external API calls,
// so billing, refunds and timeouts can be exercised end to end without spending
// real provider budget.
package echo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

const (
	providerName = "echo"

	// ModelEcho returns the request messages as content.
	ModelEcho = "echo4"
	// ModelFail always fails, simulating a provider outage.
	ModelFail = "echo-fail"
	// ModelSlow blocks until the caller's context ends.
	ModelSlow = "echo-slow"
)

// ErrSimulatedOutage is returned for ModelFail.
var ErrSimulatedOutage = errors.New("echo provider simulated outage")

// Provider implements the domain.Provider interface for sandbox testing.
type Provider struct {
	name            string
	supportedModels map[string]bool
}

// NewProvider creates a new echo provider.
// No configuration is required as this provider operates entirely in-memory.
func NewProvider() *Provider {
	return &Provider{
		name: providerName,
		supportedModels: map[string]bool{
			ModelEcho: true,
			ModelFail: true,
			ModelSlow: true,
		},
	}
}

// Complete returns the echoed response, or the failure its model simulates.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if !p.supportedModels[req.Model] {
		return nil, fmt.Errorf("model %s is not supported by echo provider", req.Model)
	}

	logger := observability.FromContext(ctx)

	switch req.Model {
	case ModelFail:
		return nil, ErrSimulatedOutage
	case ModelSlow:
		<-ctx.Done()
		return nil, fmt.Errorf("echo provider gave up: %w", ctx.Err())
	}

	logger.Debug("echoing request")

	echoContent := buildEchoContent(req.Messages)

	// Count tokens (simple word-based counting)
	promptTokens := countTokens(echoContent)
	completionTokens := promptTokens // Echo returns same size
	totalTokens := promptTokens + completionTokens

	logger.Debug("echo completed",
		observability.Int("prompt_tokens", promptTokens),
		observability.Int("completion_tokens", completionTokens),
	)

	return &domain.CompletionResponse{
		ID:          fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		Model:       req.Model,
		Provider:    p.name,
		Content:     echoContent,
		ContentType: "text/plain",
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
		FinishTime: time.Now(),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.supportedModels[model]
}

// SupportedModels returns a sorted list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.supportedModels))
	for model := range p.supportedModels {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}
