// Package elevenlabs adapts the ElevenLabs text-to-speech API to the
// domain.Provider interface. The generated audio is returned base64 encoded.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

const (
	providerName = "elevenlabs"
	audioType    = "audio/mpeg"

	// costPerCharacterUSD matches the catalog price of 0.30 USD per 1K characters.
	costPerCharacterUSD = 0.0003

	maxErrorBody = 4 << 10
)

//nolint:gochecknoglobals // Static model list.
var supportedModels = []string{"eleven_multilingual_v2", "eleven_turbo_v2_5"}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type apiError struct {
	Detail struct {
		Message string `json:"message"`
	} `json:"detail"`
}

// Provider implements domain.Provider for ElevenLabs.
type Provider struct {
	apiKey       string
	baseURL      string
	defaultVoice string
	httpClient   *http.Client
	models       map[string]bool
}

// NewProvider creates a new ElevenLabs provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("ElevenLabs API key is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("ElevenLabs base URL is required")
	}

	models := make(map[string]bool, len(supportedModels))
	for _, m := range supportedModels {
		models[m] = true
	}

	return &Provider{
		apiKey:       config.APIKey,
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		defaultVoice: config.DefaultVoice,
		httpClient:   &http.Client{Timeout: time.Duration(config.Timeout) * time.Second},
		models:       models,
	}, nil
}

// Complete synthesises the text of the request's non-system messages.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	text := speechText(req.Messages)
	if text == "" {
		return nil, errors.New("no text to synthesise")
	}

	voice := req.Voice
	if voice == "" {
		voice = p.defaultVoice
	}
	if voice == "" {
		return nil, errors.New("voice is required")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling ElevenLabs API", observability.String("voice", voice))

	audio, err := p.synthesise(ctx, voice, req.Model, text)
	if err != nil {
		logger.Error("ElevenLabs API call failed", observability.Error(err))
		return nil, fmt.Errorf("ElevenLabs API call failed: %w", err)
	}

	chars := utf8.RuneCountInString(text)
	return &domain.CompletionResponse{
		ID:          "tts-" + uuid.New().String(),
		Model:       req.Model,
		Provider:    providerName,
		Content:     base64.StdEncoding.EncodeToString(audio),
		ContentType: audioType,
		Usage: domain.Usage{
			Characters: chars,
			CostUSD:    float64(chars) * costPerCharacterUSD,
		},
		FinishTime: time.Now(),
	}, nil
}

func (p *Provider) synthesise(ctx context.Context, voice, model, text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Text:          text,
		ModelID:       model,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/text-to-speech/"+voice, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", audioType)
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Detail.Message != "" {
			return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, apiErr.Detail.Message)
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(raw))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return audio, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.models[model]
}

// SupportedModels returns the voice models served by this provider.
func (p *Provider) SupportedModels(_ context.Context) []string {
	out := make([]string, len(supportedModels))
	copy(out, supportedModels)
	return out
}

func speechText(messages []domain.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(msg.Content))
	}
	return strings.Join(parts, "\n")
}
