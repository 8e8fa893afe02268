package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"golang.org/x/time/rate"
)

// ClaudeProvider implements the LLMProvider interface using the
// Anthropic Claude API.
type ClaudeProvider struct {
	config  *common.ClaudeConfig
	model   string
	logger  arbor.ILogger
	client  anthropic.Client
	limiter *rate.Limiter
	timeout time.Duration
}

var _ interfaces.LLMProvider = (*ClaudeProvider)(nil)

// NewClaudeProvider creates a Claude provider. The API key is resolved
// environment-first, then KV store, then config.
func NewClaudeProvider(cfg *common.ClaudeConfig, alias string, kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) (*ClaudeProvider, error) {
	ctx := context.Background()
	apiKey, err := common.ResolveAPIKey(ctx, kvStorage, "anthropic_api_key", cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API key is required for the Claude provider (set ANTHROPIC_API_KEY, ARCA_CLAUDE_API_KEY, or llm.claude.api_key in config): %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = claudeModelFor(alias)
	}

	timeout := common.ParseDurationOr(cfg.Timeout, 2*time.Minute)
	interval := common.ParseDurationOr(cfg.RateLimit, time.Second)

	p := &ClaudeProvider{
		config:  cfg,
		model:   model,
		logger:  logger,
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		timeout: timeout,
	}

	logger.Debug().
		Str("model", model).
		Dur("timeout", timeout).
		Dur("rate_interval", interval).
		Float32("temperature", cfg.Temperature).
		Msg("Claude provider initialized")

	return p, nil
}

// Name returns the provider identifier.
func (p *ClaudeProvider) Name() string {
	return string(common.LLMProviderClaude)
}

// Model returns the concrete model in use.
func (p *ClaudeProvider) Model() string {
	return p.model
}

// Chat generates a completion for the request. Claude has no
// server-side schema enforcement, so a request's OutputSchema is
// honored by the prompt alone and the caller strips fenced JSON.
func (p *ClaudeProvider) Chat(ctx context.Context, req *interfaces.ChatRequest) (string, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", fmt.Errorf("messages cannot be empty for chat completion")
	}

	claudeMessages, systemText, err := convertMessagesToClaude(req.Messages)
	if err != nil {
		return "", fmt.Errorf("failed to convert messages to Claude format: %w", err)
	}
	if req.SystemInstruction != "" {
		systemText = req.SystemInstruction
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}

	temp := req.Temperature
	if temp <= 0 {
		temp = p.config.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}

	if systemText != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemText},
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var resp *anthropic.Message
	var apiErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := p.limiter.Wait(timeoutCtx); err != nil {
			return "", err
		}

		resp, apiErr = p.client.Messages.New(timeoutCtx, params)
		if apiErr == nil {
			break
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := backoffFor(attempt, apiErr)
		p.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Claude API call")

		select {
		case <-timeoutCtx.Done():
			return "", timeoutCtx.Err()
		case <-time.After(backoff):
		}
	}
	if apiErr != nil {
		return "", fmt.Errorf("Claude API call failed after %d attempts: %w", maxAttempts, apiErr)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("empty response from Claude API")
	}

	return text.String(), nil
}

// HealthCheck verifies the provider is reachable with a minimal probe.
func (p *ClaudeProvider) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	response, err := p.Chat(probeCtx, &interfaces.ChatRequest{
		Messages:  []interfaces.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 16,
	})
	if err != nil {
		return fmt.Errorf("Claude health check failed: %w", err)
	}
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("Claude health check returned empty response")
	}
	return nil
}

// Close releases the client. The Claude SDK holds no connections that
// require explicit cleanup.
func (p *ClaudeProvider) Close() error {
	p.client = anthropic.Client{}
	return nil
}

// convertMessagesToClaude converts []interfaces.Message to Claude
// MessageParam format, extracting the first system message for use
// with the System parameter.
func convertMessagesToClaude(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	hasUserMessage := false
	for _, msg := range messages {
		if msg.Role == "user" {
			hasUserMessage = true
			break
		}
	}
	if !hasUserMessage {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}

	claudeMessages := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		switch msg.Role {
		case "assistant":
			claudeMessages = append(claudeMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			// Unknown roles are treated as user input
			claudeMessages = append(claudeMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return claudeMessages, systemText, nil
}
