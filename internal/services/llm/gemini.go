package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// GeminiProvider implements the LLMProvider interface using the Google
// Gemini API.
type GeminiProvider struct {
	config  *common.GeminiConfig
	model   string
	logger  arbor.ILogger
	apiKey  string
	client  *genai.Client
	limiter *rate.Limiter
	timeout time.Duration
}

var _ interfaces.LLMProvider = (*GeminiProvider)(nil)

// NewGeminiProvider creates a Gemini provider. The genai client is
// created lazily on first use so construction never touches the network.
func NewGeminiProvider(cfg *common.GeminiConfig, alias string, kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) (*GeminiProvider, error) {
	ctx := context.Background()
	apiKey, err := common.ResolveAPIKey(ctx, kvStorage, "gemini_api_key", cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Gemini API key is required for the Gemini provider (set GEMINI_API_KEY, ARCA_GEMINI_API_KEY, or llm.gemini.api_key in config): %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = geminiModelFor(alias)
	}

	timeout := common.ParseDurationOr(cfg.Timeout, 2*time.Minute)
	interval := common.ParseDurationOr(cfg.RateLimit, 4*time.Second)

	p := &GeminiProvider{
		config:  cfg,
		model:   model,
		logger:  logger,
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		timeout: timeout,
	}

	logger.Debug().
		Str("model", model).
		Dur("timeout", timeout).
		Dur("rate_interval", interval).
		Float32("temperature", cfg.Temperature).
		Msg("Gemini provider initialized")

	return p, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return string(common.LLMProviderGemini)
}

// Model returns the concrete model in use.
func (p *GeminiProvider) Model() string {
	return p.model
}

// getClient returns the genai client, creating it on first use.
func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	if p.client != nil {
		return p.client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	p.client = client
	return client, nil
}

// Chat generates a completion for the request. When an OutputSchema is
// present, Gemini enforces JSON output matching it server-side.
func (p *GeminiProvider) Chat(ctx context.Context, req *interfaces.ChatRequest) (string, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", fmt.Errorf("messages cannot be empty for chat completion")
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return "", err
	}

	contents, systemText, err := convertMessagesToGemini(req.Messages)
	if err != nil {
		return "", fmt.Errorf("failed to convert messages to Gemini format: %w", err)
	}
	if req.SystemInstruction != "" {
		systemText = req.SystemInstruction
	}

	temp := req.Temperature
	if temp <= 0 {
		temp = p.config.Temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if systemText != "" {
		config.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
	}

	if len(req.OutputSchema) > 0 {
		schema, schemaErr := convertToGenaiSchema(req.OutputSchema)
		if schemaErr != nil {
			// Fall back to prompt-only JSON instructions rather than failing
			p.logger.Warn().Err(schemaErr).Msg("Failed to convert output schema, relying on prompt")
		} else if schema != nil {
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = schema
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var resp *genai.GenerateContentResponse
	var apiErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := p.limiter.Wait(timeoutCtx); err != nil {
			return "", err
		}

		resp, apiErr = client.Models.GenerateContent(timeoutCtx, p.model, contents, config)
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
			Msg("Retrying Gemini API call")

		select {
		case <-timeoutCtx.Done():
			return "", timeoutCtx.Err()
		case <-time.After(backoff):
		}
	}
	if apiErr != nil {
		return "", fmt.Errorf("Gemini API call failed after %d attempts: %w", maxAttempts, apiErr)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini API")
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty text in Gemini response")
	}
	return text, nil
}

// HealthCheck verifies the provider is reachable with a minimal probe.
func (p *GeminiProvider) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	response, err := p.Chat(probeCtx, &interfaces.ChatRequest{
		Messages:  []interfaces.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 16,
	})
	if err != nil {
		return fmt.Errorf("Gemini health check failed: %w", err)
	}
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("Gemini health check returned empty response")
	}
	return nil
}

// Close releases the cached client.
func (p *GeminiProvider) Close() error {
	p.client = nil
	return nil
}

// convertMessagesToGemini converts []interfaces.Message to Gemini
// Content format, extracting the first system message for use with
// SystemInstruction.
func convertMessagesToGemini(messages []interfaces.Message) ([]*genai.Content, string, error) {
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

	contents := make([]*genai.Content, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemText == "" {
				systemText = msg.Content
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
			})
		default:
			// Unknown roles are treated as user input
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
			})
		}
	}

	return contents, systemText, nil
}

// convertToGenaiSchema converts a generic JSON schema map to the genai
// Schema structure. Only the subset the advisor emits is supported:
// object/array/string/number/integer/boolean types, properties,
// required, items, enum, and description.
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	schema := &genai.Schema{}

	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		default:
			return nil, fmt.Errorf("unsupported schema type %q", typeStr)
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if props, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			propMap, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("property %q is not a schema object", name)
			}
			propSchema, err := convertToGenaiSchema(propMap)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			schema.Properties[name] = propSchema
		}
	}

	if items, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		schema.Items = itemSchema
	}

	if required, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	} else if required, ok := schemaMap["required"].([]string); ok {
		schema.Required = append(schema.Required, required...)
	}

	if enum, ok := schemaMap["enum"].([]interface{}); ok {
		for _, e := range enum {
			if value, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, value)
			}
		}
	} else if enum, ok := schemaMap["enum"].([]string); ok {
		schema.Enum = append(schema.Enum, enum...)
	}

	return schema, nil
}
