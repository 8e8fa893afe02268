package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// Message represents a single message in a chat conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role string

	// Content contains the text content of the message
	Content string
}

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	// Messages is the conversation history in chronological order
	Messages []Message

	// SystemInstruction overrides any system message in Messages
	SystemInstruction string

	// MaxTokens caps the response length; 0 uses the provider default
	MaxTokens int

	// Temperature overrides the configured temperature when > 0
	Temperature float32

	// OutputSchema is a JSON schema for structured output. Providers
	// with server-side schema enforcement apply it; others rely on the
	// prompt alone.
	OutputSchema map[string]interface{}
}

// LLMProvider defines the interface for a single language model backend.
// Implementations wrap one vendor API (Anthropic Claude, Google Gemini)
// and own their rate limiting and retries.
type LLMProvider interface {
	// Name returns the provider identifier ("claude" or "gemini")
	Name() string

	// Model returns the concrete model identifier in use
	Model() string

	// Chat generates a completion for the request
	Chat(ctx context.Context, req *ChatRequest) (string, error)

	// HealthCheck verifies the provider is reachable and authenticated
	HealthCheck(ctx context.Context) error

	// Close releases HTTP connections and cached clients
	Close() error
}

// ClassifyRequest carries one item to the advisor: the text to classify,
// adapter metadata, and the workflow catalogue to choose from.
type ClassifyRequest struct {
	Text      string
	Meta      map[string]string
	Workflows []models.Workflow
	Options   models.ClassifyOptions
}

// AdvisorService asks a language model to pick a workflow for an item.
// The advisor is consulted only when similarity scoring cannot decide
// on its own; it never archives anything itself.
type AdvisorService interface {
	// Classify returns the model's workflow recommendation. A decision
	// with an empty label is an abstention. A nil decision with nil
	// error means the advisor is disabled.
	Classify(ctx context.Context, req *ClassifyRequest) (*models.Decision, error)

	// Feedback records the user's verdict on an earlier decision so the
	// advisor's decision log and training data can learn from it
	Feedback(decisionID, label, reason string) error

	// EstimateCost predicts the spend of advising itemCount items, for
	// the user-visible confirmation before large batches
	EstimateCost(itemCount int) models.CostEstimate

	// Enabled reports whether an underlying provider is configured
	Enabled() bool
}
