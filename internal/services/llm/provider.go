package llm

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// Concrete models behind the fast/balanced/deep aliases. An explicit
// model name in config overrides the alias mapping.
const (
	claudeModelFast     = "claude-3-5-haiku-20241022"
	claudeModelBalanced = "claude-sonnet-4-20250514"
	claudeModelDeep     = "claude-opus-4-20250514"

	geminiModelFast     = "gemini-2.0-flash-lite"
	geminiModelBalanced = "gemini-2.0-flash"
	geminiModelDeep     = "gemini-2.5-pro"
)

// NewProvider builds the configured LLM provider. Returns (nil, nil)
// when the advisor is disabled so callers can wire an absent provider
// without special cases.
func NewProvider(cfg *common.LLMConfig, kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) (interfaces.LLMProvider, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	switch cfg.DefaultProvider {
	case common.LLMProviderClaude, "":
		return NewClaudeProvider(&cfg.Claude, cfg.ModelAlias, kvStorage, logger)
	case common.LLMProviderGemini:
		return NewGeminiProvider(&cfg.Gemini, cfg.ModelAlias, kvStorage, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: must be 'claude' or 'gemini'", cfg.DefaultProvider)
	}
}

// claudeModelFor maps a model alias to a concrete Claude model.
func claudeModelFor(alias string) string {
	switch alias {
	case common.ModelAliasFast:
		return claudeModelFast
	case common.ModelAliasDeep:
		return claudeModelDeep
	default:
		return claudeModelBalanced
	}
}

// geminiModelFor maps a model alias to a concrete Gemini model.
func geminiModelFor(alias string) string {
	switch alias {
	case common.ModelAliasFast:
		return geminiModelFast
	case common.ModelAliasDeep:
		return geminiModelDeep
	default:
		return geminiModelBalanced
	}
}
