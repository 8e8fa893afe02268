package common

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/arca/internal/interfaces"
)

// Config represents the application configuration
type Config struct {
	Environment    string           `toml:"environment"` // "development" or "production"
	FeatureWeights FeatureWeights   `toml:"feature_weights"`
	Similarity     SimilarityConfig `toml:"similarity"`
	Classifier     ClassifierConfig `toml:"classifier"`
	Archive        ArchiveConfig    `toml:"archive"`
	LLM            LLMConfig        `toml:"llm"`
	Security       SecurityConfig   `toml:"security"`
	Storage        StorageConfig    `toml:"storage"`
	PDF            PDFConfig        `toml:"pdf"`
	Logging        LoggingConfig    `toml:"logging"`
	Sources        SourcesConfig    `toml:"sources"`
	Keys           KeysDirConfig    `toml:"keys"`
}

// FeatureWeights holds the similarity engine weights. They must sum to
// 1 +/- 0.01; Normalize rescales them on load when they do not.
type FeatureWeights struct {
	FromDomain float64 `toml:"from_domain"`
	Subject    float64 `toml:"subject"`
	HasPDF     float64 `toml:"has_pdf"`
	Body       float64 `toml:"body"`
	To         float64 `toml:"to"`
}

// Sum returns the total weight mass.
func (w FeatureWeights) Sum() float64 {
	return w.FromDomain + w.Subject + w.HasPDF + w.Body + w.To
}

// Normalize rescales the weights to sum to 1 when they drift outside
// the 0.01 tolerance. Zero-sum weights reset to defaults.
func (w *FeatureWeights) Normalize() {
	sum := w.Sum()
	if sum <= 0 {
		*w = NewDefaultConfig().FeatureWeights
		return
	}
	if math.Abs(sum-1.0) <= 0.01 {
		return
	}
	w.FromDomain /= sum
	w.Subject /= sum
	w.HasPDF /= sum
	w.Body /= sum
	w.To /= sum
}

type SimilarityConfig struct {
	MinThreshold        float64 `toml:"min_threshold"`         // Scores below this never pre-fill a workflow
	SkipLLMThreshold    float64 `toml:"skip_llm_threshold"`    // Above this the advisor is never consulted
	MinTrainingExamples int     `toml:"min_training_examples"` // Below this count the similarity gate is disabled
}

type ClassifierConfig struct {
	GateEnabled       bool    `toml:"gate_enabled"`        // Disable to always consult the advisor
	GateMinConfidence float64 `toml:"gate_min_confidence"` // Default trust threshold for advisor labels
}

type ArchiveConfig struct {
	BasePath            string `toml:"base_path"`
	Layout              string `toml:"layout"` // Only "v2" is supported
	SaveOriginals       bool   `toml:"save_originals"`
	OriginalsPrefixDate bool   `toml:"originals_prefix_date"`
	ConvertAttachments  bool   `toml:"convert_attachments"` // text/* to PDF, TSV to CSV
	ManifestEnabled     bool   `toml:"manifest_enabled"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// Model aliases map to concrete provider models.
const (
	ModelAliasFast     = "fast"
	ModelAliasBalanced = "balanced"
	ModelAliasDeep     = "deep"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	Enabled         bool         `toml:"enabled"`
	DefaultProvider LLMProvider  `toml:"default_provider"` // "claude" or "gemini"
	ModelAlias      string       `toml:"model_alias"`      // fast, balanced, deep
	Claude          ClaudeConfig `toml:"claude"`
	Gemini          GeminiConfig `toml:"gemini"`
	DatabaseURL     string       `toml:"database_url"` // Switches the advisor to DB-backed mode when set
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key (ANTHROPIC_API_KEY or config)
	Model       string  `toml:"model"`       // Overrides the alias mapping when set
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 2048)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "2m")
	RateLimit   string  `toml:"rate_limit"`  // Minimum interval between requests (default: "1s")
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.2)
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`     // Google Gemini API key
	Model       string  `toml:"model"`       // Overrides the alias mapping when set
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "2m")
	RateLimit   string  `toml:"rate_limit"`  // Minimum interval between requests (default: "4s")
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.2)
}

type SecurityConfig struct {
	MaxEmailSizeMB int `toml:"max_email_size_mb"`
}

type StorageConfig struct {
	BadgerPath               string `toml:"badger_path"` // Dedup, workflow, criteria, and KV state
	ResetOnStartup           bool   `toml:"reset_on_startup"`
	MaxCriteriaInstancesSoft int    `toml:"max_criteria_instances_soft"` // Milestone warning, not a cap
	MaxWorkflows             int    `toml:"max_workflows"`
}

type PDFConfig struct {
	Engine       string `toml:"engine"`        // "builtin" (fpdf) or "chromium" (headless print)
	Timeout      string `toml:"timeout"`       // Render timeout as duration string (default: "60s")
	ChromiumPath string `toml:"chromium_path"` // Optional explicit browser binary for the chromium engine
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// SourcesConfig groups per-adapter settings.
type SourcesConfig struct {
	IMAP          IMAPSourceConfig  `toml:"imap"`
	Gmail         GmailSourceConfig `toml:"gmail"`
	Slack         SlackSourceConfig `toml:"slack"`
	GDocs         GDocsSourceConfig `toml:"gdocs"`
	WatchSchedule string            `toml:"watch_schedule"` // Cron expression for `arca watch`
}

type IMAPSourceConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Mailbox  string `toml:"mailbox"`
	UseTLS   bool   `toml:"use_tls"`
}

type GmailSourceConfig struct {
	CredentialsFile string `toml:"credentials_file"` // OAuth client secret JSON
	TokenFile       string `toml:"token_file"`       // Cached user token JSON
	Query           string `toml:"query"`
	Label           string `toml:"label"`
	ProcessedLabel  string `toml:"processed_label"`
	RateLimit       string `toml:"rate_limit"` // Minimum interval between API calls (default: "250ms")
}

type SlackSourceConfig struct {
	Token     string   `toml:"token"` // Bot token (xoxb-...)
	Channels  []string `toml:"channels"`
	RateLimit string   `toml:"rate_limit"` // Minimum interval between API calls (default: "1200ms")
}

type GDocsSourceConfig struct {
	CredentialsFile string `toml:"credentials_file"`
	TokenFile       string `toml:"token_file"`
	FolderID        string `toml:"folder_id"` // Drive folder to enumerate
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in arca.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		FeatureWeights: FeatureWeights{
			FromDomain: 0.30,
			Subject:    0.25,
			HasPDF:     0.20,
			Body:       0.15,
			To:         0.10,
		},
		Similarity: SimilarityConfig{
			MinThreshold:        0.50,
			SkipLLMThreshold:    0.98,
			MinTrainingExamples: 5,
		},
		Classifier: ClassifierConfig{
			GateEnabled:       true,
			GateMinConfidence: 0.80,
		},
		Archive: ArchiveConfig{
			BasePath:            "./archive",
			Layout:              "v2",
			SaveOriginals:       true,
			OriginalsPrefixDate: true,
			ConvertAttachments:  false,
			ManifestEnabled:     true,
		},
		LLM: LLMConfig{
			Enabled:         true,
			DefaultProvider: LLMProviderClaude,
			ModelAlias:      ModelAliasBalanced,
			Claude: ClaudeConfig{
				APIKey:      "", // User must provide API key (ANTHROPIC_API_KEY or config)
				MaxTokens:   2048,
				Timeout:     "2m",
				RateLimit:   "1s",
				Temperature: 0.2,
			},
			Gemini: GeminiConfig{
				APIKey:      "",
				Timeout:     "2m",
				RateLimit:   "4s", // 15 RPM free tier
				Temperature: 0.2,
			},
		},
		Security: SecurityConfig{
			MaxEmailSizeMB: 25,
		},
		Storage: StorageConfig{
			BadgerPath:               "./data",
			MaxCriteriaInstancesSoft: 1000,
			MaxWorkflows:             100,
		},
		PDF: PDFConfig{
			Engine:  "builtin",
			Timeout: "60s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Sources: SourcesConfig{
			IMAP: IMAPSourceConfig{
				Port:    993,
				Mailbox: "INBOX",
				UseTLS:  true,
			},
			Gmail: GmailSourceConfig{
				Query:          "has:attachment",
				ProcessedLabel: "arca/processed",
				RateLimit:      "250ms",
			},
			Slack: SlackSourceConfig{
				RateLimit: "1200ms",
			},
			WatchSchedule: "*/15 * * * *",
		},
		Keys: KeysDirConfig{
			Dir: "./keys",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
// kvStorage can be nil (key replacement is skipped).
func LoadFromFile(kvStorage interfaces.KeyValueStorage, path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles(kvStorage)
	}
	return LoadFromFiles(kvStorage, path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// files. A file that fails to parse is renamed aside
// ({path}.invalid-{ts}) and its settings revert to the running defaults.
func LoadFromFiles(kvStorage interfaces.KeyValueStorage, paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			backup := fmt.Sprintf("%s.invalid-%s", path, time.Now().UTC().Format("20060102T150405Z"))
			if renameErr := os.Rename(path, backup); renameErr == nil {
				GetLogger().Warn().
					Str("path", path).
					Str("backup", backup).
					Err(err).
					Msg("Config file failed to parse; moved aside and defaults restored")
				config = NewDefaultConfig()
				continue
			}
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.ResolveKVReferences(context.Background(), kvStorage)

	applyEnvOverrides(config)

	if err := config.Normalize(); err != nil {
		return nil, err
	}

	return config, nil
}

// ResolveKVReferences resolves {key-name} references and well-known
// secret keys against the KV store. LoadFromFiles calls it when a store
// is already open; the app calls it again after seeding the store from
// the keys directory. A nil store is a no-op.
func (c *Config) ResolveKVReferences(ctx context.Context, kvStorage interfaces.KeyValueStorage) {
	if kvStorage == nil {
		return
	}

	if kvMap, err := kvStorage.GetAll(ctx); err == nil && len(kvMap) > 0 {
		if err := ReplaceInStruct(c, kvMap, GetLogger()); err != nil {
			GetLogger().Warn().Err(err).Msg("Key reference replacement failed")
		}
	}

	// Well-known keys fill empty secrets without needing references
	if apiKey, err := kvStorage.Get(ctx, "anthropic_api_key"); err == nil && apiKey != "" && c.LLM.Claude.APIKey == "" {
		c.LLM.Claude.APIKey = apiKey
	}
	if apiKey, err := kvStorage.Get(ctx, "gemini_api_key"); err == nil && apiKey != "" && c.LLM.Gemini.APIKey == "" {
		c.LLM.Gemini.APIKey = apiKey
	}
	if token, err := kvStorage.Get(ctx, "slack_token"); err == nil && token != "" && c.Sources.Slack.Token == "" {
		c.Sources.Slack.Token = token
	}
}

// Normalize validates the loaded config and rescales tolerant values.
// Hard violations return a configuration error; drifted feature weights
// renormalize silently (newer-variant semantics).
func (c *Config) Normalize() error {
	c.FeatureWeights.Normalize()

	if c.Archive.Layout == "" {
		c.Archive.Layout = "v2"
	}
	if c.Archive.Layout != "v2" {
		return fmt.Errorf("unsupported archive layout %q (only v2)", c.Archive.Layout)
	}
	if c.Archive.BasePath == "" {
		return fmt.Errorf("archive.base_path is required")
	}
	if c.Security.MaxEmailSizeMB <= 0 {
		c.Security.MaxEmailSizeMB = 25
	}
	if c.Storage.MaxWorkflows <= 0 || c.Storage.MaxWorkflows > 100 {
		c.Storage.MaxWorkflows = 100
	}
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"similarity.min_threshold", c.Similarity.MinThreshold},
		{"similarity.skip_llm_threshold", c.Similarity.SkipLLMThreshold},
		{"classifier.gate_min_confidence", c.Classifier.GateMinConfidence},
	} {
		if v.value < 0 || v.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", v.name, v.value)
		}
	}
	switch c.PDF.Engine {
	case "", "builtin", "chromium":
	default:
		return fmt.Errorf("unknown pdf engine %q (builtin or chromium)", c.PDF.Engine)
	}
	if c.PDF.Engine == "" {
		c.PDF.Engine = "builtin"
	}
	switch c.LLM.DefaultProvider {
	case "", LLMProviderClaude, LLMProviderGemini:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.DefaultProvider)
	}
	switch c.LLM.ModelAlias {
	case "", ModelAliasFast, ModelAliasBalanced, ModelAliasDeep:
	default:
		return fmt.Errorf("unknown llm model alias %q", c.LLM.ModelAlias)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: ARCA_ENV, fallback: GO_ENV)
	if env := os.Getenv("ARCA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Archive configuration
	if basePath := os.Getenv("ARCA_ARCHIVE_BASE_PATH"); basePath != "" {
		config.Archive.BasePath = basePath
	}
	if saveOriginals := os.Getenv("ARCA_ARCHIVE_SAVE_ORIGINALS"); saveOriginals != "" {
		if so, err := strconv.ParseBool(saveOriginals); err == nil {
			config.Archive.SaveOriginals = so
		}
	}
	if convert := os.Getenv("ARCA_ARCHIVE_CONVERT_ATTACHMENTS"); convert != "" {
		if ca, err := strconv.ParseBool(convert); err == nil {
			config.Archive.ConvertAttachments = ca
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("ARCA_BADGER_PATH"); badgerPath != "" {
		config.Storage.BadgerPath = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("ARCA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ARCA_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("ARCA_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Security configuration
	if maxSize := os.Getenv("ARCA_SECURITY_MAX_EMAIL_SIZE_MB"); maxSize != "" {
		if ms, err := strconv.Atoi(maxSize); err == nil && ms > 0 {
			config.Security.MaxEmailSizeMB = ms
		}
	}

	// LLM configuration
	if enabled := os.Getenv("ARCA_LLM_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.LLM.Enabled = e
		}
	}
	if provider := os.Getenv("ARCA_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
	if alias := os.Getenv("ARCA_LLM_MODEL_ALIAS"); alias != "" {
		config.LLM.ModelAlias = alias
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.LLM.DatabaseURL = dbURL
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.LLM.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("ARCA_CLAUDE_API_KEY"); apiKey != "" {
		config.LLM.Claude.APIKey = apiKey // ARCA_ prefix takes priority
	}
	if model := os.Getenv("ARCA_CLAUDE_MODEL"); model != "" {
		config.LLM.Claude.Model = model
	}

	// Gemini configuration
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.LLM.Gemini.APIKey = apiKey
	}
	if apiKey := os.Getenv("ARCA_GEMINI_API_KEY"); apiKey != "" {
		config.LLM.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("ARCA_GEMINI_MODEL"); model != "" {
		config.LLM.Gemini.Model = model
	}

	// PDF configuration
	if engine := os.Getenv("ARCA_PDF_ENGINE"); engine != "" {
		config.PDF.Engine = engine
	}
	if timeout := os.Getenv("ARCA_PDF_TIMEOUT"); timeout != "" {
		if _, err := time.ParseDuration(timeout); err == nil {
			config.PDF.Timeout = timeout
		}
	}

	// Source configuration
	if password := os.Getenv("ARCA_IMAP_PASSWORD"); password != "" {
		config.Sources.IMAP.Password = password
	}
	if token := os.Getenv("ARCA_SLACK_TOKEN"); token != "" {
		config.Sources.Slack.Token = token
	}
	if schedule := os.Getenv("ARCA_WATCH_SCHEDULE"); schedule != "" {
		config.Sources.WatchSchedule = schedule
	}
}

// ResolveAPIKey resolves an API key by name with environment variable priority.
// Resolution order: environment variables -> KV store -> config fallback -> error.
func ResolveAPIKey(ctx context.Context, kvStorage interfaces.KeyValueStorage, name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"anthropic_api_key": {"ARCA_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
		"claude_api_key":    {"ARCA_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
		"gemini_api_key":    {"ARCA_GEMINI_API_KEY", "GEMINI_API_KEY"},
		"slack_token":       {"ARCA_SLACK_TOKEN"},
	}

	if envVarNames, hasMappedEnv := keyToEnvMapping[name]; hasMappedEnv {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	if kvStorage != nil {
		apiKey, err := kvStorage.Get(ctx, name)
		if err == nil && apiKey != "" {
			return apiKey, nil
		}
	}

	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment, KV store, or config", name)
}

// ParseDurationOr parses a duration string, returning fallback when empty
// or malformed.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct to prevent
// mutations of the original config.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	if len(c.Sources.Slack.Channels) > 0 {
		clone.Sources.Slack.Channels = make([]string, len(c.Sources.Slack.Channels))
		copy(clone.Sources.Slack.Channels, c.Sources.Slack.Channels)
	}

	return &clone
}
