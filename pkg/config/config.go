package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mikeboe/deep-research/pkg/research"
)

// Search providers accepted by SEARCH_PROVIDER.
const (
	ProviderTavily = "tavily"
	ProviderArxiv  = "arxiv"
)

type Config struct {
	GoogleApiKey   string
	DatabaseURL    string
	ReasoningModel string
	FastModel      string
	Port           string
	LogLevel       string

	// Findings archive
	ChunkSize           int
	ChunkOverlap        int
	EmbeddingModel      string
	EmbeddingDimensions int
	CollectionName      string

	// Collaborators
	TavilyApiKey        string
	MistralApiKey       string
	SearchProvider      string
	SearchRatePerSecond float64

	// Event archive
	RedisURL    string
	EventTTL    time.Duration
	EventMaxLen int64

	// Research loop limits
	MaxDepth          int
	TimeBudget        time.Duration
	MaxFailedAttempts int
}

// lookupFunc returns the raw value for an env-style key, or "" when unset.
type lookupFunc func(key string) string

// Load reads the configuration from the process environment. Call
// godotenv.Load first to pick up a .env file.
func Load() *Config {
	return load(os.Getenv)
}

// LoadFile reads a YAML, TOML or JSON file through viper and overlays it
// under the environment: a set environment variable always wins. File keys
// are the env names in lower case (time_budget: 5m).
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(func(key string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		return v.GetString(strings.ToLower(key))
	}), nil
}

func load(lookup lookupFunc) *Config {
	return &Config{
		GoogleApiKey:   getEnv(lookup, "GOOGLE_API_KEY", ""),
		DatabaseURL:    getEnv(lookup, "DATABASE_URL", ""),
		ReasoningModel: getEnv(lookup, "REASONING_MODEL", "gemini-3-pro-preview"),
		FastModel:      getEnv(lookup, "FAST_MODEL", "gemini-3-flash-preview"),
		Port:           getEnv(lookup, "PORT", "3000"),
		LogLevel:       getEnv(lookup, "LOG_LEVEL", "info"),

		ChunkSize:           getEnvAsInt(lookup, "CHUNK_SIZE", 1000),
		ChunkOverlap:        getEnvAsInt(lookup, "CHUNK_OVERLAP", 200),
		EmbeddingModel:      getEnv(lookup, "EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDimensions: getEnvAsInt(lookup, "EMBEDDING_DIMENSIONS", 1536),
		CollectionName:      getEnv(lookup, "COLLECTION_NAME", "research_findings"),

		TavilyApiKey:        getEnv(lookup, "TAVILY_API_KEY", ""),
		MistralApiKey:       getEnv(lookup, "MISTRAL_API_KEY", ""),
		SearchProvider:      strings.ToLower(getEnv(lookup, "SEARCH_PROVIDER", ProviderTavily)),
		SearchRatePerSecond: getEnvAsFloat(lookup, "SEARCH_RATE_PER_SECOND", 2),

		RedisURL:    getEnv(lookup, "REDIS_URL", ""),
		EventTTL:    getEnvAsDuration(lookup, "EVENT_TTL", 24*time.Hour),
		EventMaxLen: int64(getEnvAsInt(lookup, "EVENT_MAX_LEN", 5000)),

		MaxDepth:          getEnvAsInt(lookup, "RESEARCH_MAX_DEPTH", research.DefaultMaxDepth),
		TimeBudget:        getEnvAsDuration(lookup, "RESEARCH_TIME_BUDGET", research.DefaultTimeBudget),
		MaxFailedAttempts: getEnvAsInt(lookup, "RESEARCH_MAX_FAILED_ATTEMPTS", research.DefaultMaxFailedAttempts),
	}
}

// Validate checks the settings every binary needs to run research.
func (c *Config) Validate() error {
	if c.GoogleApiKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY is required")
	}
	switch c.SearchProvider {
	case ProviderTavily:
		if c.TavilyApiKey == "" {
			return fmt.Errorf("TAVILY_API_KEY is required when SEARCH_PROVIDER=%s", ProviderTavily)
		}
	case ProviderArxiv:
	default:
		return fmt.Errorf("unknown SEARCH_PROVIDER %q", c.SearchProvider)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// ResearchOptions returns the engine limits.
func (c *Config) ResearchOptions() research.Options {
	return research.Options{
		MaxDepth:          c.MaxDepth,
		TimeBudget:        c.TimeBudget,
		MaxFailedAttempts: c.MaxFailedAttempts,
	}
}

func getEnv(lookup lookupFunc, key, defaultValue string) string {
	if value := lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(lookup lookupFunc, key string, defaultValue int) int {
	valueStr := lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(lookup lookupFunc, key string, defaultValue float64) float64 {
	valueStr := lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("8m") or plain seconds ("480").
func getEnvAsDuration(lookup lookupFunc, key string, defaultValue time.Duration) time.Duration {
	valueStr := lookup(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
