package config

import (
	"fmt"
	"os"
)

// MaxEmbeddingBatch is the provider limit on inputs per embeddings call.
const MaxEmbeddingBatch = 100

// EmbeddingConfig defines the text embedding provider.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`    // openai-compatible
	Model      string `mapstructure:"model"`       // Model name/ID
	APIKey     string `mapstructure:"api_key"`     // API key (can be set directly or via env var)
	APIKeyEnv  string `mapstructure:"api_key_env"` // Environment variable name for API key
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"` // Fixed vector dimension for the whole table
}

// VLMConfig defines the multimodal analysis provider.
type VLMConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// ResolveEnvVars loads the API key from APIKeyEnv when no direct value is set.
func (c *EmbeddingConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		c.APIKey = os.Getenv(c.APIKeyEnv)
	}
}

// Validate checks that the embedding configuration has all required fields.
// Returns an error describing the first validation failure, or nil if valid.
func (c *EmbeddingConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("embedding: model is required")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("embedding: dimensions must be positive")
	}
	switch c.Provider {
	case "openai-compatible", "openai":
	default:
		return fmt.Errorf("embedding: unknown provider %q", c.Provider)
	}
	return nil
}

// ResolveEnvVars loads the API key from APIKeyEnv when no direct value is set.
func (c *VLMConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		c.APIKey = os.Getenv(c.APIKeyEnv)
	}
}

// Validate checks that the analysis provider configuration is usable.
func (c *VLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("vlm: model is required")
	}
	switch c.Provider {
	case "openai-compatible", "openai":
	default:
		return fmt.Errorf("vlm: unknown provider %q", c.Provider)
	}
	return nil
}
