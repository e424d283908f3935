package config

import (
	"fmt"
	"os"
)

// ResolveAPIKey resolves the provider API key based on the configured source.
// Supported sources: "env" (from the LLM_API_KEY environment variable),
// "config" (from the config file value), "none" (no key; local deployments).
func ResolveAPIKey(cfg ProviderConfig) (string, error) {
	switch cfg.APIKeySource {
	case "env":
		val := os.Getenv("LLM_API_KEY")
		if val == "" {
			return "", fmt.Errorf("environment variable LLM_API_KEY is not set")
		}
		return val, nil
	case "config":
		if cfg.APIKey == "" {
			return "", fmt.Errorf("api_key_source is 'config' but no api_key value provided")
		}
		return cfg.APIKey, nil
	case "none", "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown api_key_source: %q", cfg.APIKeySource)
	}
}
