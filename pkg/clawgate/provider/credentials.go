package provider

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service credentials are stored under.
const KeyringService = "clawgate"

// envKeys maps well-known provider names to their conventional variables.
var envKeys = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"zhipu":      "ZHIPU_API_KEY",
}

// EnvKeyName returns the environment variable holding a provider's key.
// Unknown providers use <NAME>_API_KEY.
func EnvKeyName(provider string) string {
	if v, ok := envKeys[strings.ToLower(provider)]; ok {
		return v
	}
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(provider))
	return name + "_API_KEY"
}

// keyringGet is swapped in tests.
var keyringGet = keyring.Get

// ResolveCredential finds a provider's key: configured value first, then
// the OS keyring, then the environment. Source is "" when none is found.
func ResolveCredential(provider, configured string) (key, source string) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, "config"
	}
	if v, err := keyringGet(KeyringService, provider); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), "keyring"
	}
	if v := strings.TrimSpace(os.Getenv(EnvKeyName(provider))); v != "" {
		return v, "env"
	}
	return "", ""
}

// StoreCredential saves a key in the OS keyring.
func StoreCredential(provider, key string) error {
	return keyring.Set(KeyringService, provider, key)
}
