package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// secretKeys are the document keys that hold credentials.
var secretKeys = map[string]bool{
	"api_key":    true,
	"token":      true,
	"auth_token": true,
	"password":   true,
}

// PlaintextSecrets lists the dotted paths of credentials written literally
// in the primary or legacy document instead of as ${VAR} references.
func PlaintextSecrets(primary, legacy string) ([]string, error) {
	raw, err := mergedDocument(primary, legacy)
	if err != nil {
		return nil, err
	}
	var found []string
	walkSecrets("", raw, &found)
	sort.Strings(found)
	return found, nil
}

func walkSecrets(prefix string, v any, found *[]string) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	for k, val := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if s, ok := val.(string); ok && secretKeys[k] && LooksLikeRealKey(s) {
			*found = append(*found, path)
			continue
		}
		walkSecrets(path, val, found)
	}
}

// LooksLikeRealKey reports whether s is a literal credential rather than
// an environment reference or a placeholder.
func LooksLikeRealKey(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// Mask hides all but the last four characters of a secret.
func Mask(s string) string {
	if s == "" || IsEnvReference(s) {
		return s
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// Redacted returns a copy of cfg with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = make(map[string]provider.ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		p.APIKey = Mask(p.APIKey)
		out.Providers[name] = p
	}
	out.Channels.Discord.Token = Mask(c.Channels.Discord.Token)
	out.Channels.Telegram.Token = Mask(c.Channels.Telegram.Token)
	out.Health.AuthToken = Mask(c.Health.AuthToken)
	return &out
}

// OpenPermissions reports whether path is readable by group or others.
// Missing files report false.
func OpenPermissions(path string) (bool, string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	mode := info.Mode().Perm()
	return mode&0o044 != 0, fmt.Sprintf("%04o", mode), nil
}
