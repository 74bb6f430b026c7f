package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credential is one provider entry in ~/.agentrunner/credentials.json.
// Legacy files map the provider name straight to a key string; current
// files use a typed record. OAuth entries mean "defer to the local
// subscription-auth helper" — no API key is read for them.
type Credential struct {
	Type string `json:"type"` // "apiKey" | "oauth"
	Key  string `json:"key,omitempty"`
}

// UnmarshalJSON accepts both the legacy plain-string form and the
// typed record.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		c.Type = "apiKey"
		c.Key = legacy
		return nil
	}
	type alias Credential
	var rec alias
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*c = Credential(rec)
	return nil
}

// LoadCredentials reads the per-user credentials file. A missing file
// is not an error — providers then rely on config.yaml keys and
// environment variables alone.
func LoadCredentials() (map[string]Credential, error) {
	path := filepath.Join(HomeDir(), "credentials.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	creds := map[string]Credential{}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds, nil
}

// ResolveAPIKey returns the API key for a provider, in priority order:
// <PROVIDER>_API_KEY environment variable, credentials.json entry,
// then the config.yaml fallback. OAuth entries yield no key.
func ResolveAPIKey(provider string, creds map[string]Credential, configKey string) string {
	envName := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	if key := os.Getenv(envName); key != "" {
		return key
	}
	if cred, ok := creds[provider]; ok && cred.Type != "oauth" && cred.Key != "" {
		return cred.Key
	}
	return configKey
}
