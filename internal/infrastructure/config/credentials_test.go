package config

import (
	"os"
	"testing"
)

func TestCredential_UnmarshalLegacyString(t *testing.T) {
	var c Credential
	if err := c.UnmarshalJSON([]byte(`"sk-legacy"`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if c.Type != "apiKey" || c.Key != "sk-legacy" {
		t.Errorf("cred = %+v", c)
	}
}

func TestCredential_UnmarshalTypedRecord(t *testing.T) {
	var c Credential
	if err := c.UnmarshalJSON([]byte(`{"type":"oauth"}`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if c.Type != "oauth" || c.Key != "" {
		t.Errorf("cred = %+v", c)
	}
}

func TestResolveAPIKey_Priority(t *testing.T) {
	creds := map[string]Credential{
		"openai":    {Type: "apiKey", Key: "from-file"},
		"anthropic": {Type: "oauth"},
	}

	// Environment wins over the file.
	os.Setenv("OPENAI_API_KEY", "from-env")
	defer os.Unsetenv("OPENAI_API_KEY")
	if got := ResolveAPIKey("openai", creds, "from-config"); got != "from-env" {
		t.Errorf("key = %q, want from-env", got)
	}

	// File wins over config when no env var is set.
	os.Unsetenv("OPENAI_API_KEY")
	if got := ResolveAPIKey("openai", creds, "from-config"); got != "from-file" {
		t.Errorf("key = %q, want from-file", got)
	}

	// OAuth entries yield no key from the file.
	if got := ResolveAPIKey("anthropic", creds, "from-config"); got != "from-config" {
		t.Errorf("key = %q, want from-config for oauth entry", got)
	}

	// Unknown provider falls back to config.
	if got := ResolveAPIKey("mystery", creds, "cfg"); got != "cfg" {
		t.Errorf("key = %q, want cfg", got)
	}
}
