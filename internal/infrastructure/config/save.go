package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Save merges the given settings into the config file for one scope
// ("global" writes ~/.agentrunner/config.yaml, "project" writes
// ./config.yaml under the workspace) and returns the path written.
// Existing keys not named in settings are preserved.
func Save(scope, workspace string, settings map[string]interface{}) (string, error) {
	var path string
	switch scope {
	case "global", "":
		path = filepath.Join(os.Getenv("HOME"), ".agentrunner", "config.yaml")
	case "project":
		dir := workspace
		if dir == "" {
			dir = "."
		}
		path = filepath.Join(dir, "config.yaml")
	default:
		return "", fmt.Errorf("unknown settings scope %q", scope)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return "", fmt.Errorf("read existing config: %w", err)
		}
	}

	for key, value := range settings {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
