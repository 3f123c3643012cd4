package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "MODSANDBOX_CONFIG"

// GetConfigPath returns $MODSANDBOX_CONFIG when set, otherwise
// ~/.modsandbox/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv(EnvConfigPath); configPath != "" {
		return configPath, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".modsandbox", "config"), nil
}
