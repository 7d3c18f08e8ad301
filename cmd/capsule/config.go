package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address      string `yaml:"address"`
	IdentityFile string `yaml:"identity_file"`
	TLSCACert    string `yaml:"tls_ca_cert,omitempty"`
	LogLevel     string `yaml:"log_level"`
}

var cfg CLIConfig

// configDir holds the config, the default identity and the unlocked-state
// file.
func configDir() string {
	if v := os.Getenv("TIMECAPSULE_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".timecapsule")
}

func configPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// loadConfig loads the CLI config from disk and applies env overrides.
func loadConfig() {
	cfg = CLIConfig{
		Address:      "http://127.0.0.1:8200",
		IdentityFile: filepath.Join(configDir(), "identity.seed"),
		LogLevel:     "warn",
	}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &cfg) //nolint:errcheck
	}
	if v := os.Getenv("TIMECAPSULE_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("TIMECAPSULE_CACERT"); v != "" {
		cfg.TLSCACert = v
	}
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
