// Package config provides configuration loading for the policy engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for policygate.yaml/.yml
// in standard locations. The search requires an explicit YAML extension
// so the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError, which callers handle gracefully.
		viper.SetConfigName("policygate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICYGATE_STORE_BACKEND
	viper.SetEnvPrefix("POLICYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a policygate config
// file with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policygate"),
		"/etc/policygate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policygate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// overrides. Example: POLICYGATE_STORE_SQLITE_PATH overrides
// store.sqlite_path.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.sqlite_path")
	_ = viper.BindEnv("store.jsonl_dir")
	_ = viper.BindEnv("store.jsonl_retention_days")

	_ = viper.BindEnv("decision_log.channel_size")
	_ = viper.BindEnv("decision_log.batch_size")
	_ = viper.BindEnv("decision_log.flush_interval")
	_ = viper.BindEnv("decision_log.send_timeout")

	_ = viper.BindEnv("cache.size")

	_ = viper.BindEnv("seed.enabled")
	_ = viper.BindEnv("seed.template")
	_ = viper.BindEnv("seed.actor")

	_ = viper.BindEnv("telemetry.traces_enabled")

	_ = viper.BindEnv("log_level")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, and validates the result. A missing config
// file is not an error: the engine runs on defaults plus environment.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// an empty string when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
