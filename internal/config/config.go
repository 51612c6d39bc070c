package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the messaging bridge.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	API       APIConfig       `json:"api" yaml:"api"`
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// BridgeConfig configures the channel session. ClientID keys the local
// credential cache under AuthDir so a previously paired session survives
// process restarts without re-scanning.
type BridgeConfig struct {
	ClientID           string `json:"clientId" yaml:"clientId"`
	AuthDir            string `json:"authDir" yaml:"authDir"`
	Headless           bool   `json:"headless" yaml:"headless"`
	AutoConnect        bool   `json:"autoConnect" yaml:"autoConnect"`
	InitTimeoutSeconds int    `json:"initTimeoutSeconds" yaml:"initTimeoutSeconds"`
	CheckTimeoutMillis int    `json:"checkTimeoutMillis" yaml:"checkTimeoutMillis"`
	MaxInitAttempts    int    `json:"maxInitAttempts" yaml:"maxInitAttempts"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type APIConfig struct {
	Host                string `json:"host" yaml:"host"`
	Port                int    `json:"port" yaml:"port"`
	DefaultHistoryLimit int    `json:"defaultHistoryLimit" yaml:"defaultHistoryLimit"`
}

// AnalyticsConfig tunes response-time pairing. MaxPairingWindowHours caps how
// old a pending inbound message may be and still pair with an outbound reply;
// zero pairs regardless of age.
type AnalyticsConfig struct {
	MaxPairingWindowHours int `json:"maxPairingWindowHours" yaml:"maxPairingWindowHours"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.casebridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".casebridge"
	}
	return filepath.Join(home, ".casebridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON (or, by extension, YAML) config file, expands environment
// variables and ~ paths, and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Bridge.AuthDir = ExpandPath(cfg.Bridge.AuthDir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Bridge.ClientID == "" {
		errs = append(errs, "bridge.clientId must not be empty")
	}
	if cfg.Bridge.InitTimeoutSeconds < 1 {
		errs = append(errs, "bridge.initTimeoutSeconds must be >= 1")
	}
	if cfg.Bridge.CheckTimeoutMillis < 1 {
		errs = append(errs, "bridge.checkTimeoutMillis must be >= 1")
	}
	if cfg.Bridge.MaxInitAttempts < 1 || cfg.Bridge.MaxInitAttempts > 10 {
		errs = append(errs, "bridge.maxInitAttempts must be between 1 and 10")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.DefaultHistoryLimit < 1 {
		errs = append(errs, "api.defaultHistoryLimit must be >= 1")
	}

	if cfg.Analytics.MaxPairingWindowHours < 0 {
		errs = append(errs, "analytics.maxPairingWindowHours must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
