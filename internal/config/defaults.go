package config

import "path/filepath"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Bridge: BridgeConfig{
			ClientID:           "legal-case-pro",
			AuthDir:            filepath.Join(DefaultConfigDir(), "auth"),
			Headless:           true,
			AutoConnect:        false,
			InitTimeoutSeconds: 90,
			CheckTimeoutMillis: 3000,
			MaxInitAttempts:    3,
		},
		Store: StoreConfig{
			DBPath: filepath.Join(DefaultConfigDir(), "messages.db"),
		},
		API: APIConfig{
			Host:                "127.0.0.1",
			Port:                8080,
			DefaultHistoryLimit: 50,
		},
		Analytics: AnalyticsConfig{
			MaxPairingWindowHours: 0,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
