package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/numberforty/legal-case-pro/internal/adapter"
	"github.com/numberforty/legal-case-pro/internal/analytics"
	"github.com/numberforty/legal-case-pro/internal/api"
	"github.com/numberforty/legal-case-pro/internal/bridge"
	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/config"
	"github.com/numberforty/legal-case-pro/internal/store"
	"github.com/numberforty/legal-case-pro/internal/transport"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Environment overrides for config placeholders may live in a .env file.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "casebridge",
		Short:   "Messaging bridge for the legal case manager",
		Long:    "casebridge links the case management app to a WhatsApp account: pairing, outbound sends with manual fallback, message history, and response analytics.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.casebridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(disconnectCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

// setupLogger rebuilds the process logger from config. When a log file is
// set, output goes to both stderr and the file.
func setupLogger(cfg config.GeneralConfig) error {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Bridge.AuthDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "authDir", cfg.Bridge.AuthDir)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge API server",
		Long:  "Starts the HTTP API, message store, and channel session manager. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := setupLogger(cfg.General); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer msgStore.Close()

	eventBus := bus.New(logger)

	manager := bridge.NewManager(bridge.ManagerConfig{
		Factory: transport.Factory(transport.Config{
			ClientID:    cfg.Bridge.ClientID,
			AuthDir:     cfg.Bridge.AuthDir,
			Headless:    cfg.Bridge.Headless,
			InitTimeout: time.Duration(cfg.Bridge.InitTimeoutSeconds) * time.Second,
			Logger:      logger,
		}),
		Bus:          eventBus,
		Logger:       logger,
		CheckTimeout: time.Duration(cfg.Bridge.CheckTimeoutMillis) * time.Millisecond,
	})

	ad := adapter.New(manager, msgStore, eventBus, logger)
	manager.SetRawHandler(ad.HandleTransportEvent)

	engine := analytics.NewEngine(msgStore,
		time.Duration(cfg.Analytics.MaxPairingWindowHours)*time.Hour, logger)

	server := api.NewServer(api.ServerConfig{
		API:             cfg.API,
		Metrics:         cfg.Metrics,
		MaxInitAttempts: cfg.Bridge.MaxInitAttempts,
		Manager:         manager,
		Adapter:         ad,
		Store:           msgStore,
		Engine:          engine,
		Bus:             eventBus,
		Logger:          logger,
	})

	if cfg.Bridge.AutoConnect {
		go func() {
			if err := bridge.InitializeWithRetry(ctx, manager, cfg.Bridge.MaxInitAttempts, logger); err != nil {
				logger.Error("auto-connect failed", "err", err)
			}
		}()
	}

	logger.Info("bridge started. Press Ctrl+C to stop.", "version", version)
	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Disconnect(shutdownCtx); err != nil {
		logger.Warn("session teardown during shutdown", "err", err)
	}
	logger.Info("shutdown complete")
	return serveErr
}

// apiBase returns the base URL of a locally running bridge.
func apiBase(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
}

func statusCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			url := apiBase(cfg) + "/api/whatsapp/status"
			if probe {
				url += "?probe=true"
			}
			return getAndPrint(url)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "actively probe the live session")
	return cmd
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the channel session of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(apiBase(cfg)+"/api/whatsapp/disconnect", "application/json", nil)
			if err != nil {
				return fmt.Errorf("bridge not reachable: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			fmt.Println(strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func getAndPrint(url string) error {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("bridge not reachable: %w", err)
	}
	defer resp.Body.Close()

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. bridge.clientId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. bridge.autoConnect true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(cfg)
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
