package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Defaults()
	cfg.Bridge.ClientID = "firm-west"
	cfg.API.Port = 9090
	cfg.Analytics.MaxPairingWindowHours = 48

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Bridge.ClientID != "firm-west" {
		t.Errorf("clientId = %q", loaded.Bridge.ClientID)
	}
	if loaded.API.Port != 9090 {
		t.Errorf("port = %d", loaded.API.Port)
	}
	if loaded.Analytics.MaxPairingWindowHours != 48 {
		t.Errorf("pairing window = %d", loaded.Analytics.MaxPairingWindowHours)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
bridge:
  clientId: firm-east
api:
  port: 9191
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bridge.ClientID != "firm-east" {
		t.Errorf("clientId = %q", cfg.Bridge.ClientID)
	}
	if cfg.API.Port != 9191 {
		t.Errorf("port = %d", cfg.API.Port)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Bridge.InitTimeoutSeconds != 90 {
		t.Errorf("initTimeoutSeconds = %d", cfg.Bridge.InitTimeoutSeconds)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CB_TEST_CLIENT", "firm-north")

	out := ExpandEnvVars(`{"clientId": "${CB_TEST_CLIENT}"}`)
	if !strings.Contains(out, "firm-north") {
		t.Errorf("expansion failed: %s", out)
	}

	out = ExpandEnvVars(`"${CB_TEST_UNSET:-fallback}"`)
	if !strings.Contains(out, "fallback") {
		t.Errorf("default not applied: %s", out)
	}

	// Unset without default stays verbatim.
	out = ExpandEnvVars(`"${CB_TEST_UNSET}"`)
	if !strings.Contains(out, "${CB_TEST_UNSET}") {
		t.Errorf("unset var was rewritten: %s", out)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	cfg.Bridge.ClientID = ""
	cfg.Bridge.MaxInitAttempts = 50
	cfg.API.DefaultHistoryLimit = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"logLevel", "clientId", "maxInitAttempts", "defaultHistoryLimit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestGetSetByPath(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "bridge.clientId")
	if err != nil {
		t.Fatal(err)
	}
	if val != "legal-case-pro" {
		t.Errorf("bridge.clientId = %v", val)
	}

	if err := SetByPath(cfg, "bridge.autoConnect", "true"); err != nil {
		t.Fatal(err)
	}
	if !cfg.Bridge.AutoConnect {
		t.Error("autoConnect not set")
	}

	if err := SetByPath(cfg, "api.port", "9090"); err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("port = %d", cfg.API.Port)
	}

	if _, err := GetByPath(cfg, "bridge.nope"); err == nil {
		t.Error("expected error for unknown path")
	}
}

func TestListPaths(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"bridge.clientId", "api.port", "analytics.maxPairingWindowHours"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("missing path %s", want)
		}
	}
}
