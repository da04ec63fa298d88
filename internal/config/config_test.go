package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
broker:
  client_id: "MYAPP"
  account_id: "123456789"
  currency: "EUR"
storage:
  db_path: "/tmp/bridge/trades.db"
trading:
  sell_policy: "short"
  fund_lookup_failure: "reject"
  test_mode: true
  reconcile_interval: 30s
server:
  port: 9090
  jwt_secret: "secret"
`)
	t.Setenv("BRIDGE_CLIENT_ID", "")
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Broker.ClientID != "MYAPP" {
		t.Errorf("Broker.ClientID = %q, want %q", cfg.Broker.ClientID, "MYAPP")
	}
	if cfg.Broker.Currency != "EUR" {
		t.Errorf("Broker.Currency = %q, want %q", cfg.Broker.Currency, "EUR")
	}
	if cfg.Storage.DBPath != "/tmp/bridge/trades.db" {
		t.Errorf("Storage.DBPath = %q, want %q", cfg.Storage.DBPath, "/tmp/bridge/trades.db")
	}
	if cfg.Trading.SellPolicy != "short" {
		t.Errorf("Trading.SellPolicy = %q, want %q", cfg.Trading.SellPolicy, "short")
	}
	if !cfg.Trading.TestMode {
		t.Error("Trading.TestMode = false, want true")
	}
	if cfg.Trading.ReconcileInterval != 30*time.Second {
		t.Errorf("Trading.ReconcileInterval = %v, want %v", cfg.Trading.ReconcileInterval, 30*time.Second)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}

	// Keys absent from the file keep their defaults.
	if cfg.Broker.BaseURL != "https://api.tdameritrade.com/v1" {
		t.Errorf("Broker.BaseURL = %q, want default", cfg.Broker.BaseURL)
	}
	if cfg.Broker.RequestsPerMinute != 120 {
		t.Errorf("Broker.RequestsPerMinute = %d, want %d", cfg.Broker.RequestsPerMinute, 120)
	}
	if cfg.Storage.TokenFile != "token.dat" {
		t.Errorf("Storage.TokenFile = %q, want %q", cfg.Storage.TokenFile, "token.dat")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
broker:
  client_id: "FROMFILE"
`)
	t.Setenv("BRIDGE_CLIENT_ID", "FROMENV")
	t.Setenv("BRIDGE_TOKEN_FILE", "/var/lib/bridge/token.dat")
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Broker.ClientID != "FROMENV" {
		t.Errorf("Broker.ClientID = %q, want %q", cfg.Broker.ClientID, "FROMENV")
	}
	if cfg.Storage.TokenFile != "/var/lib/bridge/token.dat" {
		t.Errorf("Storage.TokenFile = %q, want %q", cfg.Storage.TokenFile, "/var/lib/bridge/token.dat")
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 7070)
	}
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("BRIDGE_CLIENT_ID", "FROMENV")
	t.Setenv("BRIDGE_JWT_SECRET", "env-secret")
	t.Setenv("BRIDGE_DB_PATH", "/var/lib/bridge/trades.db")
	t.Setenv("PORT", "7071")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() on missing file returned error: %v", err)
	}
	if cfg.Broker.ClientID != "FROMENV" {
		t.Errorf("Broker.ClientID = %q, want %q", cfg.Broker.ClientID, "FROMENV")
	}
	if cfg.Server.JWTSecret != "env-secret" {
		t.Errorf("Server.JWTSecret = %q, want %q", cfg.Server.JWTSecret, "env-secret")
	}
	if cfg.Storage.DBPath != "/var/lib/bridge/trades.db" {
		t.Errorf("Storage.DBPath = %q, want %q", cfg.Storage.DBPath, "/var/lib/bridge/trades.db")
	}
	if cfg.Server.Port != 7071 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 7071)
	}
	if cfg.Broker.BaseURL != "https://api.tdameritrade.com/v1" {
		t.Errorf("Broker.BaseURL = %q, want default", cfg.Broker.BaseURL)
	}
}

func TestLoadUnreadablePath(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load() on a directory returned nil error")
	}
}
