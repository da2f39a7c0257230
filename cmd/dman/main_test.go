package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig([]string{"-env-file", filepath.Join(t.TempDir(), "missing.env")})
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8765" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.AbsDBPath == "" || !filepath.IsAbs(cfg.AbsDBPath) {
		t.Errorf("AbsDBPath not resolved: %q", cfg.AbsDBPath)
	}
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dman.toml")
	if err := os.WriteFile(cfgPath, []byte("port = 9000\nlog_level = \"debug\"\npending_timeout = \"30s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("DMAN_PORT=9100\nDMAN_HOST=0.0.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig([]string{"-config", cfgPath, "-env-file", envPath, "-port", "9200", "-db", filepath.Join(dir, "x.db")})
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	// flag > env > file
	if cfg.Port != 9200 {
		t.Errorf("Port = %d, want 9200", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want env value", cfg.Host)
	}
	if cfg.LogLevel != "debug" || cfg.PendingTimeout != 30*time.Second {
		t.Errorf("file values lost: level=%s pending=%s", cfg.LogLevel, cfg.PendingTimeout)
	}
	if cfg.AbsDBPath != filepath.Join(dir, "x.db") {
		t.Errorf("AbsDBPath = %q", cfg.AbsDBPath)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	env := filepath.Join(t.TempDir(), "none.env")
	if _, err := loadConfig([]string{"-env-file", env, "-port", "70000"}); err == nil {
		t.Error("Expected error for out of range port")
	}
	if _, err := loadConfig([]string{"-env-file", env, "-log-level", "loud"}); err == nil {
		t.Error("Expected error for unknown log level")
	}
	if _, err := loadConfig([]string{"-nope"}); err == nil {
		t.Error("Expected error for unknown flag")
	}
}

func TestNewDialer_MissingEngine(t *testing.T) {
	cfg, err := loadConfig([]string{"-env-file", filepath.Join(t.TempDir(), "none.env"), "-engine", "definitely-not-a-real-engine-binary"})
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	dial := newDialer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e, err := dial(context.Background())
	if err == nil {
		t.Fatal("Expected error for missing engine binary")
	}
	if e != nil {
		t.Errorf("Expected nil engine on error, got %T", e)
	}
}
