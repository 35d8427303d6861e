package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/defaults"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit() error: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "db")); err != nil || !info.IsDir() {
		t.Errorf("db directory not created: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output = %q, want a checkmark", buf.String())
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("transport: direct\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "transport: direct\n" {
		t.Errorf("existing config was overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "exists, kept") {
		t.Errorf("output = %q, want exists note", buf.String())
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Setenv("MQTT_PASSWORD", "secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config does not validate: %v", err)
	}
	if cfg.Broker.Password != "secret" {
		t.Errorf("broker.password = %q, want expanded ${MQTT_PASSWORD}", cfg.Broker.Password)
	}
	if len(cfg.EnabledProjects()) != 2 {
		t.Errorf("example has %d enabled projects, want 2", len(cfg.EnabledProjects()))
	}
}
