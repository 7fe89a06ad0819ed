package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"imapfront/imap/config"
)

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindPort != 143 || cfg.NameAll != "All Mail" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imapfrontd.yaml")
	if err := os.WriteFile(path, []byte("bind-port: 1143\njmap-url: https://jmap.example.com\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindPort != 1143 {
		t.Fatalf("bind-port = %d, want 1143", cfg.BindPort)
	}
	if cfg.JMAPURL != "https://jmap.example.com" {
		t.Fatalf("jmap-url = %q", cfg.JMAPURL)
	}
}

func TestLoadAppliesEnvironmentOverride(t *testing.T) {
	t.Setenv("IMAPFRONTD_BIND_PORT", "2143")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindPort != 2143 {
		t.Fatalf("bind-port = %d, want 2143 from env override", cfg.BindPort)
	}
}

func TestValidateRequiresJMAPURL(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing jmap-url")
	}
	cfg.JMAPURL = "https://jmap.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateRequiresCertForTLSPort(t *testing.T) {
	cfg := config.Default()
	cfg.JMAPURL = "https://jmap.example.com"
	cfg.BindPortTLS = 993
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bind-port-tls without cert-path/key-path")
	}
}
