package config

import (
	"path/filepath"
	"testing"
)

func validTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.SendDBFile = filepath.Join(dir, "send.db")
	cfg.AckDBFile = filepath.Join(dir, "ack.db")
	return cfg
}

func TestConfig_SaveAndLoadRoundTrip(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.Port = 25673
	cfg.UserName = "operator"
	path := filepath.Join(t.TempDir(), "quasar.json")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	back, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if back.Port != 25673 || back.UserName != "operator" || back.Host != "127.0.0.1" {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	// Fields absent from the file keep their defaults.
	if back.ResendInterval != cfg.ResendInterval {
		t.Fatalf("default lost: %+v", back)
	}
}

func TestConfig_LoadMissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("QUASAR_HOST", "127.0.0.1")
	t.Setenv("QUASAR_PORT", "16000")
	t.Setenv("QUASAR_USER_NAME", "override")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Host != "127.0.0.1" || cfg.Port != 16000 || cfg.UserName != "override" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestConfig_ValidateAcceptsLocal(t *testing.T) {
	for _, host := range []string{"0.0.0.0", "127.0.0.1", "::1", "::"} {
		cfg := validTestConfig(t)
		cfg.Host = host
		if err := cfg.Validate(); err != nil {
			t.Fatalf("local host %q rejected: %v", host, err)
		}
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"remote host", func(c *Config) { c.Host = "93.184.216.34" }},
		{"hostname", func(c *Config) { c.Host = "broker.example.com" }},
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port high", func(c *Config) { c.Port = 70000 }},
		{"short user", func(c *Config) { c.UserName = "abcd" }},
		{"short passwd", func(c *Config) { c.Passwd = "abcd" }},
		{"zero max conn", func(c *Config) { c.MaxConn = 0 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"zero resend", func(c *Config) { c.ResendInterval = 0 }},
		{"missing journal dir", func(c *Config) { c.SendDBFile = "/no/such/dir/send.db" }},
	}
	for _, tc := range cases {
		cfg := validTestConfig(t)
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestConfig_Addr(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Addr() != "0.0.0.0:15673" {
		t.Fatalf("unexpected default addr: %s", cfg.Addr())
	}
}
