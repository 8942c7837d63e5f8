// Package config loads and validates the broker's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/quasar.json"

// Config mirrors the on-disk JSON file. Field names in the file are
// uppercase, matching the CLI flags that write them.
type Config struct {
	Host           string `json:"HOST"`
	Port           int    `json:"PORT"`
	MaxConn        int    `json:"MAX_CONN"`
	UserName       string `json:"USER_NAME"`
	Passwd         string `json:"PASSWD"`
	Timeout        int    `json:"TIMEOUT"`
	AckDBFile      string `json:"ACK_PROCESS_DB_FILE"`
	SendDBFile     string `json:"COMPLETELY_PERSISTENT_PROCESS_DB_FILE"`
	ResendInterval int    `json:"RESEND_INTERVAL"`
	MetricsAddr    string `json:"METRICS_ADDR"`
	LogLevel       string `json:"LOG_LEVEL"`
	LogFormat      string `json:"LOG_FORMAT"`
}

// DefaultConfig returns a Config with the stock broker settings.
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           15673,
		MaxConn:        100,
		UserName:       "quasar",
		Passwd:         "quasar",
		Timeout:        10,
		AckDBFile:      "quasar_ack.db",
		SendDBFile:     "quasar_send.db",
		ResendInterval: 300,
		MetricsAddr:    "",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadFromFile loads configuration from a JSON file, layered on defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("QUASAR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("QUASAR_MAX_CONN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConn = n
		}
	}
	if v := os.Getenv("QUASAR_USER_NAME"); v != "" {
		cfg.UserName = v
	}
	if v := os.Getenv("QUASAR_PASSWD"); v != "" {
		cfg.Passwd = v
	}
	if v := os.Getenv("QUASAR_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// Save writes the config as indented JSON, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Addr returns the broker's host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects configurations the daemon cannot run with: a host that
// is not a local address, an out-of-range port, short credentials, or a
// journal path whose directory does not exist.
func (c *Config) Validate() error {
	if !isLocalAddr(c.Host) {
		return fmt.Errorf("HOST %q is not an address of this machine", c.Host)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range 1-65535", c.Port)
	}
	if len(c.UserName) < 5 {
		return fmt.Errorf("USER_NAME must be at least 5 characters")
	}
	if len(c.Passwd) < 5 {
		return fmt.Errorf("PASSWD must be at least 5 characters")
	}
	if c.MaxConn < 1 {
		return fmt.Errorf("MAX_CONN must be positive")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("TIMEOUT must be positive")
	}
	if c.ResendInterval < 1 {
		return fmt.Errorf("RESEND_INTERVAL must be positive")
	}
	for _, path := range []string{c.SendDBFile, c.AckDBFile} {
		dir := filepath.Dir(path)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("journal directory %q does not exist", dir)
		}
	}
	return nil
}

// isLocalAddr reports whether host names this machine: the unspecified
// address, a loopback address, or an address assigned to a local interface.
func isLocalAddr(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() || ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.Equal(ip) {
			return true
		}
	}
	return false
}
