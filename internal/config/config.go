// Package config handles configuration loading from YAML and environment
// variables. CLI flag overrides are applied by cmd/lokiproxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	FlowStore FlowStoreConfig `yaml:"flow_store"`
	Rules     RulesConfig     `yaml:"rules"`
	Redaction RedactionConfig `yaml:"redaction"`
	Observer  ObserverConfig  `yaml:"observer"`
}

// ObserverConfig configures the websocket endpoint observers (a GUI, a CLI
// watcher) connect to for the event bus (spec §4.4, §9 "Cyclic coupling").
type ObserverConfig struct {
	Addr string `yaml:"addr"` // default 127.0.0.1:8081
	Path string `yaml:"path"` // default /ws
}

// ProxyConfig configures the listening endpoint and intercept defaults.
type ProxyConfig struct {
	Host               string `yaml:"host"`                 // Bind host, default 127.0.0.1
	Port               int    `yaml:"port"`                 // Bind port, default 8080
	InterceptByDefault bool   `yaml:"intercept_by_default"` // Start with the intercept gate armed
	DecisionTimeoutMs  int    `yaml:"decision_timeout_ms"`  // 0 disables the timeout (wait forever)
	TunnelIdleTimeoutS int    `yaml:"tunnel_idle_timeout_s"`
}

// FlowStoreConfig configures the bounded flow registry (§4.2 of the spec).
type FlowStoreConfig struct {
	Capacity int `yaml:"capacity"` // default 2000
}

// RulesConfig points at an optional on-disk ruleset document.
type RulesConfig struct {
	Path      string `yaml:"path"`       // empty means start with an empty ruleset
	WatchFile bool   `yaml:"watch_file"` // hot-reload Path on change
}

// RedactionConfig configures which headers are scrubbed before appearing in
// diagnostic log lines. It never touches what is written to the client or
// upstream — only what this process logs about a flow.
type RedactionConfig struct {
	AlwaysRedactHeaders  []string `yaml:"always_redact_headers"`
	PatternRedactHeaders []string `yaml:"pattern_redact_headers"`
}

// DefaultConfig returns a Config with sane local-testing defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			InterceptByDefault: false,
			DecisionTimeoutMs:  0,
			TunnelIdleTimeoutS: 300,
		},
		FlowStore: FlowStoreConfig{
			Capacity: 2000,
		},
		Observer: ObserverConfig{
			Addr: "127.0.0.1:8081",
			Path: "/ws",
		},
		Redaction: RedactionConfig{
			AlwaysRedactHeaders: []string{
				"authorization",
				"x-api-key",
				"cookie",
				"set-cookie",
			},
			PatternRedactHeaders: []string{
				`^x-.*-token$`,
				`^x-.*-key$`,
			},
		},
	}
}

// ConfigDir returns the platform-specific configuration directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "lokiproxy"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".lokiproxy"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from path, falling back to defaults for anything
// left unset, then applies environment variable overrides. A missing file is
// not an error: the defaults are used in its place.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOKIPROXY_HOST"); v != "" {
		c.Proxy.Host = v
	}
	if v := os.Getenv("LOKIPROXY_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.Proxy.Port = port
		}
	}
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// Save writes the config to path with restrictive permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ListenAddr returns the host:port the proxy should bind to.
func (c *ProxyConfig) ListenAddr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
