package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Mode != "stdio" {
		t.Errorf("Expected default mode to be 'stdio', got '%s'", cfg.Mode)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected default host to be '127.0.0.1', got '%s'", cfg.Host)
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected default port to be 8080, got %d", cfg.Port)
	}

	if cfg.ServerName != "mcp-pdf-forms" {
		t.Errorf("Expected default server name to be 'mcp-pdf-forms', got '%s'", cfg.ServerName)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level to be 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.MaxFileSize != 50*1024*1024 {
		t.Errorf("Expected default max file size to be 50MB, got %d", cfg.MaxFileSize)
	}

	if cfg.OracleProvider != "ollama" {
		t.Errorf("Expected default oracle provider to be 'ollama', got '%s'", cfg.OracleProvider)
	}

	if cfg.OracleTimeout != 5*time.Minute {
		t.Errorf("Expected default oracle timeout to be 5m, got %s", cfg.OracleTimeout)
	}

	currentDir, _ := os.Getwd()
	if cfg.StorageDirectory != filepath.Join(currentDir, "forms-data") {
		t.Errorf("Expected default storage directory under '%s', got '%s'", currentDir, cfg.StorageDirectory)
	}
}

// validConfig returns a config that passes Validate, rooted in a temp dir
func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StorageDirectory = t.TempDir()
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config - stdio mode", mutate: func(c *Config) {}},
		{name: "valid config - server mode", mutate: func(c *Config) { c.Mode = ModeServer }},
		{name: "invalid mode", mutate: func(c *Config) { c.Mode = "invalid" }, wantErr: true},
		{name: "invalid port - too low (server mode)", mutate: func(c *Config) { c.Mode = ModeServer; c.Port = 0 }, wantErr: true},
		{name: "invalid port - too high (server mode)", mutate: func(c *Config) { c.Mode = ModeServer; c.Port = 70000 }, wantErr: true},
		{name: "invalid port ignored in stdio mode", mutate: func(c *Config) { c.Port = 0 }},
		{name: "empty storage directory", mutate: func(c *Config) { c.StorageDirectory = "" }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.LogLevel = "invalid" }, wantErr: true},
		{name: "invalid max file size", mutate: func(c *Config) { c.MaxFileSize = 0 }, wantErr: true},
		{name: "unknown oracle provider", mutate: func(c *Config) { c.OracleProvider = "mystery" }, wantErr: true},
		{name: "anthropic provider", mutate: func(c *Config) { c.OracleProvider = "anthropic" }},
		{name: "empty oracle model", mutate: func(c *Config) { c.OracleModel = "" }, wantErr: true},
		{name: "zero oracle timeout", mutate: func(c *Config) { c.OracleTimeout = 0 }, wantErr: true},
		{name: "negative max tokens", mutate: func(c *Config) { c.OracleMaxTokens = -1 }, wantErr: true},
		{name: "missing prompts file", mutate: func(c *Config) { c.PromptsFile = "/nonexistent/prompts.yaml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidate_CreatesStorageDirectory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDirectory = filepath.Join(t.TempDir(), "nested", "storage")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config.Validate() unexpected error: %v", err)
	}
	info, err := os.Stat(cfg.StorageDirectory)
	if err != nil {
		t.Fatalf("storage directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("storage path is not a directory")
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := &Config{
		Host: "192.168.1.1",
		Port: 9090,
	}

	expected := "192.168.1.1:9090"
	if got := cfg.Address(); got != expected {
		t.Errorf("Config.Address() = %v, want %v", got, expected)
	}
}

func TestConfigSubmitURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "", want: "/api/documents/abc/submit"},
		{base: "https://forms.example.com", want: "https://forms.example.com/api/documents/abc/submit"},
		{base: "https://forms.example.com/", want: "https://forms.example.com/api/documents/abc/submit"},
	}

	for _, tt := range tests {
		cfg := &Config{SubmitBaseURL: tt.base}
		if got := cfg.SubmitURL("abc"); got != tt.want {
			t.Errorf("Config.SubmitURL() with base %q = %v, want %v", tt.base, got, tt.want)
		}
	}
}

func TestConfigIsDebug(t *testing.T) {
	tests := []struct {
		logLevel string
		want     bool
	}{
		{logLevel: "debug", want: true},
		{logLevel: "info", want: false},
		{logLevel: "error", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.logLevel, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}
			if got := cfg.IsDebug(); got != tt.want {
				t.Errorf("Config.IsDebug() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigModes(t *testing.T) {
	cfg := &Config{Mode: ModeServer}
	if !cfg.IsServerMode() || cfg.IsStdioMode() {
		t.Errorf("server mode misreported: server=%v stdio=%v", cfg.IsServerMode(), cfg.IsStdioMode())
	}

	cfg.Mode = ModeStdio
	if cfg.IsServerMode() || !cfg.IsStdioMode() {
		t.Errorf("stdio mode misreported: server=%v stdio=%v", cfg.IsServerMode(), cfg.IsStdioMode())
	}
}

func TestConfigString(t *testing.T) {
	cfg := &Config{
		Mode:             "server",
		Host:             "localhost",
		Port:             8080,
		StorageDirectory: "/tmp/forms",
		DatabasePath:     "/tmp/forms/forms.db",
		OracleProvider:   "ollama",
		OracleModel:      "llama3.1",
		OracleTimeout:    time.Minute,
		LogLevel:         "info",
		MaxFileSize:      1024,
	}

	want := "Config{Mode: server, Host: localhost, Port: 8080, StorageDirectory: /tmp/forms, DatabasePath: /tmp/forms/forms.db, " +
		"OracleProvider: ollama, OracleModel: llama3.1, OracleTimeout: 1m0s, LogLevel: info, MaxFileSize: 1024}"
	if got := cfg.String(); got != want {
		t.Errorf("Config.String() = %v, want %v", got, want)
	}
}
