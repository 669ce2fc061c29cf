package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Helper function to reset pflag.CommandLine for testing
func resetFlags() {
	pflag.CommandLine = pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	viper.Reset()
}

// Helper function to set os.Args for testing
func setArgs(args []string) {
	os.Args = args
}

// Helper function to clear environment variables
func clearEnvVars() {
	for _, key := range boundKeys {
		os.Unsetenv(envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_")))
	}
}

// load runs LoadFromFlags with args and restores global state afterwards
func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	originalArgs := os.Args
	t.Cleanup(func() {
		os.Args = originalArgs
		resetFlags()
		clearEnvVars()
	})

	setArgs(append([]string{"mcp-pdf-forms"}, args...))
	resetFlags()
	return LoadFromFlags()
}

func TestLoadFromFlags_DefaultConfig(t *testing.T) {
	clearEnvVars()
	tempDir := t.TempDir()

	cfg, err := load(t, "--dir="+tempDir)
	if err != nil {
		t.Fatalf("LoadFromFlags() unexpected error: %v", err)
	}

	if cfg.Mode != "stdio" {
		t.Errorf("LoadFromFlags() Mode = %v, want %v", cfg.Mode, "stdio")
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("LoadFromFlags() Host = %v, want %v", cfg.Host, "127.0.0.1")
	}
	if cfg.Port != 8080 {
		t.Errorf("LoadFromFlags() Port = %v, want %v", cfg.Port, 8080)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LoadFromFlags() LogLevel = %v, want %v", cfg.LogLevel, "info")
	}
	if cfg.OracleTimeout != DefaultOracleTimeout {
		t.Errorf("LoadFromFlags() OracleTimeout = %v, want %v", cfg.OracleTimeout, DefaultOracleTimeout)
	}
	// The database lives next to the documents unless --db says otherwise
	if cfg.DatabasePath != filepath.Join(cfg.StorageDirectory, DefaultDatabaseName) {
		t.Errorf("LoadFromFlags() DatabasePath = %v, want it inside %v", cfg.DatabasePath, cfg.StorageDirectory)
	}
}

func TestLoadFromFlags_ValidFlags(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		checkFunc func(t *testing.T, cfg *Config)
	}{
		{
			name: "server mode with custom host and port",
			args: []string{"--mode=server", "--host=0.0.0.0", "--port=9090"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Mode != "server" || cfg.Host != "0.0.0.0" || cfg.Port != 9090 {
					t.Errorf("LoadFromFlags() got %s %s:%d, want server 0.0.0.0:9090", cfg.Mode, cfg.Host, cfg.Port)
				}
			},
		},
		{
			name: "debug logging",
			args: []string{"--loglevel=debug"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.IsDebug() {
					t.Errorf("LoadFromFlags() LogLevel = %v, want debug", cfg.LogLevel)
				}
			},
		},
		{
			name: "oracle settings",
			args: []string{
				"--oracle-provider=anthropic", "--oracle-model=some-model",
				"--oracle-timeout=90s", "--oracle-max-tokens=2048", "--oracle-attach-document",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.OracleProvider != "anthropic" {
					t.Errorf("LoadFromFlags() OracleProvider = %v, want anthropic", cfg.OracleProvider)
				}
				if cfg.OracleModel != "some-model" {
					t.Errorf("LoadFromFlags() OracleModel = %v, want some-model", cfg.OracleModel)
				}
				if cfg.OracleTimeout != 90*time.Second {
					t.Errorf("LoadFromFlags() OracleTimeout = %v, want 90s", cfg.OracleTimeout)
				}
				if cfg.OracleMaxTokens != 2048 {
					t.Errorf("LoadFromFlags() OracleMaxTokens = %v, want 2048", cfg.OracleMaxTokens)
				}
				if !cfg.OracleAttachDocument {
					t.Error("LoadFromFlags() OracleAttachDocument = false, want true")
				}
			},
		},
		{
			name: "custom max file size and submit url",
			args: []string{"--maxfilesize=50000000", "--submit-base-url=https://forms.example.com"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.MaxFileSize != 50000000 {
					t.Errorf("LoadFromFlags() MaxFileSize = %v, want %v", cfg.MaxFileSize, 50000000)
				}
				if cfg.SubmitBaseURL != "https://forms.example.com" {
					t.Errorf("LoadFromFlags() SubmitBaseURL = %v", cfg.SubmitBaseURL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			args := append([]string{"--dir=" + t.TempDir()}, tt.args...)

			cfg, err := load(t, args...)
			if err != nil {
				t.Fatalf("LoadFromFlags() unexpected error: %v", err)
			}
			tt.checkFunc(t, cfg)
		})
	}
}

func TestLoadFromFlags_EnvironmentVariables(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "custom.db")

	t.Setenv("MCP_FORMS_MODE", "server")
	t.Setenv("MCP_FORMS_HOST", "192.168.1.1")
	t.Setenv("MCP_FORMS_PORT", "3000")
	t.Setenv("MCP_FORMS_DIR", tempDir)
	t.Setenv("MCP_FORMS_DB", dbPath)
	t.Setenv("MCP_FORMS_LOGLEVEL", "warn")
	t.Setenv("MCP_FORMS_ORACLE_PROVIDER", "openai")
	t.Setenv("MCP_FORMS_ORACLE_MODEL", "env-model")

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("LoadFromFlags() unexpected error: %v", err)
	}

	if cfg.Mode != "server" {
		t.Errorf("LoadFromFlags() Mode = %v, want %v", cfg.Mode, "server")
	}
	if cfg.Host != "192.168.1.1" {
		t.Errorf("LoadFromFlags() Host = %v, want %v", cfg.Host, "192.168.1.1")
	}
	if cfg.Port != 3000 {
		t.Errorf("LoadFromFlags() Port = %v, want %v", cfg.Port, 3000)
	}
	if cfg.DatabasePath != dbPath {
		t.Errorf("LoadFromFlags() DatabasePath = %v, want %v", cfg.DatabasePath, dbPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LoadFromFlags() LogLevel = %v, want %v", cfg.LogLevel, "warn")
	}
	if cfg.OracleProvider != "openai" || cfg.OracleModel != "env-model" {
		t.Errorf("LoadFromFlags() oracle = %v/%v, want openai/env-model", cfg.OracleProvider, cfg.OracleModel)
	}
}

func TestLoadFromFlags_FlagOverridesEnvironment(t *testing.T) {
	t.Setenv("MCP_FORMS_MODE", "server")
	t.Setenv("MCP_FORMS_HOST", "192.168.1.1")
	t.Setenv("MCP_FORMS_PORT", "3000")

	cfg, err := load(t, "--mode=stdio", "--host=localhost", "--port=8888", "--dir="+t.TempDir())
	if err != nil {
		t.Fatalf("LoadFromFlags() unexpected error: %v", err)
	}

	if cfg.Mode != "stdio" {
		t.Errorf("LoadFromFlags() Mode = %v, want %v (should override env)", cfg.Mode, "stdio")
	}
	if cfg.Host != "localhost" {
		t.Errorf("LoadFromFlags() Host = %v, want %v (should override env)", cfg.Host, "localhost")
	}
	if cfg.Port != 8888 {
		t.Errorf("LoadFromFlags() Port = %v, want %v (should override env)", cfg.Port, 8888)
	}
}

func TestLoadFromFlags_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "mode", args: []string{"--mode=invalid"}, wantErr: "mode must be either 'stdio' or 'server'"},
		{name: "port", args: []string{"--mode=server", "--port=99999"}, wantErr: "port must be between 1 and 65535"},
		{name: "log level", args: []string{"--loglevel=invalid"}, wantErr: "invalid log level"},
		{name: "provider", args: []string{"--oracle-provider=nope"}, wantErr: "invalid oracle provider"},
		{name: "timeout", args: []string{"--oracle-timeout=0s"}, wantErr: "oracle timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			args := append([]string{"--dir=" + t.TempDir()}, tt.args...)

			_, err := load(t, args...)
			if err == nil {
				t.Fatalf("LoadFromFlags() expected error for invalid %s", tt.name)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFromFlags() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFlags_VersionFlag(t *testing.T) {
	clearEnvVars()

	_, err := load(t, "--version")
	if err == nil {
		t.Fatal("LoadFromFlags() expected version error")
	}
	if err.Error() != "version requested" {
		t.Errorf("LoadFromFlags() error = %v, want 'version requested'", err)
	}
}
