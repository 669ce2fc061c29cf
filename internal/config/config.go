package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Mode constants
	ModeStdio  = "stdio"
	ModeServer = "server"

	// Default values
	DefaultPort           = 8080
	DefaultHost           = "127.0.0.1"
	DefaultLogLevel       = "info"
	DefaultMaxFileSize    = 50 * 1024 * 1024 // 50MB
	DefaultOracleProvider = "ollama"
	DefaultOracleModel    = "llama3.1"
	DefaultOracleTimeout  = 5 * time.Minute
	DefaultOracleTokens   = 16384
	DefaultDatabaseName   = "forms.db"

	// Directory permissions
	DefaultDirPerm = 0o750

	envPrefix = "MCP_FORMS"
)

// Config holds all configuration for the forms service
type Config struct {
	// Server configuration
	Mode string // "server" or "stdio"
	Host string
	Port int

	// Storage configuration
	StorageDirectory string
	DatabasePath     string // defaults to <StorageDirectory>/forms.db

	// Oracle configuration
	OracleProvider       string
	OracleModel          string
	OracleURL            string
	OracleTimeout        time.Duration
	OracleMaxTokens      int
	OracleAttachDocument bool
	PromptsFile          string

	// SubmitBaseURL prefixes the submission path embedded in generated forms
	SubmitBaseURL string

	// Application configuration
	Version     string
	ServerName  string
	LogLevel    string
	MaxFileSize int64 // Maximum upload size in bytes
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	currentDir, err := os.Getwd()
	if err != nil {
		currentDir = "."
	}

	return &Config{
		Mode:             ModeStdio, // Default to stdio mode for MCP compatibility
		Host:             DefaultHost,
		Port:             DefaultPort,
		StorageDirectory: filepath.Join(currentDir, "forms-data"),
		OracleProvider:   DefaultOracleProvider,
		OracleModel:      DefaultOracleModel,
		OracleTimeout:    DefaultOracleTimeout,
		OracleMaxTokens:  DefaultOracleTokens,
		Version:          "1.0.0",
		ServerName:       "mcp-pdf-forms",
		LogLevel:         DefaultLogLevel,
		MaxFileSize:      DefaultMaxFileSize,
	}
}

// LoadFromFlags parses command line flags and returns a configuration
func LoadFromFlags() (*Config, error) {
	cfg := DefaultConfig()

	setupViperEnvironment(cfg)
	defineCommandLineFlags(cfg)
	bindFlagsToViper()
	setupUsageMessage()

	// Check for version flag before parsing
	if err := checkVersionFlag(); err != nil {
		return nil, err
	}

	pflag.Parse()

	populateConfigFromViper(cfg)

	if cfg.StorageDirectory != "" {
		if expandedPath, err := filepath.Abs(cfg.StorageDirectory); err == nil {
			cfg.StorageDirectory = expandedPath
		}
	}
	if cfg.DatabasePath == "" && cfg.StorageDirectory != "" {
		cfg.DatabasePath = filepath.Join(cfg.StorageDirectory, DefaultDatabaseName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViperEnvironment configures viper with environment variables and defaults
func setupViperEnvironment(cfg *Config) {
	// MCP_FORMS_ORACLE_PROVIDER maps to oracle-provider
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("mode", cfg.Mode)
	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("dir", cfg.StorageDirectory)
	viper.SetDefault("db", cfg.DatabasePath)
	viper.SetDefault("loglevel", cfg.LogLevel)
	viper.SetDefault("maxfilesize", cfg.MaxFileSize)
	viper.SetDefault("oracle-provider", cfg.OracleProvider)
	viper.SetDefault("oracle-model", cfg.OracleModel)
	viper.SetDefault("oracle-url", cfg.OracleURL)
	viper.SetDefault("oracle-timeout", cfg.OracleTimeout)
	viper.SetDefault("oracle-max-tokens", cfg.OracleMaxTokens)
	viper.SetDefault("oracle-attach-document", cfg.OracleAttachDocument)
	viper.SetDefault("prompts", cfg.PromptsFile)
	viper.SetDefault("submit-base-url", cfg.SubmitBaseURL)
}

// defineCommandLineFlags sets up all command line flags
func defineCommandLineFlags(cfg *Config) {
	pflag.String("mode", cfg.Mode, "Server mode: 'stdio' for MCP standard I/O, 'server' for HTTP server")
	pflag.String("host", cfg.Host, "Server host address (server mode only)")
	pflag.Int("port", cfg.Port, "Server port (server mode only)")
	pflag.String("dir", cfg.StorageDirectory, "Directory where uploaded documents are stored")
	pflag.String("db", cfg.DatabasePath, "SQLite database path (default <dir>/forms.db)")
	pflag.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pflag.Int64("maxfilesize", cfg.MaxFileSize, "Maximum upload size in bytes")
	pflag.String("oracle-provider", cfg.OracleProvider, "Generation provider: anthropic, openai or ollama")
	pflag.String("oracle-model", cfg.OracleModel, "Generation model name")
	pflag.String("oracle-url", cfg.OracleURL, "Provider base URL (optional)")
	pflag.Duration("oracle-timeout", cfg.OracleTimeout, "Timeout of each generation call")
	pflag.Int("oracle-max-tokens", cfg.OracleMaxTokens, "Maximum tokens per generation call (0 for provider default)")
	pflag.Bool("oracle-attach-document", cfg.OracleAttachDocument, "Send the PDF itself instead of its page text")
	pflag.String("prompts", cfg.PromptsFile, "YAML file overriding stage prompts")
	pflag.String("submit-base-url", cfg.SubmitBaseURL, "Base URL generated forms submit to (default relative)")
}

var boundKeys = []string{
	"mode", "host", "port", "dir", "db", "loglevel", "maxfilesize",
	"oracle-provider", "oracle-model", "oracle-url", "oracle-timeout",
	"oracle-max-tokens", "oracle-attach-document", "prompts", "submit-base-url",
}

// bindFlagsToViper binds command line flags to viper configuration
func bindFlagsToViper() {
	for _, key := range boundKeys {
		_ = viper.BindPFlag(key, pflag.Lookup(key))
	}
}

// setupUsageMessage configures the custom usage message
func setupUsageMessage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nMCP PDF Forms - turns fillable PDFs into interactive forms and fills them back\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s                                          # stdio mode (default)\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --mode=server --dir=/var/lib/forms       # HTTP server\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --oracle-provider=anthropic --oracle-model=<model>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		for _, key := range boundKeys {
			fmt.Fprintf(os.Stderr, "  %s_%s\n", envPrefix, strings.ToUpper(strings.ReplaceAll(key, "-", "_")))
		}
		fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY, OPENAI_API_KEY  provider credentials\n")
	}
}

// checkVersionFlag checks if version flag was requested
func checkVersionFlag() error {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			return fmt.Errorf("version requested")
		}
	}
	return nil
}

// populateConfigFromViper fills the config struct with values from viper
func populateConfigFromViper(cfg *Config) {
	cfg.Mode = viper.GetString("mode")
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.StorageDirectory = viper.GetString("dir")
	cfg.DatabasePath = viper.GetString("db")
	cfg.LogLevel = viper.GetString("loglevel")
	cfg.MaxFileSize = viper.GetInt64("maxfilesize")
	cfg.OracleProvider = viper.GetString("oracle-provider")
	cfg.OracleModel = viper.GetString("oracle-model")
	cfg.OracleURL = viper.GetString("oracle-url")
	cfg.OracleTimeout = viper.GetDuration("oracle-timeout")
	cfg.OracleMaxTokens = viper.GetInt("oracle-max-tokens")
	cfg.OracleAttachDocument = viper.GetBool("oracle-attach-document")
	cfg.PromptsFile = viper.GetString("prompts")
	cfg.SubmitBaseURL = viper.GetString("submit-base-url")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Mode != ModeStdio && c.Mode != ModeServer {
		return errors.New("mode must be either 'stdio' or 'server'")
	}

	// Port only matters in server mode
	if c.Mode == ModeServer && (c.Port < 1 || c.Port > 65535) {
		return errors.New("port must be between 1 and 65535")
	}

	if c.StorageDirectory == "" {
		return errors.New("storage directory cannot be empty")
	}

	// Create the storage directory if it doesn't exist
	if _, err := os.Stat(c.StorageDirectory); os.IsNotExist(err) {
		if err := os.MkdirAll(c.StorageDirectory, DefaultDirPerm); err != nil {
			return fmt.Errorf("cannot create storage directory %s: %w", c.StorageDirectory, err)
		}
	} else if err != nil {
		return fmt.Errorf("cannot access storage directory %s: %w", c.StorageDirectory, err)
	}

	if c.MaxFileSize <= 0 {
		return errors.New("maximum file size must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	switch c.OracleProvider {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("invalid oracle provider: %s (must be one of: anthropic, openai, ollama)", c.OracleProvider)
	}
	if c.OracleModel == "" {
		return errors.New("oracle model cannot be empty")
	}
	if c.OracleTimeout <= 0 {
		return errors.New("oracle timeout must be positive")
	}
	if c.OracleMaxTokens < 0 {
		return errors.New("oracle max tokens cannot be negative")
	}

	if c.PromptsFile != "" {
		if _, err := os.Stat(c.PromptsFile); err != nil {
			return fmt.Errorf("cannot access prompts file %s: %w", c.PromptsFile, err)
		}
	}

	return nil
}

// Address returns the server address as host:port
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SubmitURL returns the URL a generated form for documentID posts to
func (c *Config) SubmitURL(documentID string) string {
	return strings.TrimRight(c.SubmitBaseURL, "/") + "/api/documents/" + documentID + "/submit"
}

// IsDebug returns true if debug logging is enabled
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Mode: %s, Host: %s, Port: %d, StorageDirectory: %s, DatabasePath: %s, "+
		"OracleProvider: %s, OracleModel: %s, OracleTimeout: %s, LogLevel: %s, MaxFileSize: %d}",
		c.Mode, c.Host, c.Port, c.StorageDirectory, c.DatabasePath,
		c.OracleProvider, c.OracleModel, c.OracleTimeout, c.LogLevel, c.MaxFileSize)
}

// IsServerMode returns true if the service runs the HTTP server
func (c *Config) IsServerMode() bool {
	return c.Mode == ModeServer
}

// IsStdioMode returns true if the service runs the MCP stdio server
func (c *Config) IsStdioMode() bool {
	return c.Mode == ModeStdio
}
