package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"gopkg.in/yaml.v3"
)

// Config holds all sysmexparse configuration.
type Config struct {
	Parser  ParserConfig  `yaml:"parser"`
	Store   StoreConfig   `yaml:"store"`
	Serial  SerialConfig  `yaml:"serial"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParserConfig configures decoding.
type ParserConfig struct {
	// FallbackEncoding decodes input that is not valid UTF-8: latin1 or
	// windows1252.
	FallbackEncoding string `yaml:"fallback_encoding"`
}

// StoreConfig configures the sample database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SerialConfig configures the analyzer serial link.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	// Strict rejects frames with bad checksums or trailers.
	Strict bool `yaml:"strict"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Parser: ParserConfig{
			FallbackEncoding: "latin1",
		},
		Store: StoreConfig{
			DatabasePath: "data/samples.db",
		},
		Serial: SerialConfig{
			Port:     "/dev/ttyUSB0",
			BaudRate: 9600,
			Strict:   true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if _, err := cfg.Parser.Encoding(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("SYSMEX_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if port := os.Getenv("SYSMEX_SERIAL_PORT"); port != "" {
		c.Serial.Port = port
	}
	if baud := os.Getenv("SYSMEX_BAUD_RATE"); baud != "" {
		if n, err := strconv.Atoi(baud); err == nil && n > 0 {
			c.Serial.BaudRate = n
		}
	}
	if level := os.Getenv("SYSMEX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if enc := os.Getenv("SYSMEX_FALLBACK_ENCODING"); enc != "" {
		c.Parser.FallbackEncoding = enc
	}
}

// Encoding resolves FallbackEncoding. An empty name means latin1.
func (c ParserConfig) Encoding() (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(c.FallbackEncoding)) {
	case "", "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1, nil
	case "windows1252", "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	}
	return nil, fmt.Errorf("unknown fallback encoding %q", c.FallbackEncoding)
}
