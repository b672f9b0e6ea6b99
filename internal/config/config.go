// Package config handles loading and managing mboxstream configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Record store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config represents the mboxstream configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Uploads UploadsConfig `toml:"uploads"`
	Parser  ParserConfig  `toml:"parser"`
	Workers WorkersConfig `toml:"workers"`
	Records RecordsConfig `toml:"records"`
	Remote  RemoteConfig  `toml:"remote"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort       int    `toml:"api_port"`
	BindAddr      string `toml:"bind_addr"`
	APIKey        string `toml:"api_key"`
	AllowInsecure bool   `toml:"allow_insecure"` // serve without a key on a non-loopback address

	CORSOrigins     []string `toml:"cors_origins"`
	CORSCredentials bool     `toml:"cors_credentials"`
	CORSMaxAge      int      `toml:"cors_max_age"`

	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`

	// MaxChunkBytes bounds the body of a chunk request.
	MaxChunkBytes int64 `toml:"max_chunk_bytes"`
}

// UploadsConfig controls scratch files and session retention.
type UploadsConfig struct {
	ScratchDir        string   `toml:"scratch_dir"` // default <home>/temp_uploads
	Retention         Duration `toml:"retention"`
	SweepSchedule     string   `toml:"sweep_schedule"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// ParserConfig tunes the incremental parser.
type ParserConfig struct {
	LookbackBytes   int64 `toml:"lookback_bytes"`
	MaxMessageBytes int64 `toml:"max_message_bytes"`
	ExcerptLength   int   `toml:"excerpt_length"`
}

// WorkersConfig bounds background parsing.
type WorkersConfig struct {
	MaxParsers int `toml:"max_parsers"`
}

// RecordsConfig selects where parsed records are kept.
type RecordsConfig struct {
	Backend       string `toml:"backend"`
	MaxPerSession int    `toml:"max_per_session"` // 0 = unlimited
}

// RemoteConfig points the push command at a running server.
type RemoteConfig struct {
	URL           string `toml:"url"`
	APIKey        string `toml:"api_key"`
	AllowInsecure bool   `toml:"allow_insecure"` // permit http:// URLs
	ChunkSize     int64  `toml:"chunk_size"`
}

// Duration is a time.Duration written as a string such as "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultHome returns the default mboxstream home directory.
// Respects MBOXSTREAM_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MBOXSTREAM_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mboxstream"
	}
	return filepath.Join(home, ".mboxstream")
}

// Default returns the configuration used when no file is present.
func Default(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Server: ServerConfig{
			APIPort:        8080,
			BindAddr:       "127.0.0.1",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			MaxChunkBytes:  64 << 20,
		},
		Uploads: UploadsConfig{
			Retention:         Duration{24 * time.Hour},
			SweepSchedule:     "@every 1h",
			AllowedExtensions: []string{".mbox"},
		},
		Parser: ParserConfig{
			LookbackBytes:   64 << 10,
			MaxMessageBytes: 128 << 20,
			ExcerptLength:   500,
		},
		Workers: WorkersConfig{MaxParsers: 4},
		Records: RecordsConfig{Backend: BackendMemory},
		Remote:  RemoteConfig{ChunkSize: 1 << 20},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses <home>/config.toml, where home is homeDir or
// DefaultHome when homeDir is empty. A missing file yields the defaults.
func Load(path, homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}
	homeDir = expandPath(homeDir)
	explicit := path != ""
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := Default(homeDir)
	if _, err := os.Stat(expandPath(path)); errors.Is(err, os.ErrNotExist) {
		if explicit {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return cfg, nil
	}

	md, err := toml.DecodeFile(expandPath(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg.Uploads.ScratchDir = expandPath(cfg.Uploads.ScratchDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that the TOML types cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.APIPort < 0 || c.Server.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("server.api_port %d out of range", c.Server.APIPort))
	}
	if c.Server.MaxChunkBytes <= 0 {
		errs = append(errs, errors.New("server.max_chunk_bytes must be positive"))
	}
	if c.Uploads.Retention.Duration <= 0 {
		errs = append(errs, errors.New("uploads.retention must be positive"))
	}
	if c.Parser.LookbackBytes < 0 {
		errs = append(errs, errors.New("parser.lookback_bytes must not be negative"))
	}
	if c.Parser.ExcerptLength <= 0 {
		errs = append(errs, errors.New("parser.excerpt_length must be positive"))
	}
	if c.Workers.MaxParsers < 1 {
		errs = append(errs, errors.New("workers.max_parsers must be at least 1"))
	}
	if c.Records.MaxPerSession < 0 {
		errs = append(errs, errors.New("records.max_per_session must not be negative"))
	}
	if c.Remote.ChunkSize <= 0 {
		errs = append(errs, errors.New("remote.chunk_size must be positive"))
	}
	switch c.Records.Backend {
	case BackendMemory, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("records.backend %q: want %q or %q",
			c.Records.Backend, BackendMemory, BackendSQLite))
	}
	for _, ext := range c.Uploads.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("uploads.allowed_extensions: %q must start with a dot", ext))
		}
	}
	return errors.Join(errs...)
}

// ValidateSecure refuses to serve an unauthenticated API on a non-loopback
// address unless allow_insecure is set.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || s.AllowInsecure || isLoopback(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("refusing to bind %s without an api_key; set [server] api_key or allow_insecure = true", s.BindAddr)
}

func isLoopback(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// ScratchDir returns the directory upload scratch files are written to.
func (c *Config) ScratchDir() string {
	if c.Uploads.ScratchDir != "" {
		return c.Uploads.ScratchDir
	}
	return filepath.Join(c.HomeDir, "temp_uploads")
}

// DataDir returns the directory holding the SQLite record database.
func (c *Config) DataDir() string {
	return c.HomeDir
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
