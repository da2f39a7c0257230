package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DMAN_"

// Config holds all configuration for the dman service
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	// Engine process
	EnginePath string
	EngineArgs []string

	// Persistence
	StoreURL  string // empty, sqlite://path or redis://host:port/db
	DBPath    string // user-provided
	AbsDBPath string // resolved/absolute path
	SaveDelay time.Duration

	// Session behavior
	PendingTimeout time.Duration // unanswered engine adds are rolled back after this
	NotifyTimeout  time.Duration // notifications auto-clear after this
	StatInterval   time.Duration // minimum gap between UI progress pushes

	// Logging
	LogLevel          string // debug|info|warn|error
	UnsafeLogPayloads bool

	// Validation & computed
	Version   string    // app version
	StartTime time.Time // when the app started
}

// fileConfig is the on-disk shape shared by the TOML and YAML formats.
type fileConfig struct {
	Host              string   `toml:"host" yaml:"host"`
	Port              int      `toml:"port" yaml:"port"`
	EnginePath        string   `toml:"engine_path" yaml:"engine_path"`
	EngineArgs        []string `toml:"engine_args" yaml:"engine_args"`
	StoreURL          string   `toml:"store_url" yaml:"store_url"`
	DBPath            string   `toml:"db_path" yaml:"db_path"`
	SaveDelay         string   `toml:"save_delay" yaml:"save_delay"`
	PendingTimeout    string   `toml:"pending_timeout" yaml:"pending_timeout"`
	NotifyTimeout     string   `toml:"notify_timeout" yaml:"notify_timeout"`
	StatInterval      string   `toml:"stat_interval" yaml:"stat_interval"`
	LogLevel          string   `toml:"log_level" yaml:"log_level"`
	UnsafeLogPayloads *bool    `toml:"unsafe_log_payloads" yaml:"unsafe_log_payloads"`
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8765,
		EnginePath:     "dman-engine",
		SaveDelay:      250 * time.Millisecond,
		PendingTimeout: 2 * time.Minute,
		NotifyTimeout:  5 * time.Second,
		StatInterval:   500 * time.Millisecond,
		LogLevel:       "info",
		StartTime:      time.Now(),
		Version:        "1.0.0",
	}
}

// Load reads path on top of the defaults. TOML or YAML is picked by file
// extension; a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := New()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	if err := cfg.apply(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(raw fileConfig) error {
	if v := strings.TrimSpace(raw.Host); v != "" {
		c.Host = v
	}
	if raw.Port != 0 {
		c.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.EnginePath); v != "" {
		c.EnginePath = v
	}
	if raw.EngineArgs != nil {
		c.EngineArgs = raw.EngineArgs
	}
	if v := strings.TrimSpace(raw.StoreURL); v != "" {
		c.StoreURL = v
	}
	if v := strings.TrimSpace(raw.DBPath); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(raw.LogLevel); v != "" {
		c.LogLevel = v
	}
	if raw.UnsafeLogPayloads != nil {
		c.UnsafeLogPayloads = *raw.UnsafeLogPayloads
	}
	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"save_delay", raw.SaveDelay, &c.SaveDelay},
		{"pending_timeout", raw.PendingTimeout, &c.PendingTimeout},
		{"notify_timeout", raw.NotifyTimeout, &c.NotifyTimeout},
		{"stat_interval", raw.StatInterval, &c.StatInterval},
	} {
		if strings.TrimSpace(d.in) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.in))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.out = v
	}
	return nil
}

// ApplyEnv overlays values from envFile (if it exists) and then from the
// process environment. Only DMAN_* keys are read.
func (c *Config) ApplyEnv(envFile string) error {
	vars := map[string]string{}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read env file: %w", err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}
	return c.applyVars(vars)
}

func (c *Config) applyVars(vars map[string]string) error {
	get := func(name string) (string, bool) {
		v, ok := vars[EnvPrefix+name]
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	raw := fileConfig{}
	if v, ok := get("HOST"); ok {
		raw.Host = v
	}
	if v, ok := get("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT: %w", EnvPrefix, err)
		}
		raw.Port = p
	}
	if v, ok := get("ENGINE_PATH"); ok {
		raw.EnginePath = v
	}
	if v, ok := get("ENGINE_ARGS"); ok {
		raw.EngineArgs = strings.Fields(v)
	}
	if v, ok := get("STORE_URL"); ok {
		raw.StoreURL = v
	}
	if v, ok := get("DB_PATH"); ok {
		raw.DBPath = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		raw.LogLevel = v
	}
	if v, ok := get("UNSAFE_LOG_PAYLOADS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sUNSAFE_LOG_PAYLOADS: %w", EnvPrefix, err)
		}
		raw.UnsafeLogPayloads = &b
	}
	raw.SaveDelay, _ = get("SAVE_DELAY")
	raw.PendingTimeout, _ = get("PENDING_TIMEOUT")
	raw.NotifyTimeout, _ = get("NOTIFY_TIMEOUT")
	raw.StatInterval, _ = get("STAT_INTERVAL")
	return c.apply(raw)
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if strings.TrimSpace(c.EnginePath) == "" {
		return fmt.Errorf("engine path is required")
	}

	if c.PendingTimeout <= 0 {
		return fmt.Errorf("invalid pending timeout: %s", c.PendingTimeout)
	}
	if c.NotifyTimeout < 0 {
		c.NotifyTimeout = 0
	}
	if c.StatInterval < 0 {
		c.StatInterval = 0
	}
	if c.SaveDelay <= 0 {
		c.SaveDelay = 250 * time.Millisecond
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	// Compute address
	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to the OS data directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(ResolveDataDir(), "dman.db")
	}

	// Expand ~ if present
	if strings.HasPrefix(c.DBPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand home directory: %w", err)
		}
		c.DBPath = filepath.Join(home, c.DBPath[2:]) // Skip "~/"
	} else if c.DBPath == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand home directory: %w", err)
		}
		c.DBPath = home
	}

	// Resolve to absolute path
	abs, err := filepath.Abs(c.DBPath)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.DBPath, err)
	}
	c.AbsDBPath = abs

	return nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreKind names the configured snapshot backend.
func (c *Config) StoreKind() string {
	switch {
	case strings.HasPrefix(c.StoreURL, "redis://"), strings.HasPrefix(c.StoreURL, "rediss://"):
		return "redis"
	default:
		return "sqlite"
	}
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(`Config{
  Server:
    Host: %s
    Port: %d
    Addr: %s
  Engine:
    Path: %s
    Args: %s
  Store:
    Kind: %s
    DBPath: %s (resolved: %s)
    SaveDelay: %s
  Sessions:
    PendingTimeout: %s
    NotifyTimeout: %s
    StatInterval: %s
  Logging:
    LogLevel: %s
    UnsafeLogPayloads: %t
  Meta:
    Version: %s
    StartTime: %s
}`, c.Host, c.Port, c.Addr,
		c.EnginePath, strings.Join(c.EngineArgs, " "),
		c.StoreKind(), c.DBPath, c.AbsDBPath, c.SaveDelay,
		c.PendingTimeout, c.NotifyTimeout, c.StatInterval,
		c.LogLevel, c.UnsafeLogPayloads,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":                c.Addr,
		"engine_path":         c.EnginePath,
		"store":               c.StoreKind(),
		"db_path":             c.AbsDBPath,
		"pending_timeout":     c.PendingTimeout.String(),
		"notify_timeout":      c.NotifyTimeout.String(),
		"log_level":           c.LogLevel,
		"unsafe_log_payloads": c.UnsafeLogPayloads,
		"version":             c.Version,
	}
}

// ResolveDataDir returns the cross-platform directory for dman's data
// - Windows: %APPDATA%/dman
// - Linux/macOS: $HOME/.local/share/dman
func ResolveDataDir() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "dman")
		}
		// Fallback to user home if APPDATA is not set
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "dman")
		}
		// Last resort: current directory
		return "dman"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "dman")
	}
	// Fallback: place in working directory
	return "dman"
}
