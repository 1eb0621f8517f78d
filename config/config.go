package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "schoolchat"
	// EnvironmentDebug targets a local backend and trusts any TLS certificate.
	EnvironmentDebug = "debug"
	// EnvironmentProduction targets the hosted backend with normal TLS validation.
	EnvironmentProduction = "production"
	// PlatformAndroid selects the emulator loopback alias in debug builds.
	PlatformAndroid = "android"
	// PlatformDesktop uses localhost in debug builds.
	PlatformDesktop = "desktop"

	// AndroidEmulatorURL is the host loopback as seen from the Android emulator.
	AndroidEmulatorURL = "http://10.0.2.2:5105"
	// LocalURL is the debug backend on the same host.
	LocalURL = "http://localhost:5105"
	// DefaultProductionURL is used when production_url is unset.
	DefaultProductionURL = "https://schoolchat-api.azurewebsites.net"

	// DefaultPageSize is the history page size requested when a conversation opens.
	DefaultPageSize = 20

	// envPrefix prefixes environment overrides, e.g. SCHOOLCHAT_BASE_URL.
	envPrefix = "SCHOOLCHAT"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	Environment           string  `json:"environment" mapstructure:"environment"`
	Platform              string  `json:"platform" mapstructure:"platform"`
	BaseURL               string  `json:"base_url" mapstructure:"base_url"`
	ProductionURL         string  `json:"production_url" mapstructure:"production_url"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	RequestsPerSecond     float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
	BreakerMaxFailures    int     `json:"breaker_max_failures" mapstructure:"breaker_max_failures"`
	BreakerOpenSeconds    int     `json:"breaker_open_seconds" mapstructure:"breaker_open_seconds"`
	HubMaxRetries         int     `json:"hub_max_retries" mapstructure:"hub_max_retries"`
	HubInitialBackoffMS   int     `json:"hub_initial_backoff_ms" mapstructure:"hub_initial_backoff_ms"`
	HubMaxBackoffSeconds  int     `json:"hub_max_backoff_seconds" mapstructure:"hub_max_backoff_seconds"`
	PageSize              int     `json:"page_size" mapstructure:"page_size"`
	LogLevel              string  `json:"log_level" mapstructure:"log_level"`
	DownloadsDir          string  `json:"downloads_dir" mapstructure:"downloads_dir"`
}

// IsDebug reports whether the debug environment is selected.
func (c *ClientConfig) IsDebug() bool {
	return c.Environment != EnvironmentProduction
}

// InsecureTLS reports whether certificate validation is disabled. Only debug
// builds talk to self-signed local backends.
func (c *ClientConfig) InsecureTLS() bool {
	return c.IsDebug()
}

// ResolveBaseURL returns the backend root URL without a trailing slash.
func (c *ClientConfig) ResolveBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if !c.IsDebug() {
		if c.ProductionURL != "" {
			return strings.TrimRight(c.ProductionURL, "/")
		}
		return DefaultProductionURL
	}
	if c.Platform == PlatformAndroid {
		return AndroidEmulatorURL
	}
	return LocalURL
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// HubInitialBackoff returns the first reconnect delay.
func (c *ClientConfig) HubInitialBackoff() time.Duration {
	return time.Duration(c.HubInitialBackoffMS) * time.Millisecond
}

// HubMaxBackoff caps the reconnect delay.
func (c *ClientConfig) HubMaxBackoff() time.Duration {
	return time.Duration(c.HubMaxBackoffSeconds) * time.Second
}

// BreakerOpen is how long the API circuit breaker stays open.
func (c *ClientConfig) BreakerOpen() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SCHOOLCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envPrefix + "_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads config.json and applies SCHOOLCHAT_* environment overrides.
func Load(path string) (*ClientConfig, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return withEnvOverrides(cfg)
}

// loadFile reads config.json alone, filling missing keys with defaults.
func loadFile(path string) (*ClientConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	bindValues(v, defaultConfig(filepath.Dir(path)))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

// withEnvOverrides returns a copy of cfg with SCHOOLCHAT_<KEY> values
// applied. The result is never written back to disk.
func withEnvOverrides(cfg *ClientConfig) (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindValues(v, cfg)

	var merged ClientConfig
	if err := v.Unmarshal(&merged); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	return &merged, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// and its path. Only file values are normalized and saved; environment
// overrides apply to the returned copy.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	if _, err := os.Stat(cfgPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("stat config: %w", err)
		}
		if err := Save(cfgPath, defaultConfig(dataDir)); err != nil {
			return nil, "", err
		}
	}

	stored, err := loadFile(cfgPath)
	if err != nil {
		return nil, "", err
	}

	if normalizeDefaults(stored, dataDir) {
		if err := Save(cfgPath, stored); err != nil {
			return nil, "", err
		}
	}

	cfg, err := withEnvOverrides(stored)
	if err != nil {
		return nil, "", err
	}
	normalizeDefaults(cfg, dataDir)

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		Environment:           EnvironmentDebug,
		Platform:              PlatformDesktop,
		ProductionURL:         DefaultProductionURL,
		RequestTimeoutSeconds: 30,
		RequestsPerSecond:     10,
		BreakerMaxFailures:    5,
		BreakerOpenSeconds:    30,
		HubMaxRetries:         8,
		HubInitialBackoffMS:   500,
		HubMaxBackoffSeconds:  30,
		PageSize:              DefaultPageSize,
		LogLevel:              "info",
		DownloadsDir:          filepath.Join(dataDir, "downloads"),
	}
}

func bindValues(v *viper.Viper, values *ClientConfig) {
	v.SetDefault("environment", values.Environment)
	v.SetDefault("platform", values.Platform)
	v.SetDefault("base_url", values.BaseURL)
	v.SetDefault("production_url", values.ProductionURL)
	v.SetDefault("request_timeout_seconds", values.RequestTimeoutSeconds)
	v.SetDefault("requests_per_second", values.RequestsPerSecond)
	v.SetDefault("breaker_max_failures", values.BreakerMaxFailures)
	v.SetDefault("breaker_open_seconds", values.BreakerOpenSeconds)
	v.SetDefault("hub_max_retries", values.HubMaxRetries)
	v.SetDefault("hub_initial_backoff_ms", values.HubInitialBackoffMS)
	v.SetDefault("hub_max_backoff_seconds", values.HubMaxBackoffSeconds)
	v.SetDefault("page_size", values.PageSize)
	v.SetDefault("log_level", values.LogLevel)
	v.SetDefault("downloads_dir", values.DownloadsDir)
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	env := normalizeEnvironment(cfg.Environment)
	if cfg.Environment != env {
		cfg.Environment = env
		updated = true
	}

	platform := normalizePlatform(cfg.Platform)
	if cfg.Platform != platform {
		cfg.Platform = platform
		updated = true
	}

	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = defaults.RequestTimeoutSeconds
		updated = true
	}
	if cfg.RequestsPerSecond < 0 {
		cfg.RequestsPerSecond = 0
		updated = true
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = defaults.BreakerMaxFailures
		updated = true
	}
	if cfg.BreakerOpenSeconds <= 0 {
		cfg.BreakerOpenSeconds = defaults.BreakerOpenSeconds
		updated = true
	}
	if cfg.HubMaxRetries < 0 {
		cfg.HubMaxRetries = defaults.HubMaxRetries
		updated = true
	}
	if cfg.HubInitialBackoffMS <= 0 {
		cfg.HubInitialBackoffMS = defaults.HubInitialBackoffMS
		updated = true
	}
	if cfg.HubMaxBackoffSeconds <= 0 {
		cfg.HubMaxBackoffSeconds = defaults.HubMaxBackoffSeconds
		updated = true
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = defaults.DownloadsDir
		updated = true
	}

	return updated
}

func normalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case EnvironmentProduction, "release", "prod":
		return EnvironmentProduction
	default:
		return EnvironmentDebug
	}
}

func normalizePlatform(platform string) string {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case PlatformAndroid:
		return PlatformAndroid
	default:
		return PlatformDesktop
	}
}
