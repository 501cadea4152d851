// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/dproxy/config.toml",
	"configs/config.toml",
}

// HistoricalNonHTTPPort is the default port for absolute URIs whose scheme is
// not "http" and that carry no explicit port.
const HistoricalNonHTTPPort = 433

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	ServerHeader string `kong:"help='Server header injected into relayed responses (overrides config).',env='SERVER_HEADER'"`
	AdminPort    int    `kong:"help='Admin HTTP port (overrides config, enables the admin server).',env='ADMIN_PORT'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProxyConfig holds the client-facing listener and framing settings.
type ProxyConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (1080)

	// ServerHeader is written into every relayed response.
	ServerHeader string `toml:"server_header"`
	// PreserveServerHeader relays the origin's Server field untouched.
	PreserveServerHeader bool `toml:"preserve_server_header"`

	// Caps on a single message. Negative disables the cap.
	MaxHeaderBytes int64 `toml:"max_header_bytes"`
	MaxBodyBytes   int64 `toml:"max_body_bytes"`

	ReadBufferBytes int             `toml:"read_buffer_bytes"`
	AcceptRateLimit RateLimitConfig `toml:"accept_rate_limit"`
}

// RateLimitConfig controls token-bucket rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// UpstreamConfig holds origin-server resolution and connect settings.
type UpstreamConfig struct {
	NonHTTPDefaultPort int `toml:"non_http_default_port"`
	// Timeouts in seconds. Negative disables the timeout.
	ResolveTimeoutSeconds int `toml:"resolve_timeout_seconds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/dproxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Proxy.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Proxy.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.ServerHeader != "" {
		c.Proxy.ServerHeader = cli.ServerHeader
	}
	if cli.AdminPort != 0 {
		c.Admin.Port = cli.AdminPort
		c.Admin.Enabled = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be 0–65535; got %d", c.Proxy.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Upstream.NonHTTPDefaultPort < 0 || c.Upstream.NonHTTPDefaultPort > 65535 {
		return fmt.Errorf("upstream.non_http_default_port must be 0–65535; got %d", c.Upstream.NonHTTPDefaultPort)
	}
	if c.Proxy.ReadBufferBytes < 0 {
		return fmt.Errorf("proxy.read_buffer_bytes must be non-negative; got %d", c.Proxy.ReadBufferBytes)
	}
	if c.Proxy.Port != 0 && c.Proxy.Port == c.Admin.Port && c.Admin.Enabled {
		return fmt.Errorf("admin.port must differ from proxy.port; both are %d", c.Proxy.Port)
	}
	if strings.ContainsAny(c.Proxy.ServerHeader, "\r\n") {
		return fmt.Errorf("proxy.server_header must not contain line breaks")
	}
	if err := c.Proxy.AcceptRateLimit.validate("proxy.accept_rate_limit"); err != nil {
		return err
	}
	if err := c.Admin.RateLimit.validate("admin.rate_limit"); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "console", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, console; got %q", c.Log.Format)
	}

	// Metrics are served by the admin server.
	if c.Metrics.Enabled && !c.Admin.Enabled {
		return fmt.Errorf("metrics.enabled requires admin.enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (r RateLimitConfig) validate(section string) error {
	if !r.Enabled {
		return nil
	}
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be > 0 when rate limiting is enabled; got %v", section, r.RequestsPerSecond)
	}
	if r.Burst < 0 {
		return fmt.Errorf("%s.burst must be non-negative; got %d", section, r.Burst)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = "0.0.0.0"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 1080
	}
	if c.Proxy.ServerHeader == "" {
		c.Proxy.ServerHeader = "dproxy"
	}
	if c.Proxy.MaxHeaderBytes == 0 {
		c.Proxy.MaxHeaderBytes = 64 << 10
	}
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = 64 << 20
	}
	if c.Proxy.ReadBufferBytes == 0 {
		c.Proxy.ReadBufferBytes = 16 << 10
	}
	if c.Proxy.AcceptRateLimit.Enabled && c.Proxy.AcceptRateLimit.Burst == 0 {
		c.Proxy.AcceptRateLimit.Burst = max(1, int(c.Proxy.AcceptRateLimit.RequestsPerSecond))
	}
	if c.Upstream.NonHTTPDefaultPort == 0 {
		c.Upstream.NonHTTPDefaultPort = HistoricalNonHTTPPort
	}
	if c.Upstream.ResolveTimeoutSeconds == 0 {
		c.Upstream.ResolveTimeoutSeconds = 30
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 30
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.Burst == 0 {
		c.Admin.RateLimit.Burst = max(1, int(c.Admin.RateLimit.RequestsPerSecond))
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string { return c.filePath }

// Addr returns the client listen address as host:port.
func (c *ProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ResolveTimeout returns the resolution timeout, or 0 when disabled.
func (c *UpstreamConfig) ResolveTimeout() time.Duration {
	return seconds(c.ResolveTimeoutSeconds)
}

// ConnectTimeout returns the connect timeout, or 0 when disabled.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return seconds(c.ConnectTimeoutSeconds)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnHistoricalPort logs a warning when absolute URIs with a non-http scheme
// and no explicit port will be sent to the historical default port.
func (c *Config) WarnHistoricalPort(logger *slog.Logger) {
	if c.Upstream.NonHTTPDefaultPort == HistoricalNonHTTPPort {
		logger.Warn("non-http scheme without explicit port defaults to the historical port, not 443",
			"port", HistoricalNonHTTPPort,
			"setting", "upstream.non_http_default_port",
		)
	}
}
