package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/logger"
	"gopkg.in/yaml.v3"
)

// Connectivity modes for a backend server.
const (
	ModeNetwork = "network"
	ModeNative  = "native"
)

// Affinity modes for a location path.
const (
	AffinityNone     = "none"
	AffinityVariable = "variable"
	AffinityCookie   = "cookie"
)

// Config represents the complete gateway configuration
type Config struct {
	ConfigPath string                 `yaml:"-"` // File path for hot reload (not serialized)
	Gateway    GatewaySettings        `yaml:"gateway"`
	Timeouts   common.TimeoutConfig   `yaml:"timeouts,omitempty"`
	Logging    LoggingConfig          `yaml:"logging,omitempty"`
	Metrics    MetricsConfig          `yaml:"metrics,omitempty"`
	HotReload  common.HotReloadConfig `yaml:"hot_reload,omitempty"`
	Servers    []ServerConfig         `yaml:"servers"`
	Paths      []PathConfig           `yaml:"paths"`
}

// GatewaySettings contains the engine tunables
type GatewaySettings struct {
	ListenAddr string `yaml:"listen_addr"`
	// BufferSize is the size of one response buffer segment.
	BufferSize int `yaml:"buffer_size,omitempty"`
	// MaxMessageSize is the largest request body shipped in one backend call.
	MaxMessageSize int `yaml:"max_message_size,omitempty"`
	// ChunkThreshold: responses at or above it are sent chunked.
	ChunkThreshold int64 `yaml:"chunk_threshold,omitempty"`
	// StreamCloseThreshold: responses above it are streamed with Connection: close.
	StreamCloseThreshold int64         `yaml:"stream_close_threshold,omitempty"`
	MaxRequestBody       int64         `yaml:"max_request_body,omitempty"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout,omitempty"`
	AffinityTTL          time.Duration `yaml:"affinity_ttl,omitempty"`
	// ReapSchedule is a cron spec for closing idle backend connections.
	ReapSchedule    string        `yaml:"reap_schedule,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// LoggingConfig represents the application logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // Log level (DEBUG, INFO, WARN, ERROR, FATAL)
	Format string `yaml:"format"` // Output format (console, json)
	Output string `yaml:"output"` // Output destination (stdout, stderr, or file path)
}

// MetricsConfig controls the Prometheus exporter
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr,omitempty"`
	Path       string `yaml:"path,omitempty"`
	Namespace  string `yaml:"namespace,omitempty"`
}

// ServerConfig describes one backend database server
type ServerConfig struct {
	Name     string `yaml:"name"`
	Database string `yaml:"database,omitempty"`
	Mode     string `yaml:"mode,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	// InstallPath locates the native call-in library in native mode.
	InstallPath    string            `yaml:"install_path,omitempty"`
	Username       string            `yaml:"username,omitempty"`
	Password       string            `yaml:"password,omitempty"`
	Namespace      string            `yaml:"namespace,omitempty"`
	TLS            common.TLSProfile `yaml:"tls,omitempty"`
	MaxConnections int               `yaml:"max_connections,omitempty"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout,omitempty"`
	// HealthCheck is how long an offline server waits before one probe.
	HealthCheck     time.Duration `yaml:"health_check,omitempty"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout,omitempty"`
	ResponseTimeout time.Duration `yaml:"response_timeout,omitempty"`
	// QueueTimeout overrides timeouts.queue_timeout for this server.
	QueueTimeout time.Duration `yaml:"queue_timeout,omitempty"`
	Retry        RetryConfig   `yaml:"retry,omitempty"`
}

// RetryConfig bounds connect attempts by count, cumulative time, or both
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	MaxElapsed      time.Duration `yaml:"max_elapsed,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
}

// PathConfig maps a URL prefix to a backend function and its servers
type PathConfig struct {
	Prefix      string            `yaml:"prefix"`
	Function    string            `yaml:"function"`
	Servers     []PathServer      `yaml:"servers"`
	LoadBalance bool              `yaml:"load_balance,omitempty"`
	Affinity    AffinityConfig    `yaml:"affinity,omitempty"`
	SSE         bool              `yaml:"sse,omitempty"`
	WebSocket   bool              `yaml:"websocket,omitempty"`
	ErrorPages  map[string]string `yaml:"error_pages,omitempty"` // condition class -> file

	// ErrorPageBodies holds the loaded error page files.
	ErrorPageBodies map[string][]byte `yaml:"-"`
}

// PathServer is one entry in a path's ordered server list
type PathServer struct {
	Name      string `yaml:"name"`
	Exclusive bool   `yaml:"exclusive,omitempty"`
}

// AffinityConfig selects sticky routing for a path
type AffinityConfig struct {
	Mode      string   `yaml:"mode,omitempty"`
	Variables []string `yaml:"variables,omitempty"`
	Cookie    string   `yaml:"cookie,omitempty"`
}

// Load loads the gateway configuration from a file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = configPath
	if err := cfg.loadErrorPages(filepath.Dir(configPath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.expandEnv()
	cfg.ApplyDefaults()
	if err := Validate(&cfg).Err(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to a file
func Save(configPath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Default returns a minimal configuration with one local backend
func Default() *Config {
	cfg := &Config{
		Gateway:   GatewaySettings{ListenAddr: ":8080"},
		Logging:   LoggingConfig{Level: "INFO", Format: "console", Output: "stdout"},
		Metrics:   MetricsConfig{Enabled: true, ListenAddr: ":9100"},
		HotReload: common.DefaultHotReloadConfig(),
		Servers: []ServerConfig{{
			Name:           "LOCAL",
			Database:       "generic",
			Mode:           ModeNetwork,
			Host:           "127.0.0.1",
			Port:           7041,
			Namespace:      "USER",
			MaxConnections: 8,
		}},
		Paths: []PathConfig{{
			Prefix:   "/",
			Function: "main",
			Servers:  []PathServer{{Name: "LOCAL"}},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	g := &c.Gateway
	if g.ListenAddr == "" {
		g.ListenAddr = ":8080"
	}
	if g.BufferSize <= 0 {
		g.BufferSize = 32 * 1024
	}
	if g.MaxMessageSize <= 0 {
		g.MaxMessageSize = 1 << 20
	}
	if g.ChunkThreshold <= 0 {
		g.ChunkThreshold = int64(g.BufferSize)
	}
	if g.StreamCloseThreshold <= 0 {
		g.StreamCloseThreshold = 1 << 30
	}
	if g.SessionIdleTimeout <= 0 {
		g.SessionIdleTimeout = 30 * time.Minute
	}
	if g.AffinityTTL <= 0 {
		g.AffinityTTL = 30 * time.Minute
	}
	if g.ReapSchedule == "" {
		g.ReapSchedule = "@every 30s"
	}
	if g.ShutdownTimeout <= 0 {
		g.ShutdownTimeout = 15 * time.Second
	}

	c.Timeouts.ApplyDefaults()

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "dbgateway"
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Mode == "" {
			s.Mode = ModeNetwork
		}
		if s.MaxConnections <= 0 {
			s.MaxConnections = 1
		}
		if s.Mode == ModeNative {
			s.MaxConnections = 1
		}
		if s.ConnectTimeout <= 0 {
			s.ConnectTimeout = c.Timeouts.ConnectTimeout
		}
		if s.Retry.MaxAttempts <= 0 && s.Retry.MaxElapsed <= 0 {
			s.Retry.MaxAttempts = 1
		}
		if s.Retry.InitialInterval <= 0 {
			s.Retry.InitialInterval = 100 * time.Millisecond
		}
		if s.Retry.MaxInterval <= 0 {
			s.Retry.MaxInterval = 5 * time.Second
		}
	}

	for i := range c.Paths {
		p := &c.Paths[i]
		if p.Affinity.Mode == "" {
			p.Affinity.Mode = AffinityNone
		}
		if p.Affinity.Mode == AffinityCookie && p.Affinity.Cookie == "" {
			p.Affinity.Cookie = "DBGW_SERVER"
		}
	}
}

// Server returns the server with the given name, compared case-insensitively
func (c *Config) Server(name string) (*ServerConfig, bool) {
	for i := range c.Servers {
		if strings.EqualFold(c.Servers[i].Name, name) {
			return &c.Servers[i], true
		}
	}
	return nil, false
}

// ApplyLogging configures the default logger. The returned closer releases a
// log file if one was opened.
func (l LoggingConfig) Apply() (io.Closer, error) {
	logger.SetLogLevel(l.Level)
	logger.SetFormat(l.Format)
	return logger.SetOutput(l.Output)
}

// expandEnv resolves ${VAR} references in credentials and namespaces
func (c *Config) expandEnv() {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Username = os.ExpandEnv(s.Username)
		s.Password = os.ExpandEnv(s.Password)
		s.Namespace = os.ExpandEnv(s.Namespace)
		s.Host = os.ExpandEnv(s.Host)
	}
}

// loadErrorPages reads custom error page files, relative to baseDir
func (c *Config) loadErrorPages(baseDir string) error {
	for i := range c.Paths {
		p := &c.Paths[i]
		if len(p.ErrorPages) == 0 {
			continue
		}
		p.ErrorPageBodies = make(map[string][]byte, len(p.ErrorPages))
		for class, file := range p.ErrorPages {
			if !filepath.IsAbs(file) {
				file = filepath.Join(baseDir, file)
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("path %s: failed to read error page for %s: %w", p.Prefix, class, err)
			}
			p.ErrorPageBodies[class] = body
		}
	}
	return nil
}
