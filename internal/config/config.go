// Package config loads opshub configuration from environment variables,
// optionally layered over a YAML config file (OPS_CONFIG_FILE). Environment
// values always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opshub/opshub/internal/notify"
)

// DefaultTCPAuthSecret is the fallback HMAC key. Deployments that enable
// agent authentication are expected to replace it; startup logs a warning
// when they do not.
const DefaultTCPAuthSecret = "default-tcp-secret-key"

// ServerConfig holds all control-plane configuration.
type ServerConfig struct {
	// Listeners
	TCPBindAddr  string `yaml:"tcp_bind_addr"`
	TCPPort      int    `yaml:"tcp_port"`
	HTTPBindAddr string `yaml:"http_bind_addr"`
	HTTPPort     int    `yaml:"http_port"`

	// Fleet lifecycle
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ClientTimeout   time.Duration `yaml:"client_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxResults      int           `yaml:"max_results"`

	// Agent channel authentication
	TCPAuthEnabled bool   `yaml:"tcp_auth_enabled"`
	TCPAuthSecret  string `yaml:"tcp_auth_secret"`

	// HTTP API authentication
	AuthToken     string `yaml:"auth_token"` // optional bearer token for API clients
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`

	// Command policy
	AllowedScriptDirs       []string `yaml:"allowed_script_dirs"`
	AllowedScriptExtensions []string `yaml:"allowed_script_extensions"`

	// Notifications
	Channels       []notify.Channel `yaml:"notifications"`
	DigestSchedule string           `yaml:"digest_schedule"` // cron expression; empty disables

	// Metrics
	MetricsTextfile string `yaml:"metrics_textfile"` // node_exporter textfile path; empty disables

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// DefaultServer returns the built-in server defaults.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		TCPBindAddr:     "0.0.0.0",
		TCPPort:         12345,
		HTTPBindAddr:    "0.0.0.0",
		HTTPPort:        3000,
		CleanupInterval: 10 * time.Second,
		ClientTimeout:   300 * time.Second,
		CommandTimeout:  300 * time.Second,
		MaxConnections:  1000,
		MaxResults:      1000,
		TCPAuthSecret:   DefaultTCPAuthSecret,
		AdminUser:       "admin",
		AdminPassword:   "admin123",
		AllowedScriptDirs: []string{
			"/opt/ops-scripts",
			"/usr/local/bin/scripts",
			"/home/ops/scripts",
			"/tmp/ops-scripts",
			"/tmp/apps",
		},
		AllowedScriptExtensions: []string{"sh", "py", "pl", "rb"},
		LogJSON:                 true,
		LogLevel:                "info",
	}
}

// LoadServer builds the server configuration: defaults, then the YAML file
// named by OPS_CONFIG_FILE (if any), then environment overrides.
func LoadServer() (*ServerConfig, error) {
	cfg := DefaultServer()
	if path := os.Getenv("OPS_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *ServerConfig) applyEnv() {
	c.TCPBindAddr = envStr("OPS_TCP_BIND_ADDR", c.TCPBindAddr)
	c.TCPPort = envInt("OPS_TCP_PORT", c.TCPPort)
	c.HTTPBindAddr = envStr("OPS_HTTP_BIND_ADDR", c.HTTPBindAddr)
	c.HTTPPort = envInt("OPS_HTTP_PORT", c.HTTPPort)
	c.CleanupInterval = envDuration("OPS_CLEANUP_INTERVAL", c.CleanupInterval)
	c.ClientTimeout = envDuration("OPS_CLIENT_TIMEOUT", c.ClientTimeout)
	c.CommandTimeout = envDuration("OPS_COMMAND_TIMEOUT", c.CommandTimeout)
	c.MaxConnections = envInt("OPS_MAX_CONNECTIONS", c.MaxConnections)
	c.MaxResults = envInt("OPS_MAX_RESULTS", c.MaxResults)
	c.TCPAuthEnabled = envBool("OPS_TCP_AUTH_ENABLED", c.TCPAuthEnabled)
	c.TCPAuthSecret = envStr("OPS_TCP_AUTH_SECRET", c.TCPAuthSecret)
	c.AuthToken = envStr("OPS_AUTH_TOKEN", c.AuthToken)
	c.AdminUser = envStr("OPS_ADMIN_USER", c.AdminUser)
	c.AdminPassword = envStr("OPS_ADMIN_PASSWORD", c.AdminPassword)
	c.AllowedScriptDirs = envList("OPS_ALLOWED_SCRIPT_DIRS", c.AllowedScriptDirs)
	c.AllowedScriptExtensions = envList("OPS_ALLOWED_SCRIPT_EXTENSIONS", c.AllowedScriptExtensions)
	c.DigestSchedule = envStr("OPS_DIGEST_SCHEDULE", c.DigestSchedule)
	c.MetricsTextfile = envStr("OPS_METRICS_TEXTFILE", c.MetricsTextfile)
	c.LogJSON = envBool("OPS_LOG_JSON", c.LogJSON)
	c.LogLevel = envStr("OPS_LOG_LEVEL", c.LogLevel)
}

// Validate checks configuration for invalid values.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.TCPPort < 1 || c.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("OPS_TCP_PORT must be 1-65535, got %d", c.TCPPort))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("OPS_HTTP_PORT must be 1-65535, got %d", c.HTTPPort))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("OPS_CLEANUP_INTERVAL must be > 0, got %s", c.CleanupInterval))
	}
	if c.ClientTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OPS_CLIENT_TIMEOUT must be > 0, got %s", c.ClientTimeout))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OPS_COMMAND_TIMEOUT must be > 0, got %s", c.CommandTimeout))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("OPS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections))
	}
	if c.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("OPS_MAX_RESULTS must be > 0, got %d", c.MaxResults))
	}
	if c.TCPAuthEnabled && c.TCPAuthSecret == "" {
		errs = append(errs, errors.New("OPS_TCP_AUTH_SECRET must be set when OPS_TCP_AUTH_ENABLED is true"))
	}
	if c.AdminUser == "" || c.AdminPassword == "" {
		errs = append(errs, errors.New("OPS_ADMIN_USER and OPS_ADMIN_PASSWORD must not be empty"))
	}
	if len(c.AllowedScriptExtensions) == 0 {
		errs = append(errs, errors.New("OPS_ALLOWED_SCRIPT_EXTENSIONS must not be empty"))
	}
	return errors.Join(errs...)
}

// TCPAddress returns host:port for the agent listener.
func (c *ServerConfig) TCPAddress() string {
	return fmt.Sprintf("%s:%d", c.TCPBindAddr, c.TCPPort)
}

// HTTPAddress returns host:port for the API listener.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTPBindAddr, c.HTTPPort)
}

// AgentConfig holds all agent-side configuration.
type AgentConfig struct {
	ServerHost        string        `yaml:"server_host"`
	ServerPort        int           `yaml:"server_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"` // 0 retries forever
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ClientIDFile      string        `yaml:"client_id_file"`
	AppsBaseDir       string        `yaml:"apps_base_dir"`
	CommandLogFile    string        `yaml:"command_log_file"`
	TCPAuthEnabled    bool          `yaml:"tcp_auth_enabled"`
	TCPAuthSecret     string        `yaml:"tcp_auth_secret"`
	LogJSON           bool          `yaml:"log_json"`
	LogLevel          string        `yaml:"log_level"`
}

// DefaultAgent returns the built-in agent defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		ServerHost:        "127.0.0.1",
		ServerPort:        12345,
		HeartbeatInterval: 3 * time.Second,
		RetryMaxAttempts:  10,
		RetryBaseDelay:    2 * time.Second,
		RetryMaxDelay:     60 * time.Second,
		ClientIDFile:      "/tmp/client_id.txt",
		AppsBaseDir:       "/tmp/apps",
		CommandLogFile:    "/tmp/client_commands.log",
		TCPAuthSecret:     DefaultTCPAuthSecret,
		LogJSON:           true,
		LogLevel:          "info",
	}
}

// LoadAgent builds the agent configuration the same way LoadServer does.
func LoadAgent() (*AgentConfig, error) {
	cfg := DefaultAgent()
	if path := os.Getenv("OPS_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *AgentConfig) applyEnv() {
	c.ServerHost = envStr("OPS_SERVER_HOST", c.ServerHost)
	c.ServerPort = envInt("OPS_SERVER_PORT", c.ServerPort)
	c.HeartbeatInterval = envDuration("OPS_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.RetryMaxAttempts = envInt("OPS_RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.RetryBaseDelay = envDuration("OPS_RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryMaxDelay = envDuration("OPS_RETRY_MAX_DELAY", c.RetryMaxDelay)
	c.ClientIDFile = envStr("OPS_CLIENT_ID_FILE", c.ClientIDFile)
	c.AppsBaseDir = envStr("OPS_APPS_BASE_DIR", c.AppsBaseDir)
	c.CommandLogFile = envStr("OPS_COMMAND_LOG_FILE", c.CommandLogFile)
	c.TCPAuthEnabled = envBool("OPS_TCP_AUTH_ENABLED", c.TCPAuthEnabled)
	c.TCPAuthSecret = envStr("OPS_TCP_AUTH_SECRET", c.TCPAuthSecret)
	c.LogJSON = envBool("OPS_LOG_JSON", c.LogJSON)
	c.LogLevel = envStr("OPS_LOG_LEVEL", c.LogLevel)
}

// Validate checks configuration for invalid values.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.ServerHost == "" {
		errs = append(errs, errors.New("OPS_SERVER_HOST must not be empty"))
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("OPS_SERVER_PORT must be 1-65535, got %d", c.ServerPort))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("OPS_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("OPS_RETRY_MAX_ATTEMPTS must be >= 0, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("retry delays invalid: base %s, max %s", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	if c.ClientIDFile == "" {
		errs = append(errs, errors.New("OPS_CLIENT_ID_FILE must not be empty"))
	}
	if c.TCPAuthEnabled && c.TCPAuthSecret == "" {
		errs = append(errs, errors.New("OPS_TCP_AUTH_SECRET must be set when OPS_TCP_AUTH_ENABLED is true"))
	}
	return errors.Join(errs...)
}

// ServerAddress returns host:port of the control plane's agent listener.
func (c *AgentConfig) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration accepts Go duration strings ("30s", "5m") and, for
// compatibility with older deployments, bare integers meaning seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envList splits a comma-separated value, trimming whitespace around items.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
