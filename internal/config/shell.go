// Package config holds the dockshell server configuration. Values are
// resolved in order: built-in defaults, YAML file, environment, flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/dockshell/core/config"
)

// ShellConfig holds configuration for the dockshell server.
type ShellConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	BackendURL     string        `yaml:"backend_url"`
	Namespace      string        `yaml:"namespace"`
	ReadyEvent     string        `yaml:"ready_event"`
	Reconnect      bool          `yaml:"reconnect"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	FrameOrigins   []string      `yaml:"frame_origins"`
	APIKey         string        `yaml:"api_key"`
	RedisAddr      string        `yaml:"redis_addr"`
	PendingCallTTL time.Duration `yaml:"pending_call_ttl"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	FrameReadLimit int64         `yaml:"frame_read_limit"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ShellConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BackendURL == "" {
		c.BackendURL = "ws://localhost:5000"
	}
	if c.Namespace == "" {
		c.Namespace = "/shell"
	}
	if c.ReadyEvent == "" {
		c.ReadyEvent = "connected"
	}
	if c.FrameOrigins == nil {
		c.FrameOrigins = []string{"*"}
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.FrameReadLimit == 0 {
		c.FrameReadLimit = 1 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("shell.yaml")
	}
	c.Reconnect = true
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ShellConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := commoncfg.GetEnv("BACKEND_URL", ""); v != "" {
		c.BackendURL = v
	}
	if v := commoncfg.GetEnv("NAMESPACE", ""); v != "" {
		c.Namespace = v
	}
	if v := commoncfg.GetEnv("READY_EVENT", ""); v != "" {
		c.ReadyEvent = v
	}
	if v := commoncfg.GetEnv("RECONNECT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reconnect = b
		}
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("PENDING_CALL_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PendingCallTTL = d
		}
	}
	if v := commoncfg.GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := commoncfg.GetEnv("FRAME_READ_LIMIT", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.FrameReadLimit = n
		}
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := commoncfg.GetEnv("FRAME_ORIGINS", ""); v != "" {
		c.FrameOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *ShellConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "shell config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log encoding (console or json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the API listener")
	fs.StringVar(&c.BackendURL, "backend-url", c.BackendURL, "backend coordinator URL (ws://, wss:// or nats://)")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "backend namespace")
	fs.StringVar(&c.ReadyEvent, "ready-event", c.ReadyEvent, "event sent after every backend connection")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "re-establish the backend connection when it drops")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for launcher requests; leave empty to disable auth")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state and directory snapshot")
	fs.DurationVar(&c.PendingCallTTL, "pending-call-ttl", c.PendingCallTTL, "drop rpc calls without a reply after this long (0 keeps them until the application closes)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for frames to disconnect on shutdown")
	fs.Int64Var(&c.FrameReadLimit, "frame-read-limit", c.FrameReadLimit, "largest message in bytes a frame may send before it is disconnected")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Func("frame-origins", "comma separated host patterns frames may connect from", func(v string) error {
		c.FrameOrigins = splitComma(v)
		return nil
	})
}

func configArg(args []string) string {
	for i, a := range args {
		switch {
		case (a == "--config" || a == "-config") && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFile populates the config from a YAML file.
func (c *ShellConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration: defaults < file < env < args. The file
// comes from --config, CONFIG_FILE or the default path; a missing file is not
// an error.
func Load(fs *flag.FlagSet, args []string) (ShellConfig, error) {
	var c ShellConfig
	c.SetDefaults()
	c.ApplyEnv()
	if p := configArg(args); p != "" {
		c.ConfigFile = p
	}
	if err := c.LoadFile(c.ConfigFile); err != nil && !os.IsNotExist(err) {
		return c, err
	}
	// Environment wins over the file.
	c.ApplyEnv()
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	return c, nil
}
