package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/atgraph/xrpc/core/config"
)

// ServerConfig holds configuration for the xrpcd server. Resolution
// precedence is defaults < file < env < flags.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	LogLevel         string        `yaml:"log_level"`
	RedisAddr        string        `yaml:"redis_addr"`
	BlobLimit        int64         `yaml:"blob_limit"`
	ValidateResponse bool          `yaml:"validate_response"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	BypassHeader     string        `yaml:"bypass_header"`
	BypassSecret     string        `yaml:"bypass_secret"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ConfigFile       string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.BlobLimit == 0 {
		c.BlobLimit = 5 << 20
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ServerConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
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
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("BLOB_LIMIT", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.BlobLimit = n
		}
	}
	if v := commoncfg.GetEnv("VALIDATE_RESPONSE", ""); v != "" {
		c.ValidateResponse = v == "true" || v == "1"
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := commoncfg.GetEnv("BYPASS_HEADER", ""); v != "" {
		c.BypassHeader = v
	}
	if v := commoncfg.GetEnv("BYPASS_SECRET", ""); v != "" {
		c.BypassSecret = v
	}
	if v := commoncfg.GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
}

// LoadFile overlays a YAML config file onto the current values.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// BindFlags registers flags seeded with the current values.
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "metrics listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for shared rate limits (empty = in-memory)")
	fs.Int64Var(&c.BlobLimit, "blob-limit", c.BlobLimit, "max request body bytes")
	fs.BoolVar(&c.ValidateResponse, "validate-response", c.ValidateResponse, "validate handler outputs against lexicon schemas")
	fs.StringVar(&c.BypassHeader, "bypass-header", c.BypassHeader, "header that bypasses rate limiting")
	fs.StringVar(&c.BypassSecret, "bypass-secret", c.BypassSecret, "value required in the bypass header")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per-request timeout (stored in the config; xrpcd does not apply it to requests)")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.Func("allowed-origins", "comma-separated CORS origins", func(v string) error {
		c.AllowedOrigins = splitList(v)
		return nil
	})
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
