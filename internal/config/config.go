// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/techday/satbridge/sessions"
	"github.com/techday/satbridge/storage/sqlstore"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is everything the serve and seed commands need.
type Config struct {
	ListenAddr         string `env:"LISTEN_ADDR,default=:8001"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=*"`

	MCP       MCP
	Database  Database
	Cache     Cache
	Agent     Agent
	Documents Documents
	Log       Log
}

// MCP configures the SSE bridge.
type MCP struct {
	BasePath        string        `env:"MCP_BASE_PATH,default=/api/mcp/sat"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"`
	QueueSize       int           `env:"MCP_QUEUE_SIZE,default=64"`
	QueueOverflow   string        `env:"MCP_QUEUE_OVERFLOW,default=reject"`
	KeepAlive       time.Duration `env:"MCP_KEEPALIVE,default=15s"`
	StrictHandshake bool          `env:"MCP_STRICT_HANDSHAKE,default=false"`
	ToolConcurrency int           `env:"MCP_TOOL_CONCURRENCY,default=16"`
	ToolTimeout     time.Duration `env:"MCP_TOOL_TIMEOUT,default=30s"`
}

// Database selects and locates the repository backend.
type Database struct {
	Store string `env:"STORE,default=memory"`

	// URL wins over the discrete connection settings below.
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DATABASE_HOST,default=localhost"`
	Port     string `env:"DATABASE_PORT,default=5432"`
	User     string `env:"DATABASE_USER,default=iacore"`
	Password string `env:"DATABASE_PASSWORD,default=iacore"`
	Name     string `env:"DATABASE_NAME,default=techday"`

	SQLitePath string `env:"SQLITE_PATH,default=satbridge.db"`
}

// Cache configures the catalog cache. Without a Redis address an in-process
// LRU is used.
type Cache struct {
	RedisAddr string        `env:"REDIS_ADDR"`
	TTL       time.Duration `env:"CACHE_TTL,default=1m"`
	MaxItems  int           `env:"CACHE_MAX_ITEMS,default=1024"`
}

// Agent locates the external agent platform.
type Agent struct {
	URL    string `env:"MATTIN_URL,default=https://aict-desa.lksnext.com"`
	APIKey string `env:"API_KEY"`
}

// Documents locates the machine manuals uploaded through the REST API.
type Documents struct {
	Dir string `env:"UPLOADS_DIR,default=uploads"`
}

// Log configures the process logger.
type Log struct {
	Format string `env:"LOG_FORMAT,default=dev"`
	Level  string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	switch c.Database.Store {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("unknown STORE %q (want memory, postgres or sqlite)", c.Database.Store)
	}
	if _, err := sessions.ParseOverflowPolicy(c.MCP.QueueOverflow); err != nil {
		return err
	}
	if c.MCP.QueueSize <= 0 {
		return fmt.Errorf("MCP_QUEUE_SIZE must be positive, got %d", c.MCP.QueueSize)
	}
	if c.MCP.ToolConcurrency <= 0 {
		return fmt.Errorf("MCP_TOOL_CONCURRENCY must be positive, got %d", c.MCP.ToolConcurrency)
	}
	if c.MCP.KeepAlive < 0 {
		return fmt.Errorf("MCP_KEEPALIVE must not be negative")
	}
	if c.MCP.ToolTimeout < 0 {
		return fmt.Errorf("MCP_TOOL_TIMEOUT must not be negative")
	}
	if c.MCP.PublicBaseURL != "" {
		u, err := url.Parse(c.MCP.PublicBaseURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.MCP.PublicBaseURL)
		}
	}
	return nil
}

// OverflowPolicy is the parsed MCP_QUEUE_OVERFLOW value.
func (c *Config) OverflowPolicy() sessions.OverflowPolicy {
	p, _ := sessions.ParseOverflowPolicy(c.MCP.QueueOverflow)
	return p
}

// PostgresDSN returns DATABASE_URL or a URL assembled from the discrete
// DATABASE_* settings.
func (c *Config) PostgresDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	d := c.Database
	return sqlstore.PostgresDSN(d.Host, d.Port, d.User, d.Password, d.Name)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
