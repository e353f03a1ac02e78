// Package config loads service settings from an optional TOML file and the
// environment. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"taskboard/storage"
)

// Duration reads "30s"-style values from TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	ListenAddr string `toml:"listen_addr"`
	Debug      bool   `toml:"debug"`
	LogFormat  string `toml:"log_format"`

	StorageDriver    string `toml:"storage_driver"`
	DatabaseURL      string `toml:"database_url"`
	SQLitePath       string `toml:"sqlite_path"`
	ConnectionString string `toml:"storage_connection_string"`
	TasksTable       string `toml:"tasks_table"`
	UsersTable       string `toml:"users_table"`
	ChangesQueue     string `toml:"changes_queue"`

	RedisConnectionString string   `toml:"redis_connection_string"`
	CacheTTL              Duration `toml:"cache_ttl"`

	AuthDomain      string   `toml:"auth_domain"`
	AuthAudience    string   `toml:"auth_audience"`
	AuthIssuer      string   `toml:"auth_issuer"`
	AuthCookie      string   `toml:"auth_cookie"`
	JWKSURL         string   `toml:"jwks_url"`
	JWKSCacheTTL    Duration `toml:"jwks_cache_ttl"`
	LocalAuthMode   string   `toml:"local_auth_mode"`
	LocalAuthSecret string   `toml:"local_auth_shared_secret"`

	CORSOrigins     []string `toml:"cors_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	StreamKeepAlive Duration `toml:"stream_keepalive"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		LogFormat:       "text",
		StorageDriver:   storage.DriverPostgres,
		SQLitePath:      "taskboard.db",
		TasksTable:      "Tasks",
		UsersTable:      "Users",
		CacheTTL:        Duration{30 * time.Second},
		AuthCookie:      "sb-access-token",
		JWKSCacheTTL:    Duration{15 * time.Minute},
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: Duration{15 * time.Second},
		StreamKeepAlive: Duration{25 * time.Second},
	}
}

// Load applies the TOML file at path (if any) and then the environment on
// top of the defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg, err := load(path, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStorage is Load for commands that only touch storage; auth and HTTP
// settings are not validated.
func LoadStorage(path string) (Config, error) {
	cfg, err := load(path, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validateStorage(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.fillDerived()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN_ADDR":               &c.ListenAddr,
		"LOG_FORMAT":                &c.LogFormat,
		"STORAGE_DRIVER":            &c.StorageDriver,
		"DATABASE_URL":              &c.DatabaseURL,
		"SQLITE_PATH":               &c.SQLitePath,
		"STORAGE_CONNECTION_STRING": &c.ConnectionString,
		"TASKS_TABLE":               &c.TasksTable,
		"USERS_TABLE":               &c.UsersTable,
		"CHANGES_QUEUE":             &c.ChangesQueue,
		"REDIS_CONNECTION_STRING":   &c.RedisConnectionString,
		"AUTH_DOMAIN":               &c.AuthDomain,
		"AUTH_AUDIENCE":             &c.AuthAudience,
		"AUTH_ISSUER":               &c.AuthIssuer,
		"AUTH_COOKIE":               &c.AuthCookie,
		"JWKS_URL":                  &c.JWKSURL,
		"LOCAL_AUTH_MODE":           &c.LocalAuthMode,
		"LOCAL_AUTH_SHARED_SECRET":  &c.LocalAuthSecret,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*Duration{
		"CACHE_TTL":        &c.CacheTTL,
		"JWKS_CACHE_TTL":   &c.JWKSCacheTTL,
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
		"STREAM_KEEPALIVE": &c.StreamKeepAlive,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if v, ok := lookup("DEBUG"); ok && v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG: %w", err)
		}
		c.Debug = dbg
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = splitList(v)
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.AuthDomain == "" {
		return
	}
	if c.JWKSURL == "" {
		c.JWKSURL = fmt.Sprintf("https://%s/.well-known/jwks.json", c.AuthDomain)
	}
	if c.AuthIssuer == "" {
		c.AuthIssuer = "https://" + c.AuthDomain + "/"
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	switch strings.ToLower(c.LocalAuthMode) {
	case "":
		if c.JWKSURL == "" {
			return errors.New("missing auth config: set AUTH_DOMAIN or JWKS_URL")
		}
	case "hs256":
		if c.LocalAuthSecret == "" {
			return errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	default:
		return fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", c.LocalAuthMode)
	}

	for name, d := range map[string]Duration{
		"JWKS_CACHE_TTL":   c.JWKSCacheTTL,
		"SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
		"STREAM_KEEPALIVE": c.StreamKeepAlive,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid %s: must be greater than zero", name)
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.StorageDriver {
	case storage.DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be set for the postgres driver")
		}
	case storage.DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH must be set for the sqlite driver")
		}
	case storage.DriverTables:
		if c.ConnectionString == "" || c.TasksTable == "" || c.UsersTable == "" {
			return errors.New("missing storage config")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.ChangesQueue != "" && c.ConnectionString == "" {
		return errors.New("CHANGES_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.CacheTTL.Duration < 0 {
		return errors.New("invalid CACHE_TTL: must not be negative")
	}
	return nil
}

// RedisOptions parses REDIS_CONNECTION_STRING, accepting a redis:// URL or
// the "host:port,password=...,ssl=true" form. It returns nil when Redis is
// not configured.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisConnectionString == "" {
		return nil, nil
	}
	return ParseRedis(c.RedisConnectionString)
}

func ParseRedis(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	addr := strings.TrimSpace(parts[0])
	if addr == "" || strings.Contains(addr, "=") {
		return nil, fmt.Errorf("invalid REDIS_CONNECTION_STRING")
	}
	opts := &redis.Options{Addr: addr}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
