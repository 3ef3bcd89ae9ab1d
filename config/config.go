/*
Package config loads process settings from the environment.

SOURCES (later wins):
  1. Built-in defaults
  2. A .env file in the working directory, if present
  3. Process environment variables
  4. Command-line flags in cmd/server (port and db path only)

VARIABLES:
  PORT                   HTTP port (8080)
  DB_PATH                SQLite path, ":memory:" allowed (lotledger.db)
  REDIS_ADDR             Redis address for lot locks; empty uses in-process locks
  LOCK_TTL               Redis lock TTL (5s)
  LOG_LEVEL              logrus level (info)
  LOG_FORMAT             json or text (json)
  CATALOG_PATH           reference data JSON; empty uses the embedded catalog
  OFFLINE_SYNC_INTERVAL  offline queue sync period; 0 disables the scheduler (0)
  OFFLINE_SYNC_BATCH     entries per client per sync run (100)
  CORS_ORIGINS           comma separated allowed origins (*)
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the resolved process configuration.
type Config struct {
	Port                int
	DBPath              string
	RedisAddr           string
	LockTTL             time.Duration
	LogLevel            string
	LogFormat           string
	CatalogPath         string
	OfflineSyncInterval time.Duration
	OfflineSyncBatch    int
	CORSOrigins         []string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:             8080,
		DBPath:           "lotledger.db",
		LockTTL:          5 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		OfflineSyncBatch: 100,
		CORSOrigins:      []string{"*"},
	}
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv resolves a Config through lookup, which has the signature of
// os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := envParser{lookup: lookup}

	cfg.Port = p.int("PORT", cfg.Port)
	cfg.DBPath = p.str("DB_PATH", cfg.DBPath)
	cfg.RedisAddr = p.str("REDIS_ADDR", cfg.RedisAddr)
	cfg.LockTTL = p.duration("LOCK_TTL", cfg.LockTTL)
	cfg.LogLevel = p.str("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(p.str("LOG_FORMAT", cfg.LogFormat))
	cfg.CatalogPath = p.str("CATALOG_PATH", cfg.CatalogPath)
	cfg.OfflineSyncInterval = p.duration("OFFLINE_SYNC_INTERVAL", cfg.OfflineSyncInterval)
	cfg.OfflineSyncBatch = p.int("OFFLINE_SYNC_BATCH", cfg.OfflineSyncBatch)
	if v, ok := p.lookup("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT %d out of range", c.Port)
	case c.DBPath == "":
		return errors.New("DB_PATH must not be empty")
	case c.LockTTL <= 0:
		return errors.New("LOCK_TTL must be positive")
	case c.OfflineSyncInterval < 0:
		return errors.New("OFFLINE_SYNC_INTERVAL must not be negative")
	case c.OfflineSyncBatch <= 0:
		return errors.New("OFFLINE_SYNC_BATCH must be positive")
	case c.LogFormat != "json" && c.LogFormat != "text":
		return fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// NewLogger builds the process logger writing to out.
func (c Config) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	if c.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// envParser keeps the first parse error so callers can read every
// variable and check once.
type envParser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *envParser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (p *envParser) int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.fail(fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

// duration accepts Go durations ("30s") or a bare number of seconds.
func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *envParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
