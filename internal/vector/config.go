// File path: internal/vector/config.go
package vector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host             string `json:"host"`
	Port             string `json:"port"`
	Scheme           string `json:"scheme"`
	CollectionPrefix string `json:"collection_prefix"`
	APIKey           string `json:"api_key"`

	Timeout       time.Duration `json:"-"`
	TimeoutString string        `json:"timeout"`

	HTTPMaxIdleConns       int           `json:"http_max_idle_conns"`
	HTTPMaxIdlePerHost     int           `json:"http_max_idle_per_host"`
	HTTPMaxConnsPerHost    int           `json:"http_max_conns_per_host"`
	HTTPIdleConnTimeout    time.Duration `json:"-"`
	HTTPIdleConnTimeoutStr string        `json:"http_idle_conn_timeout"`
}

// Merge overlays non-zero override fields onto c and returns the result.
func (c Config) Merge(override Config) Config {
	result := c
	overlayString(&result.Host, override.Host)
	overlayString(&result.Port, override.Port)
	overlayString(&result.Scheme, override.Scheme)
	overlayString(&result.CollectionPrefix, override.CollectionPrefix)
	if strings.TrimSpace(override.APIKey) != "" {
		result.APIKey = override.APIKey
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	overlayString(&result.TimeoutString, override.TimeoutString)
	if override.HTTPMaxIdleConns > 0 {
		result.HTTPMaxIdleConns = override.HTTPMaxIdleConns
	}
	if override.HTTPMaxIdlePerHost > 0 {
		result.HTTPMaxIdlePerHost = override.HTTPMaxIdlePerHost
	}
	if override.HTTPMaxConnsPerHost > 0 {
		result.HTTPMaxConnsPerHost = override.HTTPMaxConnsPerHost
	}
	if override.HTTPIdleConnTimeout > 0 {
		result.HTTPIdleConnTimeout = override.HTTPIdleConnTimeout
	}
	overlayString(&result.HTTPIdleConnTimeoutStr, override.HTTPIdleConnTimeoutStr)
	return result
}

func overlayString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

// LoadConfig resolves the vector store settings from an optional JSON file
// named by CHROMADB_CONFIG_FILE, then overlays CHROMADB_* environment
// variables and fills defaults.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("CHROMADB_CONFIG_FILE")); path != "" {
		fileCfg, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg, err := loadConfigEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Merge(envCfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = "localhost"
	}
	if strings.TrimSpace(c.Port) == "" {
		c.Port = "8000"
	}
	if strings.TrimSpace(c.Scheme) == "" {
		c.Scheme = "http"
	}
	c.CollectionPrefix = normalizePrefix(c.CollectionPrefix)
	c.Timeout = resolveDuration(c.Timeout, c.TimeoutString, 10*time.Second)
	if c.HTTPMaxIdleConns <= 0 {
		c.HTTPMaxIdleConns = 64
	}
	if c.HTTPMaxIdlePerHost <= 0 {
		c.HTTPMaxIdlePerHost = 16
	}
	c.HTTPIdleConnTimeout = resolveDuration(c.HTTPIdleConnTimeout, c.HTTPIdleConnTimeoutStr, 90*time.Second)
}

func (c Config) validate() error {
	switch c.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("chromadb scheme %q not supported", c.Scheme)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("chromadb port %q is not numeric", c.Port)
	}
	return nil
}

// resolveDuration prefers the typed value, then the string form, then the
// fallback. Unparseable strings fall through silently to the default.
func resolveDuration(value time.Duration, raw string, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	if raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// normalizePrefix lowercases the configured prefix and replaces characters
// the vector store rejects in collection names.
func normalizePrefix(prefix string) string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return "bundleindex"
	}
	var sb strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read chromadb config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse chromadb config: %w", err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{
		Host:                   os.Getenv("CHROMADB_HOST"),
		Port:                   os.Getenv("CHROMADB_PORT"),
		Scheme:                 os.Getenv("CHROMADB_SCHEME"),
		CollectionPrefix:       os.Getenv("CHROMADB_COLLECTION_PREFIX"),
		APIKey:                 strings.TrimSpace(os.Getenv("CHROMADB_API_KEY")),
		TimeoutString:          os.Getenv("CHROMADB_TIMEOUT"),
		HTTPIdleConnTimeoutStr: os.Getenv("CHROMADB_HTTP_IDLE_CONN_TIMEOUT"),
	}
	intVars := []struct {
		name string
		dst  *int
	}{
		{"CHROMADB_HTTP_MAX_IDLE_CONNS", &cfg.HTTPMaxIdleConns},
		{"CHROMADB_HTTP_MAX_IDLE_PER_HOST", &cfg.HTTPMaxIdlePerHost},
		{"CHROMADB_HTTP_MAX_CONNS_PER_HOST", &cfg.HTTPMaxConnsPerHost},
	}
	for _, v := range intVars {
		raw := strings.TrimSpace(os.Getenv(v.name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", v.name, err)
		}
		if value > 0 {
			*v.dst = value
		}
	}
	return cfg, nil
}

// CollectionName builds the per-kind collection name, e.g. prefix
// "bundleindex" and kind "codebundles" yields "bundleindex_codebundles".
func (c Config) CollectionName(kind string) string {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		return normalizePrefix(c.CollectionPrefix)
	}
	return normalizePrefix(c.CollectionPrefix) + "_" + kind
}
