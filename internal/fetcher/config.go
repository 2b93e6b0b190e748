// File path: internal/fetcher/config.go
package fetcher

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls how collection repositories are cloned and scanned.
type Config struct {
	Workdir      string        `json:"workdir"`
	CloneTimeout time.Duration `json:"-"`
	MaxFileSize  int64         `json:"max_file_size"`

	CloneTimeoutStr string `json:"clone_timeout"`
}

func (c Config) Merge(other Config) Config {
	merged := c
	if strings.TrimSpace(other.Workdir) != "" {
		merged.Workdir = strings.TrimSpace(other.Workdir)
	}
	if other.CloneTimeout > 0 {
		merged.CloneTimeout = other.CloneTimeout
	}
	if other.MaxFileSize > 0 {
		merged.MaxFileSize = other.MaxFileSize
	}
	return merged
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Workdir) == "" {
		c.Workdir = "data/repos"
	}
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = 5 * time.Minute
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 1 << 20
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Workdir) == "" {
		return fmt.Errorf("fetcher workdir cannot be empty")
	}
	return nil
}

// LoadConfig builds the fetcher configuration from the environment, with an
// optional JSON file named by FETCHER_CONFIG_FILE layered underneath.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("FETCHER_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read fetcher config file: %w", err)
		}
		var fileCfg Config
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse fetcher config file: %w", err)
		}
		if fileCfg.CloneTimeoutStr != "" {
			parsed, err := time.ParseDuration(fileCfg.CloneTimeoutStr)
			if err != nil {
				return Config{}, fmt.Errorf("parse clone_timeout: %w", err)
			}
			fileCfg.CloneTimeout = parsed
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg := Config{Workdir: os.Getenv("FETCHER_WORKDIR")}
	if raw := strings.TrimSpace(os.Getenv("FETCHER_CLONE_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse FETCHER_CLONE_TIMEOUT: %w", err)
		}
		envCfg.CloneTimeout = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("FETCHER_MAX_FILE_SIZE")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse FETCHER_MAX_FILE_SIZE: %w", err)
		}
		envCfg.MaxFileSize = parsed
	}
	cfg = cfg.Merge(envCfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
