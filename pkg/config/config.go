// Package config loads graphstore configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/graphstore/core/indexmanager"
	"github.com/sushant-115/graphstore/core/storage_engine/pagecache"
	"github.com/sushant-115/graphstore/pkg/logger"
	"github.com/sushant-115/graphstore/pkg/telemetry"
)

// HomeEnv names the environment variable that overrides the home directory.
const HomeEnv = "GRAPHSTORE_HOME"

type Config struct {
	// Home is the directory holding config.yaml and, by default, the data.
	Home      string           `yaml:"home"`
	Store     StoreConfig      `yaml:"store"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type StoreConfig struct {
	DataDir        string        `yaml:"data_dir"`
	PageSize       int           `yaml:"page_size"`
	CachePages     int           `yaml:"cache_pages"`
	MaxPinAttempts int           `yaml:"max_pin_attempts"`
	PinBackoff     time.Duration `yaml:"pin_backoff"`
	// MaxLeafKeys and MaxInternalKeys cap node fill; zero uses the page capacity.
	MaxLeafKeys     int                   `yaml:"max_leaf_keys"`
	MaxInternalKeys int                   `yaml:"max_internal_keys"`
	BackgroundFlush BackgroundFlushConfig `yaml:"background_flush"`
}

type BackgroundFlushConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxIOPS  int           `yaml:"max_iops"`
}

// Default returns the configuration used for anything a file leaves out.
func Default(home string) *Config {
	cache := pagecache.DefaultConfig()
	return &Config{
		Home: home,
		Store: StoreConfig{
			DataDir:        filepath.Join(home, "data"),
			PageSize:       cache.PageSize,
			CachePages:     cache.MaxPages,
			MaxPinAttempts: cache.MaxPinAttempts,
			PinBackoff:     cache.PinBackoff,
			BackgroundFlush: BackgroundFlushConfig{
				Enabled:  cache.BackgroundFlush.Enabled,
				Interval: cache.BackgroundFlush.Interval,
				MaxIOPS:  cache.BackgroundFlush.MaxIOPS,
			},
		},
		Logger:    logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{ServiceName: "graphstore", TraceSampleRatio: 1},
	}
}

// ResolveHome picks the home directory: the override, then $GRAPHSTORE_HOME,
// then ~/.local/share/graphstore.
func ResolveHome(homeOverride string) (string, error) {
	home := homeOverride
	if home == "" {
		home = os.Getenv(HomeEnv)
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		home = filepath.Join(userHome, ".local", "share", "graphstore")
	}
	return home, nil
}

// Load reads configPath, or <home>/config.yaml when configPath is empty,
// over the defaults. A missing default file is not an error; a missing
// explicit one is.
func Load(homeOverride, configPath string) (*Config, error) {
	home, err := ResolveHome(homeOverride)
	if err != nil {
		return nil, err
	}
	cfg := Default(home)
	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(home, "config.yaml")
	}

	f, err := os.Open(configPath)
	switch {
	case err == nil:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// a home set in the file moves the default data directory along
	if cfg.Home != home && cfg.Store.DataDir == filepath.Join(home, "data") {
		cfg.Store.DataDir = filepath.Join(cfg.Home, "data")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	s := c.Store
	switch {
	case s.DataDir == "":
		return errors.New("store.data_dir must be set")
	case s.PageSize < 512 || bits.OnesCount(uint(s.PageSize)) != 1:
		return fmt.Errorf("store.page_size %d must be a power of two of at least 512", s.PageSize)
	case s.CachePages < 1:
		return fmt.Errorf("store.cache_pages %d must be at least 1", s.CachePages)
	case s.MaxPinAttempts < 1:
		return fmt.Errorf("store.max_pin_attempts %d must be at least 1", s.MaxPinAttempts)
	case s.PinBackoff < 0:
		return fmt.Errorf("store.pin_backoff %s must not be negative", s.PinBackoff)
	case s.MaxLeafKeys < 0 || s.MaxInternalKeys < 0:
		return errors.New("store.max_leaf_keys and store.max_internal_keys must not be negative")
	case s.BackgroundFlush.Enabled && s.BackgroundFlush.Interval <= 0:
		return errors.New("store.background_flush.interval must be positive when enabled")
	case c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1:
		return fmt.Errorf("telemetry.trace_sample_ratio %g must be within [0, 1]", c.Telemetry.TraceSampleRatio)
	}
	return nil
}

// ManagerConfig translates the store section for indexmanager.New.
func (c *Config) ManagerConfig() indexmanager.Config {
	s := c.Store
	return indexmanager.Config{
		DataDir: s.DataDir,
		PageCache: pagecache.Config{
			PageSize:       s.PageSize,
			MaxPages:       s.CachePages,
			MaxPinAttempts: s.MaxPinAttempts,
			PinBackoff:     s.PinBackoff,
			BackgroundFlush: pagecache.BackgroundFlushConfig{
				Enabled:  s.BackgroundFlush.Enabled,
				Interval: s.BackgroundFlush.Interval,
				MaxIOPS:  s.BackgroundFlush.MaxIOPS,
			},
		},
		MaxLeafKeys:     s.MaxLeafKeys,
		MaxInternalKeys: s.MaxInternalKeys,
	}
}
