package core

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

/*
===============================================================================
    Configuration
===============================================================================
*/

// Config represents the application configuration.
//
// Values are resolved in order: defaults, then the file named by
// `OPENMCD_CONFIG` (yaml or toml), then individual `OPENMCD_*` variables.
type Config struct {
	OpenFileLimit int    `yaml:"open_file_limit" toml:"open_file_limit"`
	LogLevel      string `yaml:"log_level" toml:"log_level"`
	// LogFormat is either "console" or "json"
	LogFormat string `yaml:"log_format" toml:"log_format"`

	// ReadBufferSize is the number of bytes read from disk per chunk when scanning spectral data
	ReadBufferSize int `yaml:"read_buffer_size" toml:"read_buffer_size"`

	CacheEnabled bool `yaml:"cache_enabled" toml:"cache_enabled"`
	// CacheCodec names the compression used for `.dcm` channel blocks: lz4, zstd, snappy or none
	CacheCodec   string `yaml:"cache_codec" toml:"cache_codec"`
	CacheWorkers int    `yaml:"cache_workers" toml:"cache_workers"`

	// ChannelCacheEntries bounds the number of decoded channel images kept in memory per open file.
	// Zero disables the in-memory cache.
	ChannelCacheEntries int `yaml:"channel_cache_entries" toml:"channel_cache_entries"`

	/* By enabling `StrictMode`, metadata parsing will reject inputs which either:
	   - Have gaps or repeats in channel order numbers
	   - Reference optical image segments lying outside the file
	*/
	StrictMode bool `yaml:"strict_mode" toml:"strict_mode"`

	// do not access / write `_set`. It is used internally.
	_set bool
}

// DefaultConfig returns the configuration used when nothing is set in the environment
func DefaultConfig() Config {
	return Config{
		OpenFileLimit:       64,
		LogLevel:            "info",
		LogFormat:           "console",
		ReadBufferSize:      2 * 1024 * 1024,
		CacheEnabled:        true,
		CacheCodec:          "lz4",
		CacheWorkers:        runtime.NumCPU(),
		ChannelCacheEntries: 16,
		StrictMode:          false,
	}
}

// intFromEnv retrieves `key` from the OS environment.
// if the key is not found, or cannot be expressed as an integer,
// `found` will be false.
func intFromEnv(key string) (val int, found bool) {
	valStr, found := os.LookupEnv(key)
	if !found {
		return
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		found = false
	}
	return
}

func intFromEnvDefault(key string, def int) (val int) {
	val, found := intFromEnv(key)
	if !found {
		val = def
	}
	return
}

func strFromEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func strFromEnvDefault(key string, def string) (val string) {
	val, found := strFromEnv(key)
	if !found {
		val = def
	}
	return
}

func boolFromEnv(key string) (val bool, found bool) {
	valStr, found := os.LookupEnv(key)
	if !found {
		return
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		found = false
	}
	return
}

func boolFromEnvDefault(key string, def bool) (val bool) {
	val, found := boolFromEnv(key)
	if !found {
		val = def
	}
	return
}

// LoadConfigFile reads a yaml (`.yaml`, `.yml`) or toml (`.toml`) file over the defaults.
// Keys absent from the file keep their default value.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		err = fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return DefaultConfig(), fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays any `OPENMCD_*` variables present in the environment onto `cfg`
func applyEnv(cfg Config) Config {
	cfg.OpenFileLimit = intFromEnvDefault("OPENMCD_OPENFILELIMIT", cfg.OpenFileLimit)
	cfg.LogLevel = strings.ToLower(strFromEnvDefault("OPENMCD_LOGLEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strFromEnvDefault("OPENMCD_LOGFORMAT", cfg.LogFormat))
	cfg.ReadBufferSize = intFromEnvDefault("OPENMCD_BUFFERSIZE", cfg.ReadBufferSize)
	cfg.CacheEnabled = boolFromEnvDefault("OPENMCD_CACHE", cfg.CacheEnabled)
	cfg.CacheCodec = strings.ToLower(strFromEnvDefault("OPENMCD_CACHECODEC", cfg.CacheCodec))
	cfg.CacheWorkers = intFromEnvDefault("OPENMCD_CACHEWORKERS", cfg.CacheWorkers)
	cfg.ChannelCacheEntries = intFromEnvDefault("OPENMCD_CHANNELCACHE", cfg.ChannelCacheEntries)
	cfg.StrictMode = boolFromEnvDefault("OPENMCD_STRICTMODE", cfg.StrictMode)
	return cfg
}

// normalise clamps values which would otherwise stall or break readers
func (cfg Config) normalise() Config {
	if cfg.OpenFileLimit < 1 {
		cfg.OpenFileLimit = 1
	}
	if cfg.ReadBufferSize < 4096 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.CacheWorkers < 1 {
		cfg.CacheWorkers = 1
	}
	if cfg.ChannelCacheEntries < 0 {
		cfg.ChannelCacheEntries = 0
	}
	return cfg
}

var (
	config   Config
	configMu sync.Mutex
)

// apply pushes logging related settings to the package-level logger
func (cfg Config) apply() {
	if err := SetLoggingLevel(cfg.LogLevel); err != nil {
		panic(`Invalid "OPENMCD_LOGLEVEL". Choose from "debug", "info", "warn", "error", "fatal", or "none".`)
	}
	switch cfg.LogFormat {
	case "json":
		SetLogger(NewJSONLogger(zapcore.Lock(os.Stderr)))
	default:
		SetLogger(NewConsoleLogger(zapcore.Lock(os.Stderr)))
	}
}

// GetConfig returns the application configuration.
// Will set from the config file and environment if not already set.
func GetConfig() Config {
	configMu.Lock()
	defer configMu.Unlock()
	if !config._set {
		cfg := DefaultConfig()
		var fileErr error
		if path, found := strFromEnv("OPENMCD_CONFIG"); found && path != "" {
			cfg, fileErr = LoadConfigFile(path)
		}
		cfg = applyEnv(cfg).normalise()
		cfg.apply()
		if fileErr != nil {
			Warnf("ignoring config file: %v", fileErr)
		}
		cfg._set = true
		config = cfg
	}
	return config
}

// OverrideConfig overrides the configuration parsed from environment with the one provided
func OverrideConfig(newconfig Config) {
	configMu.Lock()
	defer configMu.Unlock()
	newconfig = newconfig.normalise()
	newconfig.apply()
	newconfig._set = true // to prevent being reverted with subsequent calls to `GetConfig`
	config = newconfig
}

// ResetConfig discards any resolved configuration so the next `GetConfig` re-reads the environment
func ResetConfig() {
	configMu.Lock()
	defer configMu.Unlock()
	config = Config{}
}
