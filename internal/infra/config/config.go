package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Download  DownloadConfig  `mapstructure:"download" yaml:"download" json:"download"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" json:"store"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output" json:"output"`

	Port string `mapstructure:"port" yaml:"port" json:"port"`

	// path the config was loaded from, used by Save and Watch
	path string
}

type DownloadConfig struct {
	ThreadNum            int               `mapstructure:"thread_num" yaml:"thread_num" json:"threadNum"`
	SaveDir              string            `mapstructure:"save_dir" yaml:"save_dir" json:"saveDir"`
	CacheDir             string            `mapstructure:"cache_dir" yaml:"cache_dir" json:"cacheDir"`
	KeepCache            bool              `mapstructure:"keep_cache" yaml:"keep_cache" json:"keepCache"`
	Convert              bool              `mapstructure:"convert" yaml:"convert" json:"convert"`
	PlayWhileDownloading bool              `mapstructure:"play_while_downloading" yaml:"play_while_downloading" json:"playWhileDownloading"`
	Headers              map[string]string `mapstructure:"headers" yaml:"headers" json:"headers"`
	FetchRetries         int               `mapstructure:"fetch_retries" yaml:"fetch_retries" json:"fetchRetries"`
	SegmentRetries       int               `mapstructure:"segment_retries" yaml:"segment_retries" json:"segmentRetries"`
	RetryDelay           time.Duration     `mapstructure:"retry_delay" yaml:"retry_delay" json:"retryDelay"`
	RequestTimeout       time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout" json:"requestTimeout"`
	FFmpegPath           string            `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path" json:"ffmpegPath"`
}

type SchedulerConfig struct {
	MaxDownloads     int           `mapstructure:"max_downloads" yaml:"max_downloads" json:"maxDownloads"`
	PersistDebounce  time.Duration `mapstructure:"persist_debounce" yaml:"persist_debounce" json:"persistDebounce"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" json:"progressInterval"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path" json:"path"`
	Level         string `mapstructure:"level" yaml:"level" json:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout" json:"includeStdout"`
}

type StoreConfig struct {
	// Driver is one of "file", "sqlite" or "postgres"
	Driver      string `mapstructure:"driver" yaml:"driver" json:"driver"`
	StatePath   string `mapstructure:"state_path" yaml:"state_path" json:"statePath"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path" json:"sqlitePath"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn" json:"-"`
}

type OutputConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket" yaml:"gcs_bucket" json:"gcsBucket"`
	GCSPrefix string `mapstructure:"gcs_prefix" yaml:"gcs_prefix" json:"gcsPrefix"`
}

// DefaultThreadNum is min(2*NumCPU, 8).
func DefaultThreadNum() int {
	return min(2*runtime.NumCPU(), 8)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set Defaults
	v.SetDefault("port", "6600")
	v.SetDefault("download.thread_num", 0)
	v.SetDefault("download.save_dir", "./downloads")
	v.SetDefault("download.cache_dir", "./cache")
	v.SetDefault("download.keep_cache", false)
	v.SetDefault("download.convert", true)
	v.SetDefault("download.play_while_downloading", false)
	v.SetDefault("download.fetch_retries", 3)
	v.SetDefault("download.segment_retries", 3)
	v.SetDefault("download.retry_delay", "1s")
	v.SetDefault("download.request_timeout", "30s")
	v.SetDefault("scheduler.max_downloads", 3)
	v.SetDefault("scheduler.persist_debounce", "1s")
	v.SetDefault("scheduler.progress_interval", "500ms")
	v.SetDefault("log.path", "gohls.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.state_path", "./data/state.json")
	v.SetDefault("store.sqlite_path", "./data/gohls.db")

	// Support Environment Variables
	v.SetEnvPrefix("GOHLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the YAML file at path. A missing file is not an error: defaults and
// GOHLS_* environment variables still apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = "config.yaml"
	}

	v := newViper()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	var cfg Config
	_ = newViper().Unmarshal(&cfg)
	_ = cfg.Validate()
	return &cfg
}

// Clone returns a copy that shares nothing mutable with c.
func (c *Config) Clone() *Config {
	out := *c
	out.Download.Headers = maps.Clone(c.Download.Headers)
	return &out
}

// Path is the file this config was loaded from.
func (c *Config) Path() string { return c.path }

// Validate fills zero values with defaults and rejects an unusable store section.
func (c *Config) Validate() error {
	if c.Download.ThreadNum <= 0 {
		c.Download.ThreadNum = DefaultThreadNum()
	}

	if c.Download.SaveDir == "" {
		c.Download.SaveDir = "./downloads"
	}

	if c.Download.CacheDir == "" {
		c.Download.CacheDir = "./cache"
	}

	if c.Download.FetchRetries <= 0 {
		c.Download.FetchRetries = 3
	}

	if c.Download.SegmentRetries < 0 {
		c.Download.SegmentRetries = 0
	}

	if c.Download.RetryDelay <= 0 {
		c.Download.RetryDelay = time.Second
	}

	if c.Download.RequestTimeout <= 0 {
		c.Download.RequestTimeout = 30 * time.Second
	}

	if c.Scheduler.MaxDownloads <= 0 {
		c.Scheduler.MaxDownloads = 3
	}

	if c.Scheduler.PersistDebounce <= 0 {
		c.Scheduler.PersistDebounce = time.Second
	}

	if c.Scheduler.ProgressInterval <= 0 {
		c.Scheduler.ProgressInterval = 500 * time.Millisecond
	}

	switch c.Store.Driver {
	case "", "file":
		c.Store.Driver = "file"
		if c.Store.StatePath == "" {
			return errors.New("store.state_path is required for the file driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}
