package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// DefaultUserAgent mimics a desktop Chrome browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Cookies      CookiesConfig      `yaml:"cookies"`
	History      HistoryConfig      `yaml:"history"`
	Worker       WorkerConfig       `yaml:"worker"`
	Platforms    PlatformsConfig    `yaml:"platforms"`
	Acquisition  AcquisitionConfig  `yaml:"acquisition"`
	Download     DownloadConfig     `yaml:"download"`
	ResolveCache ResolveCacheConfig `yaml:"resolve_cache"`
	Bilibili     BilibiliConfig     `yaml:"bilibili"`
	Douyin       DouyinConfig       `yaml:"douyin"`
	Xiaohongshu  XiaohongshuConfig  `yaml:"xiaohongshu"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" envconfig:"SERVER_PORT" default:"9848"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"15m"`
}

// StorageConfig holds the artifact cache directory configuration.
type StorageConfig struct {
	CachePath    string        `yaml:"cache_path" envconfig:"STORAGE_CACHE_PATH" default:"/data/cache"`
	MinFreeBytes int64         `yaml:"min_free_bytes" envconfig:"STORAGE_MIN_FREE_BYTES" default:"536870912"` // 512MB
	SweepAge     time.Duration `yaml:"sweep_age" envconfig:"STORAGE_SWEEP_AGE" default:"1h"`
}

// CookiesConfig points at per-platform cookie files.
type CookiesConfig struct {
	Dir string `yaml:"dir" envconfig:"COOKIES_DIR" default:"/data/cookies"`
}

// HistoryConfig holds report history configuration. An empty path keeps
// history in memory.
type HistoryConfig struct {
	SQLitePath string `yaml:"sqlite_path" envconfig:"HISTORY_SQLITE_PATH"`
	Limit      int    `yaml:"limit" envconfig:"HISTORY_LIMIT" default:"100"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Count        int           `yaml:"count" envconfig:"WORKER_COUNT" default:"2"`
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"WORKER_MAX_RETRIES" default:"2"`
}

// PlatformsConfig selects which platforms are resolved.
type PlatformsConfig struct {
	Enabled []string `yaml:"enabled" envconfig:"PLATFORMS_ENABLED" default:"bilibili,douyin,xiaohongshu"`
}

// AcquisitionConfig holds the limits shared by every platform.
type AcquisitionConfig struct {
	RetryCount           int           `yaml:"retry_count" envconfig:"RETRY_COUNT" default:"3"`
	RetryDelay           time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY" default:"1s"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay" envconfig:"MAX_RETRY_DELAY" default:"30s"`
	APITimeout           time.Duration `yaml:"api_timeout" envconfig:"API_TIMEOUT" default:"600s"`
	MaxVideoSizeMB       int64         `yaml:"max_video_size_mb" envconfig:"MAX_VIDEO_SIZE_MB" default:"200"`
	AllowQualityFallback bool          `yaml:"allow_quality_fallback" envconfig:"ALLOW_QUALITY_FALLBACK" default:"true"`
	AutoCleanupDelay     time.Duration `yaml:"auto_cleanup_delay" envconfig:"AUTO_CLEANUP_DELAY" default:"60s"`
	ItemConcurrency      int           `yaml:"item_concurrency" envconfig:"ITEM_CONCURRENCY" default:"3"`
	CacheMaxEntries      int           `yaml:"cache_max_entries" envconfig:"CACHE_MAX_ENTRIES" default:"0"`
}

// DownloadConfig holds media download configuration.
type DownloadConfig struct {
	Timeout       time.Duration `yaml:"timeout" envconfig:"DOWNLOAD_TIMEOUT" default:"30s"`
	HeaderTimeout time.Duration `yaml:"header_timeout" envconfig:"DOWNLOAD_HEADER_TIMEOUT" default:"30s"`
	ReadTimeout   time.Duration `yaml:"read_timeout" envconfig:"DOWNLOAD_READ_TIMEOUT" default:"60s"`
	UserAgent     string        `yaml:"user_agent" envconfig:"DOWNLOAD_USER_AGENT"`
}

// ResolveCacheConfig holds the resolved-metadata cache configuration.
type ResolveCacheConfig struct {
	MaxEntries int64         `yaml:"max_entries" envconfig:"RESOLVE_CACHE_MAX_ENTRIES" default:"1000"`
	TTL        time.Duration `yaml:"ttl" envconfig:"RESOLVE_CACHE_TTL" default:"2m"`
}

// BilibiliConfig holds Bilibili options.
type BilibiliConfig struct {
	Quality         string `yaml:"quality" envconfig:"BILIBILI_QUALITY" default:"720P"`
	Codecs          string `yaml:"codecs" envconfig:"BILIBILI_CODECS" default:"AVC"`
	AllowHDR        bool   `yaml:"allow_hdr" envconfig:"BILIBILI_ALLOW_HDR" default:"false"`
	AllowDolby      bool   `yaml:"allow_dolby" envconfig:"BILIBILI_ALLOW_DOLBY" default:"false"`
	MergeSend       bool   `yaml:"merge_send" envconfig:"BILIBILI_MERGE_SEND" default:"false"`
	EnableMultiPage bool   `yaml:"enable_multi_page" envconfig:"BILIBILI_ENABLE_MULTI_PAGE" default:"true"`
	MultiPageMax    int    `yaml:"multi_page_max" envconfig:"BILIBILI_MULTI_PAGE_MAX" default:"3"`
	UseCookies      bool   `yaml:"use_cookies" envconfig:"BILIBILI_USE_COOKIES" default:"true"`
}

// DouyinConfig holds Douyin options.
type DouyinConfig struct {
	MaxMedia  int  `yaml:"max_media" envconfig:"DOUYIN_MAX_MEDIA" default:"9"`
	MergeSend bool `yaml:"merge_send" envconfig:"DOUYIN_MERGE_SEND" default:"false"`
}

// XiaohongshuConfig holds Xiaohongshu options.
type XiaohongshuConfig struct {
	MaxMedia               int   `yaml:"max_media" envconfig:"XHS_MAX_MEDIA" default:"15"`
	MergeSend              bool  `yaml:"merge_send" envconfig:"XHS_MERGE_SEND" default:"false"`
	DownloadOriginal       bool  `yaml:"download_original" envconfig:"XHS_DOWNLOAD_ORIGINAL" default:"true"`
	UseCookies             bool  `yaml:"use_cookies" envconfig:"XHS_USE_COOKIES" default:"false"`
	AutoUnmergeThresholdMB int64 `yaml:"auto_unmerge_threshold_mb" envconfig:"XHS_AUTO_UNMERGE_THRESHOLD_MB" default:"20"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values.
func Load(configPath string) (*Config, error) {
	cfg, err := load(configPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadStandalone is Load without the server requirements, for the CLI.
func LoadStandalone(configPath string) (*Config, error) {
	cfg, err := load(configPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidatePipeline(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Load from YAML file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Override with environment variables
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.Download.UserAgent == "" {
		cfg.Download.UserAgent = DefaultUserAgent
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	return c.ValidatePipeline()
}

// ValidatePipeline checks the values the acquisition pipeline depends on.
func (c *Config) ValidatePipeline() error {
	if c.Storage.CachePath == "" {
		return fmt.Errorf("STORAGE_CACHE_PATH is required")
	}
	if _, err := c.EnabledPlatforms(); err != nil {
		return err
	}
	if c.Acquisition.MaxVideoSizeMB < 0 {
		return fmt.Errorf("max_video_size_mb must not be negative")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}
	if _, err := ParseQuality(c.Bilibili.Quality); err != nil {
		return err
	}
	return nil
}

// EnabledPlatforms parses the platform list.
func (c *Config) EnabledPlatforms() (domain.PlatformSet, error) {
	set := domain.NewPlatformSet()
	for _, name := range c.Platforms.Enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, err := domain.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("at least one platform must be enabled")
	}
	return set, nil
}

// Policy builds the immutable acquisition policy snapshot.
func (c *Config) Policy() domain.AcquisitionPolicy {
	a := c.Acquisition
	return domain.AcquisitionPolicy{
		MaxBytes:                a.MaxVideoSizeMB << 20,
		AllowQualityFallback:    a.AllowQualityFallback,
		RetryCount:              a.RetryCount,
		RetryDelay:              a.RetryDelay,
		MaxRetryDelay:           a.MaxRetryDelay,
		APITimeout:              a.APITimeout,
		CleanupDelay:            a.AutoCleanupDelay,
		ItemConcurrency:         a.ItemConcurrency,
		EnableMultiPage:         c.Bilibili.EnableMultiPage,
		MultiPageMax:            c.Bilibili.MultiPageMax,
		DouyinMaxMedia:          c.Douyin.MaxMedia,
		XHSMaxMedia:             c.Xiaohongshu.MaxMedia,
		BilibiliMergeSend:       c.Bilibili.MergeSend,
		DouyinMergeSend:         c.Douyin.MergeSend,
		XHSMergeSend:            c.Xiaohongshu.MergeSend,
		XHSAutoUnmergeThreshold: c.Xiaohongshu.AutoUnmergeThresholdMB << 20,
	}.Normalize()
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
