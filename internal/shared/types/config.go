package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// PoolConf 包含代理池的轮换参数
type PoolConf struct {
	// Enabled 为 false 时请求直连目标，不加载任何代理
	Enabled         bool   `ini:"enabled"`
	ProxyFile       string `ini:"proxy_file"`
	DownloadDelayMs int    `ini:"download_delay_ms"` // 同一代理两次使用之间的最小间隔
	ErrorThreshold  int    `ini:"error_threshold"`   // 超过该失败次数即永久移除
}

// SourcesConf 描述启动时额外抓取代理的远程来源，留空即禁用
type SourcesConf struct {
	HTMLTableURL    string `ini:"html_table_url"`
	HTMLTableRows   string `ini:"html_table_rows"`
	HTMLTableScheme string `ini:"html_table_scheme"`
	TextListURL     string `ini:"text_list_url"`
	TextListScheme  string `ini:"text_list_scheme"`
	TimeoutSeconds  int    `ini:"timeout_seconds"`
}

// FetchConf 包含抓取任务的并发与重试策略
type FetchConf struct {
	Concurrency    int    `ini:"concurrency"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	MaxRetries     int    `ini:"max_retries"`
	RetryBackoffMs int    `ini:"retry_backoff_ms"`
	BanStatus      string `ini:"ban_status"` // 逗号分隔的状态码，视为代理失败
	UserAgent      string `ini:"user_agent"`

	// RatePerSecond 限制所有请求的总速率，0 表示不限速
	RatePerSecond float64 `ini:"rate_per_second"`
}

// WebConf 状态服务配置，Listen 为空时不启动
type WebConf struct {
	Listen string `ini:"listen"`
	// User 和 Password 都设置时，/api/ 需要 HTTP Basic 认证
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 rotator 的统一配置结构体
type Config struct {
	LogConf     `ini:"log"`
	PoolConf    `ini:"pool"`
	SourcesConf `ini:"sources"`
	FetchConf   `ini:"fetch"`
	WebConf     `ini:"web"`
}

// DefaultConfig returns the values used for keys missing from the ini file.
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		PoolConf: PoolConf{
			Enabled:         true,
			DownloadDelayMs: 1000,
			ErrorThreshold:  3,
		},
		SourcesConf: SourcesConf{
			HTMLTableRows:   "table tbody tr",
			HTMLTableScheme: "http",
			TextListScheme:  "http",
			TimeoutSeconds:  20,
		},
		FetchConf: FetchConf{
			Concurrency:    4,
			TimeoutSeconds: 15,
			MaxRetries:     2,
			RetryBackoffMs: 500,
			BanStatus:      "403,407,429,502,503",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		},
	}
}

func (c *Config) DownloadDelay() time.Duration {
	return time.Duration(c.DownloadDelayMs) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchConf.TimeoutSeconds) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.SourcesConf.TimeoutSeconds) * time.Second
}

// BanStatuses parses the ban_status list.
func (c *Config) BanStatuses() ([]int, error) {
	codes := []int{}
	for _, field := range strings.Split(c.BanStatus, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		code, err := strconv.Atoi(field)
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("invalid ban status %q", field)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Validate checks the values a running rotator depends on.
func (c *Config) Validate() error {
	if c.Enabled && c.ProxyFile == "" && c.HTMLTableURL == "" && c.TextListURL == "" {
		return fmt.Errorf("no proxy source configured: set pool.proxy_file or a [sources] url")
	}
	if c.DownloadDelayMs < 0 {
		return fmt.Errorf("download delay cannot be negative: %d", c.DownloadDelayMs)
	}
	if c.ErrorThreshold < 0 {
		return fmt.Errorf("error threshold cannot be negative: %d", c.ErrorThreshold)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be greater than 0")
	}
	if c.FetchConf.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch timeout must be greater than 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffMs < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate per second cannot be negative")
	}
	if _, err := c.BanStatuses(); err != nil {
		return err
	}
	return nil
}
