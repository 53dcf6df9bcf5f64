package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds crawler configuration.
type Config struct {
	BaseURL            string
	Keyword            string
	MaxPages           int // 0 means no pagination limit
	Parallelism        int
	Delay              time.Duration
	RandomDelay        time.Duration
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	UserAgents         []string
	Proxies            []string
	OutputFile         string
	OutputFormat       string // csv, json, or dual
	MetricsAddr        string
	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int
	Verbose            bool
	RespectRobotsTxt   bool
}

// DefaultUserAgents is the built-in identity pool, used when no pool is
// supplied via flags or environment.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/100.0.4896.127 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:92.0) Gecko/20100101 Firefox/92.0",
}

// DefaultConfig returns conservative defaults for the crawl target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://www.amazon.com",
		Keyword:            "laptops",
		MaxPages:           0,
		Parallelism:        8,
		Delay:              500 * time.Millisecond,
		RandomDelay:        500 * time.Millisecond,
		Timeout:            15 * time.Second,
		MaxRetries:         5,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		UserAgents:         append([]string(nil), DefaultUserAgents...),
		Proxies:            nil,
		OutputFile:         "output/products.csv",
		OutputFormat:       "csv",
		MetricsAddr:        "",
		PipelineBufferSize: 512,
		BatchSize:          64,
		DedupeMaxSize:      100000,
		Verbose:            false,
		RespectRobotsTxt:   false,
	}
}

// SearchURL builds the initial search-results URL for the configured keyword.
func (c *Config) SearchURL() string {
	return fmt.Sprintf("%s/s?k=%s", c.BaseURL, url.QueryEscape(c.Keyword))
}

// Validate ensures all configuration values are coherent. A failure here is
// fatal: the crawl never starts on an invalid configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.Keyword == "" {
		return fmt.Errorf("search keyword cannot be empty")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user agent pool cannot be empty")
	}
	for i, ua := range c.UserAgents {
		if ua == "" {
			return fmt.Errorf("user agent pool entry %d is empty", i)
		}
	}
	for i, proxy := range c.Proxies {
		parsed, err := url.Parse(proxy)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("proxy pool entry %d is not a valid URL: %q", i, proxy)
		}
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}

	return nil
}
