// Package scriptsource downloads third-party script bodies for injection and caches them.
package scriptsource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config controls download and cache behavior.
type Config struct {
	Timeout    time.Duration
	RetryCount int
	CacheSize  int
	CacheTTL   time.Duration
	UserAgent  string
}

// Client fetches script bodies over HTTP with an expiring LRU in front.
type Client struct {
	http  *resty.Client
	cache *expirable.LRU[string, string]
}

// New builds a Client, applying defaults for zero values.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	r := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	if cfg.UserAgent != "" {
		r.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{
		http:  r,
		cache: expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// SetTransport replaces the HTTP transport.
func (c *Client) SetTransport(rt http.RoundTripper) *Client {
	c.http.SetTransport(rt)
	return c
}

// Fetch returns the script body, downloading it at most once per TTL.
func (c *Client) Fetch(ctx context.Context, url string) (string, error) {
	if body, ok := c.cache.Get(url); ok {
		return body, nil
	}
	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("download script %s: %w", url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download script %s: status %d", url, resp.StatusCode())
	}
	body := resp.String()
	if body == "" {
		return "", fmt.Errorf("download script %s: empty body", url)
	}
	c.cache.Add(url, body)
	return body, nil
}

// Len reports the number of cached scripts.
func (c *Client) Len() int {
	return c.cache.Len()
}
