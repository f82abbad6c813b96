// Package liveness answers whether a producer is currently broadcasting.
// Answers come from an HTTP endpoint and are cached briefly so the
// supervisor can poll without hammering the upstream service.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"resty.dev/v3"

	"strand/internal/config"
)

// Oracle reports broadcast liveness for a producer.
type Oracle interface {
	IsLive(ctx context.Context, producerRef string) (bool, error)
}

// Status is the upstream liveness payload.
type Status struct {
	Live  bool   `json:"live"`
	Title string `json:"title,omitempty"`
}

// Client queries a liveness endpoint with retries and a short-lived cache.
type Client struct {
	http  *resty.Client
	cache *cache.Cache
	ttl   time.Duration
}

// New constructs a liveness client from configuration. An empty base URL is
// a configuration error: callers that do not want liveness checks should use
// the Always oracle instead.
func New(cfg config.Liveness) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("liveness base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse liveness base url: %w", err)
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	http := resty.New()
	http.SetBaseURL(base)
	http.SetTimeout(timeout)
	if cfg.RetryAttempts > 0 {
		http.SetRetryCount(cfg.RetryAttempts)
		http.SetRetryWaitTime(500 * time.Millisecond)
	}

	return &Client{
		http:  http,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}, nil
}

// IsLive reports whether the producer is broadcasting. Results are cached
// for the configured TTL; errors are never cached.
func (c *Client) IsLive(ctx context.Context, producerRef string) (bool, error) {
	producerRef = strings.TrimSpace(producerRef)
	if producerRef == "" {
		return false, errors.New("producer ref required")
	}

	if cached, ok := c.cache.Get(producerRef); ok {
		return cached.(bool), nil
	}

	var status Status
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&status).
		SetPathParam("producer", producerRef).
		Get("/live/{producer}")
	if err != nil {
		return false, fmt.Errorf("liveness request: %w", err)
	}
	if resp.StatusCode() == 404 {
		// Unknown producer means nothing to record.
		c.cache.Set(producerRef, false, c.ttl)
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("liveness request: status %d", resp.StatusCode())
	}

	c.cache.Set(producerRef, status.Live, c.ttl)
	return status.Live, nil
}

// Close releases the underlying HTTP client resources.
func (c *Client) Close() error {
	return c.http.Close()
}

// Always is an oracle that reports every producer live. It backs deployments
// without a liveness endpoint where operators start recordings manually.
type Always struct{}

// IsLive always reports true.
func (Always) IsLive(context.Context, string) (bool, error) {
	return true, nil
}

// ForConfig selects the configured oracle: the HTTP client when a base URL
// is set, the Always oracle otherwise.
func ForConfig(cfg config.Liveness) (Oracle, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Always{}, nil
	}
	return New(cfg)
}
