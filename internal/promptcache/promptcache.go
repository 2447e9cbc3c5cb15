// Package promptcache fetches and caches the upstream base prompt with ETag
// revalidation and stale-while-revalidate semantics.
package promptcache

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// Cache holds one remote document. Within the TTL reads are served from
// memory; after it, the stale copy is served while a background fetch
// revalidates. A disk mirror survives restarts and network outages.
type Cache struct {
	mu         sync.Mutex
	client     *http.Client
	clk        clock.Clock
	urls       []string
	ttlMs      int64
	mirrorPath string
	log        *utils.Logger

	prompt      string
	etag        string
	fetchedAtMs int64
	refreshing  bool
}

// New creates a Cache. The env override URL, when set, is tried before the
// built-in fallback chain. A nil client gets a 20s-timeout default.
func New(client *http.Client, clk clock.Clock) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	urls := make([]string, 0, len(config.PromptSourceURLs)+1)
	if override := os.Getenv(config.EnvPromptURL); override != "" {
		urls = append(urls, override)
	}
	urls = append(urls, config.PromptSourceURLs...)

	mirror := ""
	if home, err := os.UserHomeDir(); err == nil {
		mirror = filepath.Join(home, ".config", "opencode", "cache", "prompt.md")
	}
	return &Cache{
		client:     client,
		clk:        clk,
		urls:       urls,
		ttlMs:      config.PromptCacheTTLMs,
		mirrorPath: mirror,
		log:        utils.NewLogger("PromptCache"),
	}
}

// Get returns the prompt. A fresh copy is served directly; a stale copy is
// served immediately while a background fetch revalidates; with nothing
// cached the fetch is synchronous, falling back to the disk mirror.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	nowMs := c.clk.Now().UnixMilli()
	if c.prompt != "" && nowMs-c.fetchedAtMs < c.ttlMs {
		prompt := c.prompt
		c.mu.Unlock()
		return prompt, nil
	}
	if c.prompt != "" {
		prompt := c.prompt
		if !c.refreshing {
			c.refreshing = true
			go c.backgroundRefresh()
		}
		c.mu.Unlock()
		return prompt, nil
	}
	c.mu.Unlock()

	if err := c.fetch(ctx); err != nil {
		if mirrored := c.loadMirror(); mirrored != "" {
			c.log.Warn("serving prompt from disk mirror: %v", err)
			c.mu.Lock()
			c.prompt = mirrored
			c.mu.Unlock()
			return mirrored, nil
		}
		return "", err
	}
	c.mu.Lock()
	prompt := c.prompt
	c.mu.Unlock()
	return prompt, nil
}

func (c *Cache) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.fetch(ctx); err != nil {
		c.log.Warn("prompt revalidation failed, keeping stale copy: %v", err)
	}
	c.mu.Lock()
	c.refreshing = false
	c.mu.Unlock()
}

// fetch walks the URL chain. A 304 refreshes the TTL without a body; a 200
// replaces the cached prompt and mirrors it to disk.
func (c *Cache) fetch(ctx context.Context) error {
	c.mu.Lock()
	etag := c.etag
	c.mu.Unlock()

	var lastErr error
	for _, url := range c.urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = errors.NewNetworkError("prompt fetch failed", err)
			continue
		}

		switch resp.StatusCode {
		case http.StatusNotModified:
			resp.Body.Close()
			c.mu.Lock()
			c.fetchedAtMs = c.clk.Now().UnixMilli()
			c.mu.Unlock()
			return nil
		case http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			resp.Body.Close()
			if err != nil {
				lastErr = errors.NewNetworkError("prompt read failed", err)
				continue
			}
			c.mu.Lock()
			c.prompt = string(body)
			c.etag = resp.Header.Get("ETag")
			c.fetchedAtMs = c.clk.Now().UnixMilli()
			c.mu.Unlock()
			c.saveMirror(body)
			return nil
		default:
			resp.Body.Close()
			lastErr = errors.NewApiError("prompt fetch rejected", resp.StatusCode, resp.Header)
		}
	}
	if lastErr == nil {
		lastErr = errors.NewNetworkError("no prompt source configured", nil)
	}
	return lastErr
}

func (c *Cache) saveMirror(body []byte) {
	if c.mirrorPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.mirrorPath), 0o700); err != nil {
		return
	}
	if err := os.WriteFile(c.mirrorPath, body, 0o600); err != nil {
		c.log.Debug("failed to mirror prompt: %v", err)
	}
}

func (c *Cache) loadMirror() string {
	if c.mirrorPath == "" {
		return ""
	}
	data, err := os.ReadFile(c.mirrorPath)
	if err != nil {
		return ""
	}
	return string(data)
}
