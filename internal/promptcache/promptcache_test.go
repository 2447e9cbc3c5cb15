package promptcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
)

func newTestCache(t *testing.T, urls ...string) (*Cache, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.UnixMilli(1_700_000_000_000))
	c := New(&http.Client{Timeout: 5 * time.Second}, clk)
	c.urls = urls
	c.mirrorPath = filepath.Join(t.TempDir(), "prompt.md")
	return c, clk
}

func TestCacheFetchesAndServesFresh(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("base prompt"))
	}))
	defer srv.Close()

	c, _ := newTestCache(t, srv.URL)
	prompt, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "base prompt", prompt)

	// Inside the TTL no second request goes out.
	prompt, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "base prompt", prompt)
	assert.Equal(t, int64(1), hits.Load())
}

func TestCacheRevalidatesWithETag(t *testing.T) {
	var revalidated atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			revalidated.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("base prompt"))
	}))
	defer srv.Close()

	c, clk := newTestCache(t, srv.URL)
	_, err := c.Get(context.Background())
	require.NoError(t, err)

	// Past the TTL the stale copy comes back immediately and a background
	// revalidation runs with the stored ETag.
	clk.Advance(16 * time.Minute)
	prompt, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "base prompt", prompt)

	assert.Eventually(t, revalidated.Load, time.Second, 10*time.Millisecond)
}

func TestCacheFallsThroughURLChain(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fallback prompt"))
	}))
	defer good.Close()

	c, _ := newTestCache(t, bad.URL, good.URL)
	prompt, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback prompt", prompt)
}

func TestCacheServesMirrorWhenAllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mirrored prompt"))
	}))

	c, _ := newTestCache(t, srv.URL)
	_, err := c.Get(context.Background())
	require.NoError(t, err)

	// A fresh cache pointed at a dead source finds the mirror on disk.
	srv.Close()
	c2, _ := newTestCache(t, srv.URL)
	c2.mirrorPath = c.mirrorPath
	prompt, err := c2.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mirrored prompt", prompt)
}

func TestCacheErrorsWithNoSourceAndNoMirror(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, _ := newTestCache(t, srv.URL)
	_, err := c.Get(context.Background())
	assert.Error(t, err)
}
