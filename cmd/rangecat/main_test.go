package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rangecache"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	cfg, err := parseFlags([]string{
		"-offset", "10", "-length", "20",
		"-header", "Authorization: Bearer abc",
		"-header", "X-Trace: 1",
		"https://example.com/a.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, "read", cfg.mode)
	assert.Equal(t, int64(10), cfg.offset)
	assert.Equal(t, int64(20), cfg.length)
	assert.Equal(t, "Bearer abc", cfg.headers.Get("Authorization"))
	assert.Equal(t, "1", cfg.headers.Get("X-Trace"))
	assert.Equal(t, "https://example.com/a.mp4", cfg.key)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing key", args: nil},
		{name: "bad header", args: []string{"-header", "nocolon", "k"}},
		{name: "unknown mode", args: []string{"-mode", "dance"}},
		{name: "stats with key", args: []string{"-mode", "stats", "k"}},
		{name: "negative offset", args: []string{"-offset", "-1", "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFlags(tt.args)
			require.Error(t, err)
		})
	}
}

func TestCacheConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(file, []byte("maxTotalCacheSize: 1GiB\nmaxSpanSize: 1MiB\nstorageRoot: /srv/media\n"), 0o600))

	got, err := cacheConfig(config{configFile: file, spanSize: "64KiB"})
	require.NoError(t, err)
	assert.Equal(t, rangecache.ByteSize(1<<30), got.MaxTotalCacheSize)
	assert.Equal(t, rangecache.ByteSize(64<<10), got.MaxSpanSize)
	assert.Equal(t, "/srv/media", got.StorageRoot)

	got, err = cacheConfig(config{configFile: file, cacheDir: dir})
	require.NoError(t, err)
	assert.Equal(t, rangecache.StorageRootFor(dir), got.StorageRoot)

	_, err = cacheConfig(config{cacheDir: dir, maxSize: "huge"})
	require.Error(t, err)
}

func TestRunReadsThroughCache(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("rangecat "), 500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	cacheDir := t.TempDir()
	cfg, err := parseFlags([]string{"-cache-dir", cacheDir, "-offset", "100", "-span-size", "1KiB", server.URL})
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &stdout, &stderr))
	assert.Equal(t, data[100:], stdout.Bytes())

	// A second run restores the index and serves from disk.
	cfg.stats = true
	stdout.Reset()
	stderr.Reset()
	require.NoError(t, run(context.Background(), cfg, &stdout, &stderr))
	assert.Equal(t, data[100:], stdout.Bytes())
	assert.Contains(t, stderr.String(), "miss=0 B")

	cfg, err = parseFlags([]string{"-cache-dir", cacheDir, "-mode", "stats"})
	require.NoError(t, err)
	stdout.Reset()
	require.NoError(t, run(context.Background(), cfg, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "size=4.3 KiB")
}
