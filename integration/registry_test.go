//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/rangecache"
	"github.com/meigma/rangecache/oci"
)

func TestRegistry_ReadThrough(t *testing.T) {
	t.Parallel()

	registryAddr := getRegistry(t)
	data := makeRandomContent(1 << 20)
	key := pushBlob(t, registryAddr, "read-through", data)

	c := openCache(t, t.TempDir(), rangecache.Config{MaxSpanSize: 64 << 10})
	src, err := c.OpenSource(context.Background(), key)
	require.NoError(t, err, "OpenSource")
	require.Equal(t, int64(len(data)), src.Size())

	// Scattered windows first, then the whole blob fills the gaps.
	for _, off := range []int64{700_000, 10, 300_000, 1<<20 - 100} {
		buf := make([]byte, 100)
		_, err := src.ReadAt(buf, off)
		require.NoError(t, err, "ReadAt(%d)", off)
		assert.Equal(t, data[off:off+100], buf, "window at %d", off)
	}

	got, err := io.ReadAll(io.NewSectionReader(src, 0, src.Size()))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got), "full read mismatch")

	stats := c.Stats()
	assert.Equal(t, int64(len(data)), stats.MissBytes, "each byte fetched once")
	assert.Equal(t, int64(len(data)), stats.Size)

	got, err = io.ReadAll(io.NewSectionReader(src, 0, src.Size()))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got), "cached read mismatch")
	assert.Equal(t, int64(len(data)), c.Stats().MissBytes, "second pass served from cache")
}

func TestRegistry_RestartServesFromDisk(t *testing.T) {
	t.Parallel()

	registryAddr := getRegistry(t)
	data := makeRandomContent(300 << 10)
	key := pushBlob(t, registryAddr, "restart", data)
	root := t.TempDir()

	cfg := rangecache.Config{StorageRoot: root, MaxSpanSize: 32 << 10}
	first, err := rangecache.Open(cfg, oci.NewFetcher(oci.WithPlainHTTP(true)))
	require.NoError(t, err)
	_, err = io.ReadAll(io.NewSectionReader(first.Source(key, int64(len(data))), 0, int64(len(data))))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	offline := rangecache.FetcherFunc(func(context.Context, string, int64, int64) (io.ReadCloser, error) {
		t.Error("unexpected upstream fetch after restart")
		return nil, &rangecache.FetchError{Kind: rangecache.Permanent, Err: errors.New("offline")}
	})
	second, err := rangecache.Open(cfg, offline)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	assert.Equal(t, int64(len(data)), second.Stats().Size)
	got, err := io.ReadAll(io.NewSectionReader(second.Source(key, int64(len(data))), 0, int64(len(data))))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "restored read mismatch")
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	registryAddr := getRegistry(t)
	data := makeRandomContent(512 << 10)
	key := pushBlob(t, registryAddr, "concurrent", data)

	c := openCache(t, t.TempDir(), rangecache.Config{MaxSpanSize: 16 << 10})
	src := c.Source(key, int64(len(data)))

	g, ctx := errgroup.WithContext(context.Background())
	for i := range 8 {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), 42))
			r := src.WithContext(ctx)
			for range 20 {
				off := rng.Int64N(int64(len(data)) - 1)
				n := min(rng.Int64N(64<<10)+1, int64(len(data))-off)
				buf := make([]byte, n)
				if _, err := r.ReadAt(buf, off); err != nil {
					return err
				}
				if !bytes.Equal(buf, data[off:off+n]) {
					return errors.New("content mismatch")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := c.Stats()
	assert.LessOrEqual(t, stats.MissBytes, int64(len(data)), "no byte fetched twice")
	assert.Equal(t, stats.MissBytes, stats.Size)
}

func TestRegistry_EvictionHonoursBudget(t *testing.T) {
	t.Parallel()

	registryAddr := getRegistry(t)
	data := makeRandomContent(1 << 20)
	key := pushBlob(t, registryAddr, "eviction", data)

	budget := int64(256 << 10)
	c := openCache(t, t.TempDir(), rangecache.Config{
		MaxTotalCacheSize: rangecache.ByteSize(budget),
		MaxSpanSize:       32 << 10,
	})

	got, err := io.ReadAll(io.NewSectionReader(c.Source(key, int64(len(data))), 0, int64(len(data))))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got), "read mismatch")

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, budget)
	assert.Positive(t, stats.Evictions)
	assert.Equal(t, stats.MissBytes, stats.Size+stats.EvictedBytes)
}

func TestRegistry_MissingBlob(t *testing.T) {
	t.Parallel()

	registryAddr := getRegistry(t)
	key := registryAddr + "/test/missing@" + digest.FromString("never pushed").String()

	c := openCache(t, t.TempDir(), rangecache.Config{})
	_, err := c.OpenSource(context.Background(), key)
	require.Error(t, err)
	assert.True(t, rangecache.IsPermanent(err), "error = %v", err)

	rc, err := c.ReadRange(context.Background(), key, 0, 10)
	if err == nil {
		_, err = io.ReadAll(rc)
		_ = rc.Close()
	}
	assert.True(t, rangecache.IsPermanent(err), "error = %v", err)
	assert.Zero(t, c.Stats().FetchRetries)
}
