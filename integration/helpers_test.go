//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/rangecache"
	"github.com/meigma/rangecache/oci"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	// Cleanup is handled by the testcontainers reaper.

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Blob Helpers ---

// pushBlob uploads data as a blob under test/<name> and returns its cache key.
func pushBlob(tb testing.TB, registryAddr, name string, data []byte) string {
	tb.Helper()

	repoRef := fmt.Sprintf("%s/test/%s", registryAddr, name)
	repo, err := remote.NewRepository(repoRef)
	require.NoError(tb, err, "NewRepository")
	repo.PlainHTTP = true

	desc := content.NewDescriptorFromBytes("application/octet-stream", data)
	require.NoError(tb, repo.Push(context.Background(), desc, bytes.NewReader(data)), "push blob")

	return repoRef + "@" + desc.Digest.String()
}

// makeRandomContent creates random binary content.
func makeRandomContent(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.Read(data)
	return data
}

// --- Cache Factory ---

// openCache opens a disk-backed cache under root that fetches from the test registry.
func openCache(tb testing.TB, root string, cfg rangecache.Config, opts ...rangecache.Option) *rangecache.Cache {
	tb.Helper()

	cfg.StorageRoot = root
	c, err := rangecache.Open(cfg, oci.NewFetcher(oci.WithPlainHTTP(true)), opts...)
	require.NoError(tb, err, "open cache")
	tb.Cleanup(func() { _ = c.Close() })
	return c
}
