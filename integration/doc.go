//go:build integration

// Package integration exercises the cache against a real OCI registry.
//
// These tests require Docker and start a registry with testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
