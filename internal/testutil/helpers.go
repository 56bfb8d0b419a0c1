package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context cancelled when the test ends or after 30s
func TestContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ContainerContext allows for image pulls and container start-up
func ContainerContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)
	return ctx
}
