//go:build integration

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/testutil"
	"github.com/davidleathers/claims-fraud-engine/internal/testutil/containers"
)

func TestRedisCache_AgainstContainer(t *testing.T) {
	ctx := testutil.ContainerContext(t)

	rc, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Terminate(ctx) })

	c, err := NewRedisCache(&config.RedisConfig{
		URL:          rc.URL,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	won, err := c.SetNX(ctx, "case:dedup:g1:h1", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = c.SetNX(ctx, "case:dedup:g1:h1", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "second writer must lose the dedup key")

	type payload struct {
		Version string `json:"version"`
	}
	require.NoError(t, c.SetJSON(ctx, "reference:snapshot", payload{Version: "ref-1"}, time.Minute))
	var got payload
	require.NoError(t, c.GetJSON(ctx, "reference:snapshot", &got))
	assert.Equal(t, "ref-1", got.Version)

	require.NoError(t, c.Delete(ctx, "reference:snapshot"))
	_, err = c.Get(ctx, "reference:snapshot")
	var notFound ErrCacheKeyNotFound
	assert.ErrorAs(t, err, &notFound)
}
