package containers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisContainer wraps the testcontainers redis module
type RedisContainer struct {
	*redis.RedisContainer
	URL string
}

// NewRedisContainer starts a disposable redis for dedup and reference cache tests
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	c, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithSnapshotting(10, 1),
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	url, err := c.ConnectionString(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection string: %w", err)
	}

	return &RedisContainer{RedisContainer: c, URL: url}, nil
}
