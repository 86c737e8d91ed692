package cache

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewClientFromConnectionString accepts either a redis:// or rediss:// URL or
// a bare host:port address.
func NewClientFromConnectionString(connStr string) (*redis.Client, error) {
	connStr = strings.TrimSpace(connStr)
	lower := strings.ToLower(connStr)
	if strings.HasPrefix(lower, "redis://") || strings.HasPrefix(lower, "rediss://") {
		opts, err := redis.ParseURL(connStr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return NewClient(connStr), nil
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
