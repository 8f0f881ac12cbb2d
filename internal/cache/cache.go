package cache

import (
	"context"
	"time"
)

// StatisticsCache holds serialized statistics payloads keyed by report kind
// and time range. Entries expire by TTL; nothing invalidates them eagerly.
type StatisticsCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type NoopStatisticsCache struct{}

func (NoopStatisticsCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopStatisticsCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
