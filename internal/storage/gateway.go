package storage

import (
	"context"
	"fmt"
	"strings"
)

// Gateway is the blob store contract shared by the bucket client and the
// in-memory store.
type Gateway interface {
	Put(ctx context.Context, data []byte, folder string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// Open builds the gateway selected by driver ("minio" or "memory"). The
// bucket is created when missing.
func Open(ctx context.Context, driver string, cfg Config) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "minio", "s3":
		client, err := NewClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return client, nil
	case "memory":
		return NewMemory(cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
