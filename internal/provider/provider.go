package provider

import (
	"context"
	"strings"
)

// ObjectInfo describes a stored object returned by List.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Provider defines the contract for object storage backends holding backup
// artifacts (base snapshots, manifests, WAL segments). Keys are plain strings
// so implementations can decide their own format.
type Provider interface {
	// Upload stores data under key.
	Upload(ctx context.Context, key string, data []byte) error

	// Download fetches the object stored under key.
	Download(ctx context.Context, key string) ([]byte, error)

	// List enumerates objects whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeletePrefix removes every object under prefix. Backends that support
	// batch deletion use it; the others delete per object.
	DeletePrefix(ctx context.Context, prefix string) error

	// Name returns the provider identifier (e.g. "s3", "gcs", "azure").
	Name() string
}

// NormalizeKey strips a leading slash so keys join cleanly under a prefix.
func NormalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
