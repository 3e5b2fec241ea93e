package cluster

import (
	"context"
	"sync"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
)

// swappableProvider lets sync-s3-credentials rebind the storage backend while
// the archiver and backup service keep their reference.
type swappableProvider struct {
	mu    sync.RWMutex
	inner provider.Provider
}

func (s *swappableProvider) get() provider.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

func (s *swappableProvider) swap(p provider.Provider) {
	s.mu.Lock()
	s.inner = p
	s.mu.Unlock()
}

func (s *swappableProvider) Name() string { return s.get().Name() }

func (s *swappableProvider) Upload(ctx context.Context, key string, data []byte) error {
	return s.get().Upload(ctx, key, data)
}

func (s *swappableProvider) Download(ctx context.Context, key string) ([]byte, error) {
	return s.get().Download(ctx, key)
}

func (s *swappableProvider) List(ctx context.Context, prefix string) ([]provider.ObjectInfo, error) {
	return s.get().List(ctx, prefix)
}

func (s *swappableProvider) DeletePrefix(ctx context.Context, prefix string) error {
	return s.get().DeletePrefix(ctx, prefix)
}
