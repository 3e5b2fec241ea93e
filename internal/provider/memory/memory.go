package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
)

// Provider is an in-process object store used by the testing profile. It is
// safe for concurrent use.
type Provider struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func New() *Provider {
	return &Provider{objects: map[string][]byte{}}
}

func (p *Provider) Name() string { return "memory" }

func (p *Provider) Upload(_ context.Context, key string, data []byte) error {
	key = provider.NormalizeKey(key)
	cp := make([]byte, len(data))
	copy(cp, data)
	p.mu.Lock()
	p.objects[key] = cp
	p.mu.Unlock()
	return nil
}

func (p *Provider) Download(_ context.Context, key string) ([]byte, error) {
	key = provider.NormalizeKey(key)
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (p *Provider) List(_ context.Context, prefix string) ([]provider.ObjectInfo, error) {
	prefix = provider.NormalizeKey(prefix)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []provider.ObjectInfo
	for k, v := range p.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, provider.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *Provider) DeletePrefix(_ context.Context, prefix string) error {
	prefix = provider.NormalizeKey(prefix)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.objects {
		if strings.HasPrefix(k, prefix) {
			delete(p.objects, k)
		}
	}
	return nil
}

// Len reports the number of stored objects.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}

// shared backs the registered factory: rebinding credentials rebuilds the
// provider, and the stored objects must survive that.
var shared = New()

func init() {
	provider.Register("memory", func(any) (provider.Provider, error) {
		return shared, nil
	})
}
