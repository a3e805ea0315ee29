package rules

import (
	"context"
	"sync"
	"time"
)

// Source loads the active rules for a location from backing storage.
type Source interface {
	ActiveRules(ctx context.Context, locationID string) ([]AlertRule, error)
}

// CachedProvider caches rule lookups so that configuration changes take
// effect on the next evaluation cycle rather than mid-cycle. The cache
// validity should match the engine's evaluation interval.
type CachedProvider struct {
	source   Source
	validity time.Duration

	mu       sync.Mutex
	cache    map[string][]AlertRule
	lastLoad map[string]time.Time
}

func NewCachedProvider(source Source, validity time.Duration) *CachedProvider {
	return &CachedProvider{
		source:   source,
		validity: validity,
		cache:    make(map[string][]AlertRule),
		lastLoad: make(map[string]time.Time),
	}
}

// Rules returns the active rules for a location, reloading from the source
// when the cached copy is older than the validity window.
func (p *CachedProvider) Rules(ctx context.Context, locationID string) ([]AlertRule, error) {
	p.mu.Lock()
	if loaded, ok := p.lastLoad[locationID]; ok && time.Since(loaded) < p.validity {
		cached := p.cache[locationID]
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	loaded, err := p.source.ActiveRules(ctx, locationID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[locationID] = loaded
	p.lastLoad[locationID] = time.Now()
	p.mu.Unlock()

	return loaded, nil
}

// Invalidate drops the cached rules for a location, forcing a reload on the
// next lookup. Called by the configuration API after a write.
func (p *CachedProvider) Invalidate(locationID string) {
	p.mu.Lock()
	delete(p.cache, locationID)
	delete(p.lastLoad, locationID)
	p.mu.Unlock()
}
