package condition

import (
	"context"
	"sync"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/metrics"

	"golang.org/x/sync/singleflight"
)

type definitionSet struct {
	items    []*compiled
	loadedAt time.Time
}

// DefinitionCache holds compiled definitions per campaign. Concurrent
// misses for one campaign share a single load.
type DefinitionCache struct {
	mu    sync.RWMutex
	items map[string]*definitionSet
	ttl   time.Duration
	group singleflight.Group
}

func NewDefinitionCache(ttl time.Duration) *DefinitionCache {
	return &DefinitionCache{
		items: make(map[string]*definitionSet),
		ttl:   ttl,
	}
}

func (c *DefinitionCache) get(campaignID string) ([]*compiled, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[campaignID]
	if !ok || (c.ttl > 0 && time.Since(v.loadedAt) > c.ttl) {
		return nil, false
	}
	return v.items, true
}

func (c *DefinitionCache) set(campaignID string, items []*compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[campaignID] = &definitionSet{items: items, loadedAt: time.Now()}
}

func (c *DefinitionCache) Invalidate(campaignID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, campaignID)
	c.group.Forget(campaignID)
}

// Load returns the cached set or calls load once for all waiting callers.
func (c *DefinitionCache) Load(ctx context.Context, campaignID string, load func(context.Context) ([]*compiled, error)) ([]*compiled, error) {
	if items, ok := c.get(campaignID); ok {
		metrics.ConditionCache.WithLabelValues("hit").Inc()
		return items, nil
	}
	metrics.ConditionCache.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(campaignID, func() (any, error) {
		items, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.set(campaignID, items)
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*compiled), nil
}
