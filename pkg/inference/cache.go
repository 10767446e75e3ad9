package inference

import (
	"sync"
	"time"
)

// Endpoint is a base URL that answered a health probe for an instance.
type Endpoint struct {
	InstanceID string
	BaseURL    string
	VerifiedAt time.Time
}

// EndpointCache remembers the last verified endpoint per instance so the
// resolver probes it first.
type EndpointCache struct {
	mu      sync.RWMutex
	entries map[string]Endpoint
}

func NewEndpointCache() *EndpointCache {
	return &EndpointCache{entries: map[string]Endpoint{}}
}

func (c *EndpointCache) Set(entry Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.InstanceID] = entry
}

func (c *EndpointCache) Get(instanceID string) (Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[instanceID]
	return entry, ok
}

// Forget drops the entry, e.g. when the instance stops.
func (c *EndpointCache) Forget(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, instanceID)
}
