package bus

import (
	"sync"

	"skybus/pkg/property"
)

// URLResolver returns a dereferenceable URL for a BLOB item.
type URLResolver func(device, prop, item string) string

type blobKey struct {
	device string
	prop   string
	item   string
}

// blobCache keeps the latest content of every BLOB item so it can be served
// to clients that asked for URL delivery.
type blobCache struct {
	mu      sync.RWMutex
	entries map[blobKey]property.BlobValue
}

func (c *blobCache) store(p *property.Property) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries == nil {
		c.entries = make(map[blobKey]property.BlobValue)
	}
	for i := range p.Items {
		b := p.Items[i].Blob()
		if b == nil || len(b.Content) == 0 {
			continue
		}
		c.entries[blobKey{p.Device, p.Name, p.Items[i].Name}] = *b
	}
}

func (c *blobCache) drop(device, prop string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.device == device && (prop == "" || key.prop == prop) {
			delete(c.entries, key)
		}
	}
}

func (c *blobCache) get(device, prop, item string) (property.BlobValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.entries[blobKey{device, prop, item}]
	return v, ok
}
