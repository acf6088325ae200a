package hierarchy

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// DefaultCacheSize is the number of class infos kept by NewCache(p, 0).
const DefaultCacheSize = 4096

// Cache memoizes lookups of an underlying provider, misses included. Other
// errors are not cached. It is the only state shared between concurrent
// instrumentations.
type Cache struct {
	next  Provider
	infos *lru.Cache
}

// NewCache wraps p with an LRU of the given size.
func NewCache(p Provider, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{next: p, infos: c}, nil
}

// Lookup implements Provider.
func (c *Cache) Lookup(name string) (*Info, error) {
	if v, ok := c.infos.Get(name); ok {
		if nf, ok := v.(*NotFoundError); ok {
			return nil, nf
		}
		return v.(*Info), nil
	}
	info, err := c.next.Lookup(name)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			c.infos.Add(name, nf)
		}
		return nil, err
	}
	c.infos.Add(name, info)
	return info, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.infos.Len() }
