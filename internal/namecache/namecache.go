// Package namecache provides the string-interning cache the topology
// graph consumes to collapse repeated spellings of the same server
// name onto one allocation — the Go counterpart of ircd-ratbox's tiny
// src/scache.c table. spec.md keeps this collaborator out of the
// core's scope and treats it purely as an interface; this package is
// the one concrete implementation the core is built and tested
// against.
package namecache

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is the string-interning interface the core consumes. Collapse
// returns a canonical, case-preserved string for name: while an entry
// is cached, names that differ from it only in case return the
// spelling that was first interned.
type Cache interface {
	Collapse(name string) string
}

// LRU is a Cache backed by a bounded least-recently-used table. Unlike
// the original scache (which never evicts), a long-lived mesh node
// will see an unbounded number of distinct remote server names over
// its uptime, so an eviction bound is necessary; entries are keyed
// case-insensitively since server names are compared that way
// throughout the topology graph (spec.md §3).
type LRU struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// New creates an LRU-backed name cache holding up to size entries.
func New(size int) *LRU {
	c, err := lru.New(size)
	if err != nil {
		// Only returned by golang-lru for size <= 0; guard against
		// misconfiguration rather than propagate a constructor error
		// through every caller of namecache.New.
		c, _ = lru.New(1024)
	}
	return &LRU{cache: c}
}

// Collapse implements Cache.
func (c *LRU) Collapse(name string) string {
	key := strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(key); ok {
		return v.(string)
	}
	c.cache.Add(key, name)
	return name
}
