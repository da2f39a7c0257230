// Package icon holds the content-addressed, reference-counted icon store
// shared by all download sessions.
package icon

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Ref is an opaque lookup key into the Cache. Holding a Ref never implies
// ownership of the underlying bytes.
type Ref string

// Entry is the persisted form of one cached icon.
type Entry struct {
	Refcount int    `json:"refcount"`
	Data     []byte `json:"data"`
}

const dataURLMemoSize = 256

// Cache stores icon blobs keyed by content hash. An entry exists only while
// its refcount is positive.
type Cache struct {
	mu      sync.RWMutex
	entries map[Ref]*Entry

	urls *lru.Cache[Ref, string]
}

// NewCache creates an empty icon cache.
func NewCache() *Cache {
	urls, _ := lru.New[Ref, string](dataURLMemoSize)
	return &Cache{
		entries: make(map[Ref]*Entry),
		urls:    urls,
	}
}

// Hash returns the content-derived Ref for data.
func Hash(data []byte) Ref {
	return Ref(strconv.FormatUint(xxhash.Sum64(data), 16))
}

// Acquire takes one reference on ref, storing data when the entry is new.
func (c *Cache) Acquire(ref Ref, data []byte) Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[ref]; ok {
		e.Refcount++
		return ref
	}
	blob := make([]byte, len(data))
	copy(blob, data)
	c.entries[ref] = &Entry{Refcount: 1, Data: blob}
	return ref
}

// AcquireData hashes data and acquires a reference on the result.
func (c *Cache) AcquireData(data []byte) Ref {
	return c.Acquire(Hash(data), data)
}

// Retain increments the refcount of an existing entry. It reports false when
// ref is unknown.
func (c *Cache) Retain(ref Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref]
	if !ok {
		return false
	}
	e.Refcount++
	return true
}

// Release drops one reference. The entry is deleted when the count reaches
// zero. Releasing an unknown ref is a no-op that reports false.
func (c *Cache) Release(ref Ref) bool {
	if ref == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref]
	if !ok {
		return false
	}
	e.Refcount--
	if e.Refcount <= 0 {
		delete(c.entries, ref)
		c.urls.Remove(ref)
	}
	return true
}

// Refcount returns the current count for ref, zero when absent.
func (c *Cache) Refcount(ref Ref) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[ref]; ok {
		return e.Refcount
	}
	return 0
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// DataURL resolves ref to a data: URL suitable for display.
func (c *Cache) DataURL(ref Ref) (string, bool) {
	if u, ok := c.urls.Get(ref); ok {
		return u, true
	}
	c.mu.RLock()
	e, ok := c.entries[ref]
	var u string
	if ok {
		u = "data:" + http.DetectContentType(e.Data) + ";base64," + base64.StdEncoding.EncodeToString(e.Data)
	}
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	c.urls.Add(ref, u)
	return u, true
}

// Snapshot returns a deep copy of all entries for persistence.
func (c *Cache) Snapshot() map[Ref]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Ref]Entry, len(c.entries))
	for ref, e := range c.entries {
		blob := make([]byte, len(e.Data))
		copy(blob, e.Data)
		out[ref] = Entry{Refcount: e.Refcount, Data: blob}
	}
	return out
}

// Restore replaces the cache contents. Entries with a non-positive refcount
// are dropped.
func (c *Cache) Restore(entries map[Ref]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Ref]*Entry, len(entries))
	c.urls.Purge()
	for ref, e := range entries {
		if e.Refcount <= 0 {
			continue
		}
		blob := make([]byte, len(e.Data))
		copy(blob, e.Data)
		c.entries[ref] = &Entry{Refcount: e.Refcount, Data: blob}
	}
}
