package download

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dman/internal/icon"
)

// PendingEntry ties an id sent to the engine to the browser download it
// came from. It lives until the engine confirms or rejects the add.
type PendingEntry struct {
	ID        int64
	Native    int64 // host-browser download id
	Icon      icon.Ref
	URL       string
	Dir       string
	Filename  string
	CreatedAt time.Time
}

// PendingRegistry is the in-memory correlation table. It is never persisted.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[int64]PendingEntry
}

func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{entries: make(map[int64]PendingEntry)}
}

// Create records e. Ids must be unique across live entries.
func (p *PendingRegistry) Create(e PendingEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[e.ID]; ok {
		return fmt.Errorf("%w: %d", ErrPendingExists, e.ID)
	}
	p.entries[e.ID] = e
	return nil
}

// Resolve removes and returns the entry on engine confirmation.
func (p *PendingRegistry) Resolve(id int64) (PendingEntry, bool) {
	return p.take(id)
}

// Discard removes and returns the entry on rollback.
func (p *PendingRegistry) Discard(id int64) (PendingEntry, bool) {
	return p.take(id)
}

func (p *PendingRegistry) take(id int64) (PendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return e, ok
}

// Has reports whether id is pending.
func (p *PendingRegistry) Has(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

func (p *PendingRegistry) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Expired lists entries created more than ttl before now, oldest first.
// They stay in the registry; callers Discard what they roll back.
func (p *PendingRegistry) Expired(now time.Time, ttl time.Duration) []PendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingEntry
	for _, e := range p.entries {
		if now.Sub(e.CreatedAt) > ttl {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All lists every entry, oldest first.
func (p *PendingRegistry) All() []PendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
