package download

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the authoritative id to Download table. It holds state only;
// transitions are decided by Manager.
type Registry struct {
	mu        sync.RWMutex
	downloads map[int64]*Download
}

// NewRegistry creates a Registry with the given initial capacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 128
	}
	return &Registry{
		downloads: make(map[int64]*Download, capacity),
	}
}

// Create adds d. It fails if the id is already present.
func (r *Registry) Create(d Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.downloads[d.ID]; exists {
		return fmt.Errorf("download %d already exists", d.ID)
	}
	cp := d.Clone()
	r.downloads[d.ID] = &cp
	return nil
}

// Get returns a copy of the download.
func (r *Registry) Get(id int64) (Download, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.downloads[id]; ok {
		return d.Clone(), true
	}
	return Download{}, false
}

// Has reports whether id is present.
func (r *Registry) Has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.downloads[id]
	return ok
}

// Update applies fn to the stored download and returns a copy of the result.
func (r *Registry) Update(id int64, fn func(*Download)) (Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return Download{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	fn(d)
	return d.Clone(), nil
}

// Delete removes id and returns what was stored.
func (r *Registry) Delete(id int64) (Download, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.downloads[id]
	if !ok {
		return Download{}, false
	}
	delete(r.downloads, id)
	return *d, true
}

// Len returns the number of downloads.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.downloads)
}

// CountActive returns the number of Downloading and Rebuilding downloads.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.downloads {
		if d.State.Active() {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all downloads, most recent first and then by
// state.
func (r *Registry) Snapshot() []Download {
	r.mu.RLock()
	out := make([]Download, 0, len(r.downloads))
	for _, d := range r.downloads {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sortDownloads(out)
	return out
}

// Replace drops everything and loads ds.
func (r *Registry) Replace(ds []Download) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.downloads = make(map[int64]*Download, len(ds))
	for _, d := range ds {
		cp := d.Clone()
		r.downloads[d.ID] = &cp
	}
}

func sortDownloads(ds []Download) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		if ds[i].State.rank() != ds[j].State.rank() {
			return ds[i].State.rank() < ds[j].State.rank()
		}
		return ds[i].ID > ds[j].ID
	})
}
