package manifest

import (
	"iter"
	"strings"
	"sync"
)

// Index maps logical content paths to descriptors.
type Index struct {
	mu      sync.RWMutex
	entries []*Descriptor
	byName  map[string]int
}

// NewIndex builds an index from descriptors in manifest order. Later
// duplicates of a name are dropped.
func NewIndex(descs []Descriptor) *Index {
	idx := &Index{byName: make(map[string]int, len(descs))}
	idx.Merge(descs)
	return idx
}

// Find resolves a content path to its descriptor. An exact
// case-insensitive name match wins; failing that, the first descriptor
// whose name is a directory prefix of path ("name/...") is returned,
// which addresses sub-assets inside a bundle. A miss means the path is
// not bundled.
func (i *Index) Find(path string) (*Descriptor, bool) {
	path = NormalizePath(path)
	lower := strings.ToLower(path)

	i.mu.RLock()
	defer i.mu.RUnlock()

	if id, ok := i.byName[lower]; ok {
		return i.entries[id], true
	}

	for _, d := range i.entries {
		if strings.HasPrefix(lower, strings.ToLower(d.Name)+"/") {
			return d, true
		}
	}
	return nil, false
}

// Lookup returns the descriptor with exactly this name, ignoring case.
func (i *Index) Lookup(name string) (*Descriptor, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	id, ok := i.byName[strings.ToLower(NormalizePath(name))]
	if !ok {
		return nil, false
	}
	return i.entries[id], true
}

// Merge appends descriptors whose name is not present yet and returns
// how many were added. Existing entries are never replaced, so base
// content shadows DLC content claiming the same name.
func (i *Index) Merge(descs []Descriptor) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	added := 0
	for _, d := range descs {
		d.Name = NormalizePath(d.Name)
		key := strings.ToLower(d.Name)
		if _, exists := i.byName[key]; exists {
			continue
		}
		d.Dependencies = append([]string(nil), d.Dependencies...)
		d.id = len(i.entries)
		i.entries = append(i.entries, &d)
		i.byName[key] = d.id
		added++
	}
	return added
}

// At returns the descriptor with the given ID.
func (i *Index) At(id int) *Descriptor {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if id < 0 || id >= len(i.entries) {
		return nil
	}
	return i.entries[id]
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// All iterates descriptors in index order.
func (i *Index) All() iter.Seq[*Descriptor] {
	return func(yield func(*Descriptor) bool) {
		i.mu.RLock()
		entries := i.entries[:len(i.entries):len(i.entries)]
		i.mu.RUnlock()

		for _, d := range entries {
			if !yield(d) {
				return
			}
		}
	}
}

// Descriptors returns a copy of every descriptor in index order.
func (i *Index) Descriptors() []Descriptor {
	var out []Descriptor
	for d := range i.All() {
		out = append(out, *d)
	}
	return out
}
