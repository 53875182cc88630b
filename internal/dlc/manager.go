// Package dlc overlays downloadable content packages onto the content
// index.
//
// A package is a directory in the content store layout:
//
//	pkg/
//	  manifest.json  (descriptor fragment)
//	  objects/ab/cd123...
//
// Mounting a package merges its fragment into the index; its bundles are
// then opened from the package directory. A package is held mounted
// while any of its bundles is open. Once MaxMounted packages are held,
// bundles from further packages are read into memory and their package
// released straight away.
package dlc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

// MaxMounted is the default number of packages held mounted at once.
const MaxMounted = 64

var ErrNotInPackage = errors.New("content not in any package")

// Decoder turns stored bundle bytes into a bundle.
type Decoder interface {
	DecodeBundle(raw []byte, desc *manifest.Descriptor) (*store.Bundle, error)
}

// Package is one mounted content package.
type Package struct {
	Label string
	Dir   string

	hashes      map[string]struct{}
	descriptors int
	refs        int

	// inMemory holds the hashes of bundles decoded without keeping a
	// mount. The decoded bundle owns the content.
	inMemory map[string]struct{}
}

// Info describes a package for listings.
type Info struct {
	Label       string
	Dir         string
	Objects     int
	Descriptors int
	Mounted     bool
	InMemory    int
}

// Manager routes opens of downloadable content to its package.
type Manager struct {
	mu         sync.Mutex
	index      *manifest.Index
	decoder    Decoder
	pool       *store.Pool
	completer  store.Completer
	logger     *slog.Logger
	maxMounted int
	packages   []*Package
}

type Option func(*Manager)

func WithMaxMounted(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxMounted = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager merging into index. Asynchronous opens
// read on pool and complete through completer.
func NewManager(index *manifest.Index, decoder Decoder, pool *store.Pool, completer store.Completer, opts ...Option) *Manager {
	m := &Manager{
		index:      index,
		decoder:    decoder,
		pool:       pool,
		completer:  completer,
		logger:     slog.New(slog.DiscardHandler),
		maxMounted: MaxMounted,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mount registers the package in dir and merges its manifest fragment.
// Every descriptor of the fragment is flagged as downloadable content.
// Mounting the same directory twice is a no-op.
func (m *Manager) Mount(dir string) (*Package, error) {
	dir = filepath.Clean(dir)

	m.mu.Lock()
	for _, p := range m.packages {
		if p.Dir == dir {
			m.mu.Unlock()
			return p, nil
		}
	}
	m.mu.Unlock()

	descs, err := manifest.ReadFile(filepath.Join(dir, manifest.Name))
	if err != nil {
		return nil, fmt.Errorf("read package manifest: %w", err)
	}
	for i := range descs {
		descs[i].DLC = true
	}

	p := &Package{
		Label:    filepath.Base(dir),
		Dir:      dir,
		hashes:   make(map[string]struct{}),
		inMemory: make(map[string]struct{}),
	}
	for hash := range store.Objects(dir) {
		p.hashes[hash] = struct{}{}
	}
	for _, d := range descs {
		if _, ok := p.hashes[strings.ToLower(d.Hash)]; !ok {
			m.logger.Warn("package descriptor without object", "package", p.Label, "bundle", d.Name, "hash", d.Hash)
		}
	}

	p.descriptors = m.index.Merge(descs)
	m.logger.Info("package mounted", "package", p.Label, "objects", len(p.hashes), "merged", p.descriptors, "skipped", len(descs)-p.descriptors)

	m.mu.Lock()
	m.packages = append(m.packages, p)
	m.mu.Unlock()
	return p, nil
}

// MountAll mounts every package directory directly below root. A
// missing root mounts nothing.
func (m *Manager) MountAll(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read package dir: %w", err)
	}

	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, manifest.Name)); err != nil {
			continue
		}
		if _, err := m.Mount(dir); err != nil {
			return n, fmt.Errorf("mount %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

// Contains reports whether any package holds hash.
func (m *Manager) Contains(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(hash) != nil
}

func (m *Manager) find(hash string) *Package {
	hash = strings.ToLower(hash)
	for _, p := range m.packages {
		if _, ok := p.hashes[hash]; ok {
			return p
		}
	}
	return nil
}

func (m *Manager) mountedLocked() int {
	n := 0
	for _, p := range m.packages {
		if p.refs > 0 {
			n++
		}
	}
	return n
}

// acquire mounts the package holding desc and reports whether the
// bundle has to be read into memory because too many packages are
// mounted.
func (m *Manager) acquire(desc *manifest.Descriptor) (p *Package, toMemory bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = m.find(desc.Hash)
	if p == nil {
		return nil, false, fmt.Errorf("%w: %s (%s)", ErrNotInPackage, desc.Name, desc.Hash)
	}
	toMemory = p.refs == 0 && m.mountedLocked() >= m.maxMounted
	p.refs++
	return p, toMemory, nil
}

func (m *Manager) read(p *Package, desc *manifest.Descriptor, toMemory bool) (*store.Bundle, error) {
	raw, err := os.ReadFile(store.ObjectPath(p.Dir, desc.Hash))
	if err != nil {
		m.releaseMount(p)
		return nil, fmt.Errorf("read package object: %w", err)
	}

	b, err := m.decoder.DecodeBundle(raw, desc)
	if err != nil {
		// Nothing will report this bundle unloaded.
		m.releaseMount(p)
		return nil, err
	}

	if toMemory {
		m.mu.Lock()
		p.inMemory[strings.ToLower(desc.Hash)] = struct{}{}
		m.mu.Unlock()
		m.releaseMount(p)
		m.logger.Debug("package over mount limit, bundle held in memory", "package", p.Label, "bundle", desc.Name)
	}
	return b, nil
}

func (m *Manager) releaseMount(p *Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.refs > 0 {
		p.refs--
	}
}

// Open reads a package bundle on the calling goroutine.
func (m *Manager) Open(desc *manifest.Descriptor) (*store.Bundle, error) {
	p, toMemory, err := m.acquire(desc)
	if err != nil {
		return nil, err
	}
	return m.read(p, desc, toMemory)
}

// OpenAsync reads a package bundle on the I/O pool. Mount bookkeeping
// happens before it returns.
func (m *Manager) OpenAsync(desc *manifest.Descriptor, fn func(*store.Bundle, error)) {
	complete := m.completer.Begin()

	p, toMemory, err := m.acquire(desc)
	if err != nil {
		complete(func() { fn(nil, err) })
		return
	}
	m.pool.Submit(func() {
		b, err := m.read(p, desc, toMemory)
		complete(func() { fn(b, err) })
	})
}

// Unloaded releases what opening desc acquired: its in-memory entry, or
// its hold on the package mount.
func (m *Manager) Unloaded(desc *manifest.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.find(desc.Hash)
	if p == nil {
		return
	}
	hash := strings.ToLower(desc.Hash)
	if _, ok := p.inMemory[hash]; ok {
		delete(p.inMemory, hash)
		return
	}
	if p.refs > 0 {
		p.refs--
	}
}

// Packages lists mounted packages in mount order.
func (m *Manager) Packages() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.packages))
	for _, p := range m.packages {
		infos = append(infos, Info{
			Label:       p.Label,
			Dir:         p.Dir,
			Objects:     len(p.hashes),
			Descriptors: p.descriptors,
			Mounted:     p.refs > 0,
			InMemory:    len(p.inMemory),
		})
	}
	return infos
}

// Mounted returns the labels of packages currently held mounted.
func (m *Manager) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var labels []string
	for _, p := range m.packages {
		if p.refs > 0 {
			labels = append(labels, p.Label)
		}
	}
	slices.Sort(labels)
	return labels
}
