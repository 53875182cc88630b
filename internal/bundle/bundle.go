// Package bundle loads content bundles together with their dependency
// closure and keeps them alive while any asset handler references them.
//
// Handles live in a Table keyed by descriptor ID. A bundle is opened only
// after every dependency is loaded, except for dependencies it is in a
// cycle with. A bundle is closed when the last reference user is gone.
package bundle

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

// ErrLoadInFlight is returned by a synchronous load of something an
// asynchronous load is already working on.
var ErrLoadInFlight = errors.New("load already in flight")

type Status int

const (
	Unloaded Status = iota
	Loading
	Loaded
)

func (s Status) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Owner identifies a reference user, normally an asset handler. Owners
// are compared by identity and must be comparable.
type Owner any

// Opener is the bundle open primitive. OpenAsync must never call fn
// before it returns.
type Opener interface {
	Open(desc *manifest.Descriptor) (*store.Bundle, error)
	OpenAsync(desc *manifest.Descriptor, fn func(*store.Bundle, error))
}

// Overlay serves bundles that come from downloadable content packages.
type Overlay interface {
	Opener
	Contains(hash string) bool
	Unloaded(desc *manifest.Descriptor)
}

// Deferrer runs a function on the next scheduler tick.
type Deferrer interface {
	Defer(fn func())
}

// Handle is the live state of one bundle.
type Handle struct {
	table *Table
	desc  *manifest.Descriptor

	status  Status
	deps    []int
	users   map[Owner]struct{}
	bundle  *store.Bundle
	waiters []func()

	// dependents are re-advanced when this handle finishes loading.
	dependents []*Handle
	// awaiting is the dependency this handle is blocked on, or -1.
	awaiting int
	opening  bool
	orphaned bool
	removed  bool
}

func (h *Handle) ID() int                          { return h.desc.ID() }
func (h *Handle) Descriptor() *manifest.Descriptor { return h.desc }
func (h *Handle) Status() Status                   { return h.status }

// Bundle returns the opened bundle. It is nil until loaded and stays nil
// when the open failed.
func (h *Handle) Bundle() *store.Bundle { return h.bundle }

// Users returns the number of reference users.
func (h *Handle) Users() int { return len(h.users) }

// Dependencies returns the IDs of the resolved dependencies.
func (h *Handle) Dependencies() []int { return append([]int(nil), h.deps...) }

// AddReferenceUser records owner on h and on every handle reachable
// through dependencies. Adding an owner twice is a no-op.
func (h *Handle) AddReferenceUser(owner Owner) { h.table.addReferenceUser(h, owner) }

// LoadSync loads h and its dependencies on the calling goroutine.
func (h *Handle) LoadSync() error { return h.table.loadSync(h) }

// LoadAsync starts loading h. fn runs once h is loaded, never before
// LoadAsync returns.
func (h *Handle) LoadAsync(fn func()) { h.table.loadAsync(h, fn) }

// Unload removes owner from h and its dependency closure. Handles left
// without users are closed and forgotten.
func (h *Handle) Unload(owner Owner) { h.table.unload(h, owner) }

// Table memoizes one Handle per descriptor.
type Table struct {
	index       *manifest.Index
	opener      Opener
	overlay     Overlay
	loop        Deferrer
	logger      *slog.Logger
	development bool

	handles map[int]*Handle
	work    []*Handle
	pumping bool
}

type TableOption func(*Table)

// WithOverlay routes downloadable content through o.
func WithOverlay(o Overlay) TableOption {
	return func(t *Table) { t.overlay = o }
}

func WithLogger(logger *slog.Logger) TableOption {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDevelopment raises configuration defects to error level.
func WithDevelopment(enabled bool) TableOption {
	return func(t *Table) { t.development = enabled }
}

func NewTable(index *manifest.Index, opener Opener, loop Deferrer, opts ...TableOption) *Table {
	t := &Table{
		index:   index,
		opener:  opener,
		loop:    loop,
		logger:  slog.New(slog.DiscardHandler),
		handles: make(map[int]*Handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Index() *manifest.Index { return t.index }

// SetOverlay installs the downloadable content overlay.
func (t *Table) SetOverlay(o Overlay) { t.overlay = o }

// Get returns the live handle for a descriptor ID.
func (t *Table) Get(id int) (*Handle, bool) {
	h, ok := t.handles[id]
	return h, ok
}

func (t *Table) Len() int { return len(t.handles) }

// Stats counts live handles by status.
func (t *Table) Stats() map[Status]int {
	stats := make(map[Status]int, 3)
	for _, h := range t.handles {
		stats[h.status]++
	}
	return stats
}

func (t *Table) defect(msg string, args ...any) {
	if t.development {
		t.logger.Error(msg, args...)
		return
	}
	t.logger.Warn(msg, args...)
}

// GetOrCreate returns the handle for desc, creating it and its
// dependency handles on first use. The handle is registered before its
// dependencies are resolved so cyclic references find it.
func (t *Table) GetOrCreate(desc *manifest.Descriptor) *Handle {
	if h, ok := t.handles[desc.ID()]; ok {
		return h
	}

	h := &Handle{
		table:    t,
		desc:     desc,
		users:    make(map[Owner]struct{}),
		awaiting: -1,
	}
	t.handles[desc.ID()] = h

	for _, name := range desc.Dependencies {
		dep, ok := t.index.Lookup(name)
		if !ok {
			t.defect("unknown bundle dependency", "bundle", desc.Name, "dependency", name)
			continue
		}
		t.GetOrCreate(dep)
		h.deps = append(h.deps, dep.ID())
	}
	return h
}

// dep returns the handle for a dependency ID, recreating it if it was
// unloaded while the dependent stayed alive.
func (t *Table) dep(id int) *Handle {
	if h, ok := t.handles[id]; ok {
		return h
	}
	return t.GetOrCreate(t.index.At(id))
}

func (t *Table) addReferenceUser(h *Handle, owner Owner) {
	stack := []*Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := cur.users[owner]; ok {
			continue
		}
		cur.users[owner] = struct{}{}
		for _, id := range cur.deps {
			stack = append(stack, t.dep(id))
		}
	}
}

// HasDependency reports whether to is reachable from from through
// dependency edges.
func (t *Table) HasDependency(from, to *Handle) bool {
	var visited idSet
	stack := append([]int(nil), from.deps...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if id == to.ID() {
			return true
		}
		if visited.has(id) {
			continue
		}
		visited.add(id)
		if h, ok := t.handles[id]; ok {
			stack = append(stack, h.deps...)
		}
	}
	return false
}

func (t *Table) loadSync(h *Handle) error {
	if busy := t.loadingIn(h); busy != nil {
		return fmt.Errorf("%w: bundle %s", ErrLoadInFlight, busy.desc.Name)
	}
	var visiting idSet
	return t.loadSyncFrom(h, &visiting)
}

// loadingIn returns a loading handle from the part of h's dependency
// closure a synchronous load would walk, or nil. Nothing is opened
// until the whole closure is known to be free of in-flight loads.
func (t *Table) loadingIn(h *Handle) *Handle {
	var visited idSet
	stack := []*Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited.has(cur.ID()) {
			continue
		}
		visited.add(cur.ID())

		switch cur.status {
		case Loading:
			return cur
		case Loaded:
			continue
		}
		for _, id := range cur.deps {
			stack = append(stack, t.dep(id))
		}
	}
	return nil
}

func (t *Table) loadSyncFrom(h *Handle, visiting *idSet) error {
	switch h.status {
	case Loaded:
		return nil
	case Loading:
		return fmt.Errorf("%w: bundle %s", ErrLoadInFlight, h.desc.Name)
	}
	if visiting.has(h.ID()) {
		return nil
	}
	visiting.add(h.ID())

	for _, id := range h.deps {
		if err := t.loadSyncFrom(t.dep(id), visiting); err != nil {
			return err
		}
	}

	b, err := t.openerFor(h.desc).Open(h.desc)
	t.finish(h, b, err)
	return nil
}

func (t *Table) openerFor(desc *manifest.Descriptor) Opener {
	if desc.DLC && t.overlay != nil {
		return t.overlay
	}
	return t.opener
}

func (t *Table) loadAsync(h *Handle, fn func()) {
	switch h.status {
	case Loaded:
		t.loop.Defer(fn)
	case Loading:
		h.waiters = append(h.waiters, fn)
	default:
		h.status = Loading
		h.waiters = append(h.waiters, fn)
		t.schedule(h)
	}
}

// schedule queues a handle for advance and drains the queue unless a
// drain is already running further up the stack.
func (t *Table) schedule(h *Handle) {
	t.work = append(t.work, h)
	if t.pumping {
		return
	}

	t.pumping = true
	for len(t.work) > 0 {
		next := t.work[0]
		t.work[0] = nil
		t.work = t.work[1:]
		if next.status == Loading && !next.opening {
			t.advance(next)
		}
	}
	t.work = nil
	t.pumping = false
}

// advance re-checks every dependency of h from the start. It either
// parks h behind the first unsatisfied dependency or opens h.
func (t *Table) advance(h *Handle) {
	if h.orphaned {
		t.abandon(h)
		return
	}

	for _, id := range h.deps {
		dep := t.dep(id)
		if dep == h || dep.status == Loaded {
			continue
		}
		if dep.status == Loading && t.waitsOn(dep, h) {
			t.logger.Debug("breaking dependency cycle", "bundle", h.desc.Name, "dependency", dep.desc.Name)
			continue
		}

		h.awaiting = dep.ID()
		if !slices.Contains(dep.dependents, h) {
			dep.dependents = append(dep.dependents, h)
		}
		if dep.status == Unloaded {
			dep.status = Loading
			t.work = append(t.work, dep)
		}
		return
	}

	h.awaiting = -1
	h.opening = true
	t.openerFor(h.desc).OpenAsync(h.desc, func(b *store.Bundle, err error) {
		t.opened(h, b, err)
	})
}

// waitsOn reports whether dep is, directly or through the handles it is
// waiting for, waiting for h.
func (t *Table) waitsOn(dep, h *Handle) bool {
	var visited idSet
	cur := dep
	for cur.status == Loading && cur.awaiting >= 0 {
		if cur.awaiting == h.ID() {
			return true
		}
		if visited.has(cur.ID()) {
			return false
		}
		visited.add(cur.ID())

		next, ok := t.handles[cur.awaiting]
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func (t *Table) opened(h *Handle, b *store.Bundle, err error) {
	h.opening = false
	t.finish(h, b, err)

	waiters, dependents := h.waiters, h.dependents
	h.waiters, h.dependents = nil, nil

	if h.orphaned {
		t.close(h)
	}
	for _, fn := range waiters {
		fn()
	}
	for _, d := range dependents {
		t.schedule(d)
	}
}

// abandon settles a handle that lost its last user before it started
// opening. Waiters still run, on the next tick, and see no bundle.
func (t *Table) abandon(h *Handle) {
	waiters, dependents := h.waiters, h.dependents
	h.waiters, h.dependents = nil, nil
	h.awaiting = -1
	h.status = Unloaded

	for _, fn := range waiters {
		t.loop.Defer(fn)
	}
	for _, d := range dependents {
		t.schedule(d)
	}
}

func (t *Table) finish(h *Handle, b *store.Bundle, err error) {
	if err != nil {
		t.defect("bundle open failed", "bundle", h.desc.Name, "hash", h.desc.Hash, "error", err)
		b = nil
	}
	h.bundle = b
	h.status = Loaded
}

func (t *Table) unload(h *Handle, owner Owner) {
	var visited idSet
	stack := []*Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited.has(cur.ID()) {
			continue
		}
		visited.add(cur.ID())

		delete(cur.users, owner)
		if len(cur.users) == 0 {
			t.release(cur)
		}
		for _, id := range cur.deps {
			if dep, ok := t.handles[id]; ok {
				stack = append(stack, dep)
			}
		}
	}
}

// release forgets a handle with no users. A handle still opening is
// closed when its open completes.
func (t *Table) release(h *Handle) {
	if h.removed {
		return
	}
	h.removed = true
	if cur, ok := t.handles[h.ID()]; ok && cur == h {
		delete(t.handles, h.ID())
	}

	if h.status == Loading {
		h.orphaned = true
		return
	}
	t.close(h)
}

func (t *Table) close(h *Handle) {
	if h.status == Loaded && h.bundle != nil {
		h.bundle.Close()
		if h.desc.DLC && t.overlay != nil {
			t.overlay.Unloaded(h.desc)
		}
	}
	h.bundle = nil
	h.status = Unloaded
}
