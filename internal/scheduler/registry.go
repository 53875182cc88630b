// Package scheduler owns every live asset handler. It deduplicates
// requests, admits asynchronous loads per lane up to the lane's limit
// and fires completion callbacks in request order within each lane.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aweris/assetcache/internal/asset"
	"github.com/aweris/assetcache/internal/manifest"
)

var (
	// ErrInvalidLane is returned for a lane outside the configured set.
	ErrInvalidLane = errors.New("invalid lane")
	// ErrNoContent is returned when a request cannot be served by any
	// descriptor or fallback.
	ErrNoContent = errors.New("no content for path")
)

// DefaultLanes are the lane limits used when none are configured: five
// concurrent loads on the main lane and one on the background lane.
var DefaultLanes = []int{5, 1}

// Callback receives the handler of a completed request.
type Callback func(asset.Handler)

type pending struct {
	handler asset.Handler
	fn      func()
}

// Registry is the table of live asset handlers.
type Registry struct {
	env    *asset.Env
	index  *manifest.Index
	limits []int

	handlers  []asset.Handler
	callbacks []pending
}

// NewRegistry creates a registry over env. index resolves paths to
// bundle descriptors. A nil or empty limits uses DefaultLanes.
func NewRegistry(env *asset.Env, index *manifest.Index, limits []int) *Registry {
	if len(limits) == 0 {
		limits = DefaultLanes
	}
	r := &Registry{
		env:    env,
		index:  index,
		limits: slices.Clone(limits),
	}
	for lane, limit := range r.limits {
		if limit < 1 {
			r.logger().Error("lane limit below one, using one", "lane", lane, "limit", limit)
			r.limits[lane] = 1
		}
	}
	return r
}

func (r *Registry) logger() *slog.Logger {
	if r.env.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.env.Logger
}

// Lanes returns the number of lanes.
func (r *Registry) Lanes() int { return len(r.limits) }

// Limit returns the concurrency limit of a lane.
func (r *Registry) Limit(lane int) int {
	if lane < 0 || lane >= len(r.limits) {
		return 0
	}
	return r.limits[lane]
}

func (r *Registry) checkLane(lane int) error {
	if lane < 0 || lane >= len(r.limits) {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidLane, lane, len(r.limits))
	}
	return nil
}

// Find returns the live handler for path whose type is typ or derives
// from it. A nil typ matches any handler for path. With bundleOnly set,
// only untyped bundle-backed handlers match.
func (r *Registry) Find(path string, typ *asset.Type, bundleOnly bool) asset.Handler {
	path = manifest.NormalizePath(path)
	for _, h := range r.handlers {
		if !strings.EqualFold(h.Path(), path) {
			continue
		}
		if bundleOnly {
			if h.Bundled() && h.Type() == nil {
				return h
			}
			continue
		}
		if typ == nil || (h.Type() != nil && h.Type().Is(typ)) {
			return h
		}
	}
	return nil
}

// Request loads the asset at path asynchronously on lane. fn runs once
// the handler completes, never before Request returns. Requesting a path
// that is already live shares its handler and adds a reference.
func (r *Registry) Request(path string, typ *asset.Type, lane int, fn Callback) (asset.Handler, error) {
	if err := r.checkLane(lane); err != nil {
		return nil, err
	}
	if h := r.Find(path, typ, false); h != nil {
		r.share(h, fn)
		return h, nil
	}
	return r.start(r.create(path, typ), lane, fn), nil
}

// RequestBundleOnly loads the bundle serving path without extracting an
// asset. Bundle-only handlers are pinned: Release keeps them resident
// until Unpin.
func (r *Registry) RequestBundleOnly(path string, lane int, fn Callback) (asset.Handler, error) {
	if err := r.checkLane(lane); err != nil {
		return nil, err
	}
	if h := r.Find(path, nil, true); h != nil {
		r.share(h, fn)
		return h, nil
	}

	desc, ok := r.index.Find(path)
	if !ok {
		r.logger().Error("no bundle for path", "path", path)
		return nil, fmt.Errorf("%w: %s", ErrNoContent, path)
	}
	h := asset.NewBundled(r.env, path, nil, desc)
	h.SetPinned(true)
	return r.start(h, lane, fn), nil
}

// RequestScene loads a scene bundle. Without a descriptor, development
// mode substitutes a placeholder; otherwise the request fails.
func (r *Registry) RequestScene(path string, lane int, fn Callback) (asset.Handler, error) {
	if err := r.checkLane(lane); err != nil {
		return nil, err
	}
	if h := r.Find(path, nil, false); h != nil {
		r.share(h, fn)
		return h, nil
	}
	h, err := r.createScene(path)
	if err != nil {
		return nil, err
	}
	return r.start(h, lane, fn), nil
}

// Load loads the asset at path synchronously. The returned handler holds
// a reference even when err is non-nil.
func (r *Registry) Load(path string, typ *asset.Type) (asset.Handler, error) {
	h := r.Find(path, typ, false)
	if h != nil {
		h.Retain()
	} else {
		h = r.create(path, typ)
		r.handlers = append(r.handlers, h)
	}
	return h, r.loadSync(h)
}

// LoadScene loads a scene bundle synchronously.
func (r *Registry) LoadScene(path string) (asset.Handler, error) {
	h := r.Find(path, nil, false)
	if h != nil {
		h.Retain()
	} else {
		var err error
		if h, err = r.createScene(path); err != nil {
			return nil, err
		}
		r.handlers = append(r.handlers, h)
	}
	return h, r.loadSync(h)
}

func (r *Registry) loadSync(h asset.Handler) error {
	if err := h.LoadSync(); err != nil {
		r.logger().Error("synchronous load failed", "path", h.Path(), "error", err)
		return err
	}
	if r.hasCallbacks(h) {
		r.env.Loop.Defer(r.onHandlerCompleted)
	}
	return nil
}

func (r *Registry) create(path string, typ *asset.Type) asset.Handler {
	if desc, ok := r.index.Find(path); ok {
		return asset.NewBundled(r.env, path, typ, desc)
	}
	return asset.NewResource(r.env, path, typ)
}

func (r *Registry) createScene(path string) (asset.Handler, error) {
	if desc, ok := r.index.Find(path); ok {
		return asset.NewBundled(r.env, path, nil, desc), nil
	}
	if r.env.Development {
		return asset.NewPlaceholder(r.env, path, nil), nil
	}
	r.logger().Error("no bundle for scene", "path", path)
	return nil, fmt.Errorf("%w: %s", ErrNoContent, path)
}

func (r *Registry) share(h asset.Handler, fn Callback) {
	h.Retain()
	r.enqueue(h, fn)
	if h.Status() == asset.Completed {
		r.env.Loop.Defer(r.onHandlerCompleted)
	}
}

func (r *Registry) start(h asset.Handler, lane int, fn Callback) asset.Handler {
	h.SetLane(lane)
	r.handlers = append(r.handlers, h)
	r.enqueue(h, fn)
	r.admitPending()
	return h
}

func (r *Registry) enqueue(h asset.Handler, fn Callback) {
	p := pending{handler: h}
	if fn != nil {
		p.fn = func() { fn(h) }
	}
	r.callbacks = append(r.callbacks, p)
}

func (r *Registry) hasCallbacks(h asset.Handler) bool {
	return slices.ContainsFunc(r.callbacks, func(p pending) bool { return p.handler == h })
}

// admitPending starts the oldest unstarted handlers of every lane while
// the lane has free slots.
func (r *Registry) admitPending() {
	loading := make([]int, len(r.limits))
	for _, h := range r.handlers {
		if h.Status() == asset.Loading {
			loading[h.Lane()]++
		}
	}

	for lane, limit := range r.limits {
		for loading[lane] < limit {
			i := slices.IndexFunc(r.handlers, func(h asset.Handler) bool {
				return h.Lane() == lane && h.Status() == asset.None
			})
			if i < 0 {
				break
			}
			loading[lane]++
			r.handlers[i].LoadAsync(r.onHandlerCompleted)
		}
	}
}

// onHandlerCompleted drains each lane's callback queue up to the first
// handler that is not complete yet. A completed handler nobody holds any
// more is unloaded instead of notified.
func (r *Registry) onHandlerCompleted() {
	for lane := range r.limits {
		for {
			i := slices.IndexFunc(r.callbacks, func(p pending) bool { return p.handler.Lane() == lane })
			if i < 0 || r.callbacks[i].handler.Status() != asset.Completed {
				break
			}

			p := r.callbacks[i]
			if p.handler.RefCount() > 0 {
				r.callbacks = slices.Delete(r.callbacks, i, i+1)
				if p.fn != nil {
					p.fn()
				}
				continue
			}

			if p.handler.Pinned() {
				r.callbacks = slices.Delete(r.callbacks, i, i+1)
				continue
			}
			r.teardown(p.handler)
		}
	}
	r.admitPending()
}

// Release drops one reference to h. Handlers that are still referenced,
// pinned, or not tracked stay as they are. A loading handler keeps
// loading with its callbacks silenced and is unloaded on completion.
func (r *Registry) Release(h asset.Handler) {
	if h == nil {
		return
	}
	h.Release()
	if h.RefCount() > 0 || h.Pinned() || !r.tracked(h) {
		return
	}

	if h.Status() == asset.Loading {
		for i := range r.callbacks {
			if r.callbacks[i].handler == h {
				r.callbacks[i].fn = nil
			}
		}
		return
	}
	r.teardown(h)
}

// Unpin clears the pinned flag and releases h if nothing holds it.
func (r *Registry) Unpin(h asset.Handler) {
	if h == nil || !h.Pinned() {
		return
	}
	h.SetPinned(false)
	if h.RefCount() == 0 {
		h.Retain()
		r.Release(h)
	}
}

func (r *Registry) tracked(h asset.Handler) bool {
	return slices.Contains(r.handlers, h)
}

func (r *Registry) teardown(h asset.Handler) {
	h.Unload()
	r.handlers = slices.DeleteFunc(r.handlers, func(x asset.Handler) bool { return x == h })
	r.callbacks = slices.DeleteFunc(r.callbacks, func(p pending) bool { return p.handler == h })
}

// Handlers returns the live handlers in registration order.
func (r *Registry) Handlers() []asset.Handler { return slices.Clone(r.handlers) }

// Stats summarizes the registry.
type Stats struct {
	Handlers  int
	Waiting   int
	Loading   int
	Completed int
	Callbacks int
	// LaneLoading counts loading handlers per lane.
	LaneLoading []int
}

func (r *Registry) Stats() Stats {
	s := Stats{
		Handlers:    len(r.handlers),
		Callbacks:   len(r.callbacks),
		LaneLoading: make([]int, len(r.limits)),
	}
	for _, h := range r.handlers {
		switch h.Status() {
		case asset.None:
			s.Waiting++
		case asset.Loading:
			s.Loading++
			s.LaneLoading[h.Lane()]++
		case asset.Completed:
			s.Completed++
		}
	}
	return s
}
