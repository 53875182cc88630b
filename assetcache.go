package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/assetcache/internal/asset"
	"github.com/aweris/assetcache/internal/bundle"
	"github.com/aweris/assetcache/internal/compression"
	"github.com/aweris/assetcache/internal/dlc"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/resource"
	"github.com/aweris/assetcache/internal/scheduler"
	"github.com/aweris/assetcache/internal/store"
)

// Cache loads assets from a content store. All methods except Close must
// be called from the goroutine that ticks the cache.
type Cache struct {
	opts   *OpenOptions
	logger *slog.Logger

	store     *store.LocalStore
	pool      *store.Pool
	loop      *scheduler.Loop
	index     *manifest.Index
	table     *bundle.Table
	dlc       *dlc.Manager
	resources *resource.Dir
	registry  *scheduler.Registry

	closed bool
}

// Open opens the content store in the cache directory and loads its
// manifest. A store without a manifest opens empty.
func Open(opts ...Option) (*Cache, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cacheDir := expandPath(options.CacheDir)
	st, err := store.NewLocalStore(cacheDir, options.ReadCacheSize, compression.Zstd, 0)
	if err != nil {
		return nil, err
	}

	index, err := loadIndex(st.ManifestPath(), logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Cache{
		opts:   options,
		logger: logger,
		store:  st,
		pool:   store.NewPool(options.IOConcurrency),
		loop:   scheduler.NewLoop(),
		index:  index,
	}

	c.dlc = dlc.NewManager(index, st, c.pool, c.loop, dlc.WithLogger(logger))
	c.table = bundle.NewTable(index,
		store.NewOpener(st, c.pool, c.loop, logger),
		c.loop,
		bundle.WithOverlay(c.dlc),
		bundle.WithLogger(logger),
		bundle.WithDevelopment(options.Development),
	)

	resourceDir := options.ResourceDir
	if resourceDir == "" {
		resourceDir = filepath.Join(cacheDir, "Resources")
	}
	c.resources = resource.NewDir(expandPath(resourceDir), c.pool, c.loop,
		resource.WithSource(expandPath(options.SourceDir)),
		resource.WithLogger(logger),
	)

	env := &asset.Env{
		Table:       c.table,
		Resources:   c.resources,
		Loop:        c.loop,
		Logger:      logger,
		Development: options.Development,
	}
	if options.Development && options.Expected != "" {
		descs, err := manifest.ReadFile(expandPath(options.Expected))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("read expected content: %w", err)
		}
		env.Expected = manifest.NewIndex(descs)
	}
	c.registry = scheduler.NewRegistry(env, index, options.Lanes)

	if _, err := c.dlc.MountAll(c.DLCDir()); err != nil {
		c.Close()
		return nil, err
	}

	c.reportProblems()
	logger.Debug("cache opened", "dir", cacheDir, "bundles", index.Len(), "lanes", options.Lanes, "development", options.Development)
	return c, nil
}

func loadIndex(path string, logger *slog.Logger) (*manifest.Index, error) {
	descs, err := manifest.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no manifest, store opened empty", "path", path)
			return manifest.NewIndex(nil), nil
		}
		return nil, err
	}
	return manifest.NewIndex(descs), nil
}

func (c *Cache) reportProblems() {
	for _, p := range manifest.Validate(c.index) {
		if c.opts.Development {
			c.logger.Error("manifest problem", "bundle", p.Name, "problem", p.Reason)
		} else {
			c.logger.Warn("manifest problem", "bundle", p.Name, "problem", p.Reason)
		}
	}
}

// Dir returns the content store directory.
func (c *Cache) Dir() string { return c.store.Root() }

// Descriptors returns the bundles the cache knows about, DLC included.
func (c *Cache) Descriptors() []Descriptor { return c.index.Descriptors() }

// Lookup returns the descriptor serving path.
func (c *Cache) Lookup(path string) (*Descriptor, bool) { return c.index.Find(path) }

// RequestAsset loads the asset at path asynchronously on lane. fn runs
// on a later tick once the asset is loaded, in request order within the
// lane.
func (c *Cache) RequestAsset(path string, typ *Type, lane int, fn Callback) (Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return public(c.registry.Request(path, typ, lane, fn.wrap()))
}

// RequestBundleOnly loads the bundle serving path without extracting
// an asset. The handle stays resident until Unpin.
func (c *Cache) RequestBundleOnly(path string, lane int, fn Callback) (Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return public(c.registry.RequestBundleOnly(path, lane, fn.wrap()))
}

// RequestScene loads a scene bundle asynchronously.
func (c *Cache) RequestScene(path string, lane int, fn Callback) (Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return public(c.registry.RequestScene(path, lane, fn.wrap()))
}

// Load loads the asset at path before returning. The returned handle
// holds a reference even when err is non-nil; Release it either way.
func (c *Cache) Load(path string, typ *Type) (Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return public(c.registry.Load(path, typ))
}

// LoadScene loads a scene bundle before returning.
func (c *Cache) LoadScene(path string) (Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return public(c.registry.LoadScene(path))
}

// Release drops one reference to h.
func (c *Cache) Release(h Handle) {
	if ah, ok := h.(asset.Handler); ok {
		c.registry.Release(ah)
	}
}

// Unpin lets a bundle-only handle go once nothing references it.
func (c *Cache) Unpin(h Handle) {
	if ah, ok := h.(asset.Handler); ok {
		c.registry.Unpin(ah)
	}
}

// Find returns the live handle for path and type, if any.
func (c *Cache) Find(path string, typ *Type) Handle {
	h, _ := public(c.registry.Find(path, typ, false), nil)
	return h
}

func (c *Cache) checkLane(lane int) (int, error) {
	if lane < 0 || lane >= c.registry.Lanes() {
		return 0, fmt.Errorf("%w: %d (have %d)", ErrInvalidLane, lane, c.registry.Lanes())
	}
	return c.registry.Limit(lane), nil
}

// Lanes returns the number of configured lanes.
func (c *Cache) Lanes() int { return c.registry.Lanes() }

// Limit returns the concurrency limit of lane.
func (c *Cache) Limit(lane int) int { return c.registry.Limit(lane) }

// Tick runs the work queued before the call and returns how much ran.
func (c *Cache) Tick() int { return c.loop.Tick() }

// Run ticks until ctx ends.
func (c *Cache) Run(ctx context.Context) error { return c.loop.Run(ctx) }

// RunUntilIdle ticks until no work is queued or in flight.
func (c *Cache) RunUntilIdle(ctx context.Context) error { return c.loop.RunUntilIdle(ctx) }

// Post queues fn to run on the ticking goroutine. It may be called from
// any goroutine.
func (c *Cache) Post(fn func()) { c.loop.Post(fn) }

// Stats summarizes the cache.
type Stats struct {
	Handles   int
	Waiting   int
	Loading   int
	Completed int
	Callbacks int

	Bundles       int
	BundlesLoaded int
	Descriptors   int
	Mounted       int

	Queued   int
	InFlight int
}

func (c *Cache) Stats() Stats {
	rs := c.registry.Stats()
	bs := c.table.Stats()
	queued, inflight := c.loop.Pending()
	return Stats{
		Handles:       rs.Handlers,
		Waiting:       rs.Waiting,
		Loading:       rs.Loading,
		Completed:     rs.Completed,
		Callbacks:     rs.Callbacks,
		Bundles:       c.table.Len(),
		BundlesLoaded: bs[bundle.Loaded],
		Descriptors:   c.index.Len(),
		Mounted:       len(c.dlc.Mounted()),
		Queued:        queued,
		InFlight:      inflight,
	}
}

// Close stops the background readers. Outstanding requests never
// complete after Close.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.Close()
	return c.store.Close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
