package store

import (
	"log/slog"

	"github.com/aweris/assetcache/internal/manifest"
)

// Completer hands the results of background work back to the loader
// goroutine. Begin registers one outstanding result; the returned
// function must be called exactly once, from any goroutine, with the
// continuation to run on the loader goroutine.
type Completer interface {
	Begin() func(func())
}

// Opener opens bundles from a LocalStore. Asynchronous opens read on the
// I/O pool and complete through the Completer.
type Opener struct {
	store     *LocalStore
	pool      *Pool
	completer Completer
	logger    *slog.Logger
}

func NewOpener(store *LocalStore, pool *Pool, completer Completer, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Opener{store: store, pool: pool, completer: completer, logger: logger}
}

// Open reads a bundle on the calling goroutine.
func (o *Opener) Open(desc *manifest.Descriptor) (*Bundle, error) {
	b, err := o.store.OpenBundle(desc)
	if err != nil {
		o.logger.Debug("bundle open failed", "bundle", desc.Name, "hash", desc.Hash, "error", err)
	}
	return b, err
}

// OpenAsync reads a bundle on the I/O pool and completes fn with the
// result on the loader goroutine.
func (o *Opener) OpenAsync(desc *manifest.Descriptor, fn func(*Bundle, error)) {
	complete := o.completer.Begin()
	o.pool.Submit(func() {
		b, err := o.Open(desc)
		complete(func() { fn(b, err) })
	})
}
