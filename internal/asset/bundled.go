package asset

import (
	"path"
	"strings"

	"github.com/aweris/assetcache/internal/bundle"
	"github.com/aweris/assetcache/internal/manifest"
)

// Bundled is a handler backed by a content bundle. A handler whose path
// names a file inside the bundle (path longer than the bundle name)
// loads that entry, otherwise it loads the bundle's main entry.
type Bundled struct {
	Base
	handle *bundle.Handle
}

// NewBundled creates a handler for path served by desc. It becomes a
// reference user of the bundle and its dependencies immediately.
func NewBundled(env *Env, path string, typ *Type, desc *manifest.Descriptor) *Bundled {
	b := &Bundled{Base: newBase(env, path, typ)}
	b.handle = env.Table.GetOrCreate(desc)
	b.handle.AddReferenceUser(b)
	return b
}

func (b *Bundled) Bundled() bool { return true }

// Handle returns the underlying bundle handle, nil once unloaded.
func (b *Bundled) Handle() *bundle.Handle { return b.handle }

func (b *Bundled) LoadSync() error {
	switch b.status {
	case Completed:
		return nil
	case Loading:
		return b.inFlight()
	}

	b.env.checkExpected(b.path)
	if b.handle == nil {
		b.complete(nil)
		return nil
	}
	if err := b.handle.LoadSync(); err != nil {
		return err
	}
	b.extract()
	return nil
}

func (b *Bundled) LoadAsync(onLoaded func()) {
	switch {
	case b.status == Completed:
		b.env.Loop.Defer(onLoaded)
		return
	case b.status == Loading && b.handle != nil:
		gen := b.gen
		b.handle.LoadAsync(func() {
			if b.current(gen) {
				onLoaded()
			}
		})
		return
	}

	b.env.checkExpected(b.path)
	gen := b.begin()
	if b.handle == nil {
		b.env.Loop.Defer(func() {
			if !b.current(gen) {
				return
			}
			b.complete(nil)
			onLoaded()
		})
		return
	}

	b.handle.LoadAsync(func() {
		if !b.current(gen) {
			return
		}
		b.extract()
		onLoaded()
	})
}

func (b *Bundled) extract() {
	if b.handle == nil {
		b.complete(nil)
		return
	}
	opened := b.handle.Bundle()
	if opened == nil {
		b.env.defect("asset unavailable, bundle failed to open", "path", b.path, "bundle", b.handle.Descriptor().Name)
		b.complete(nil)
		return
	}
	if b.typ == nil || opened.Scene {
		b.complete(nil)
		return
	}

	storedAs := b.typ.StoredAs()
	var (
		obj *Object
		ok  bool
	)
	if strings.EqualFold(b.path, opened.Name) {
		obj, ok = opened.MainAsset(storedAs.Accepts)
	} else {
		obj, ok = opened.Asset(path.Base(b.path), storedAs.Accepts)
	}
	if !ok {
		b.env.defect("asset not found in bundle", "path", b.path, "bundle", opened.Name, "type", b.typ.Name)
	}
	b.complete(obj)
}

func (b *Bundled) Unload() {
	if b.handle != nil {
		b.handle.Unload(b)
		b.handle = nil
	}
	b.reset()
}
