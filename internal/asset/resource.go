package asset

import (
	"path"
	"strings"
)

// ResourceLoader loads loose resource files. Types direct which file
// extensions qualify and which object type the file decodes to.
type ResourceLoader interface {
	// Load reads the resource at a load path (relative to the resource
	// root, without extension).
	Load(loadPath string, typ *Type) (*Object, error)
	// LoadAsync is Load off the loader goroutine. fn runs on a later
	// tick.
	LoadAsync(loadPath string, typ *Type, fn func(*Object, error))
	// Search finds a file by its full content path anywhere under the
	// source root. Only used during development.
	Search(path string, typ *Type) (*Object, error)
}

const resourcesDir = "Resources/"

// LoadPath maps a content path inside a Resources directory to its load
// path: "Resources/ui/icon.png" and "game/Resources/ui/icon.png" both
// become "ui/icon". ok is false for paths outside any Resources
// directory.
func LoadPath(p string) (loadPath string, ok bool) {
	lower := strings.ToLower(p)
	prefix := strings.ToLower(resourcesDir)

	var rest string
	switch {
	case strings.HasPrefix(lower, prefix):
		rest = p[len(resourcesDir):]
	default:
		i := strings.Index(lower, "/"+prefix)
		if i < 0 {
			return "", false
		}
		rest = p[i+1+len(resourcesDir):]
	}
	return strings.TrimSuffix(rest, path.Ext(rest)), true
}

// Resource is a handler backed by a loose resource file.
type Resource struct {
	Base
	loadPath string
	// waiters run after the in-flight load completes.
	waiters []func()
}

func NewResource(env *Env, path string, typ *Type) *Resource {
	r := &Resource{Base: newBase(env, path, typ)}
	r.loadPath, _ = LoadPath(r.path)
	return r
}

func (r *Resource) Bundled() bool { return false }

// LoadPathname returns the load path derived from the content path, or
// "" when the path is outside every Resources directory.
func (r *Resource) LoadPathname() string { return r.loadPath }

func (r *Resource) LoadSync() error {
	switch r.status {
	case Completed:
		return nil
	case Loading:
		return r.inFlight()
	}

	if r.loadPath == "" && r.env.Development {
		r.complete(r.search())
		return nil
	}
	r.complete(r.load())
	return nil
}

func (r *Resource) LoadAsync(onLoaded func()) {
	switch r.status {
	case Completed:
		r.env.Loop.Defer(onLoaded)
		return
	case Loading:
		r.waiters = append(r.waiters, onLoaded)
		return
	}
	gen := r.begin()

	if r.loadPath == "" && r.env.Development {
		r.env.Loop.Defer(func() { r.finish(gen, r.search(), onLoaded) })
		return
	}
	if r.loadPath == "" || r.env.Resources == nil {
		r.env.Loop.Defer(func() { r.finish(gen, r.load(), onLoaded) })
		return
	}

	r.env.Resources.LoadAsync(r.loadPath, r.loadType(), func(obj *Object, err error) {
		if err != nil && r.current(gen) {
			r.env.defect("resource load failed", "path", r.path, "error", err)
			obj = nil
		}
		r.finish(gen, obj, onLoaded)
	})
}

// finish completes the load started under gen and runs its callbacks.
// A load overtaken by Unload is dropped.
func (r *Resource) finish(gen int, obj *Object, onLoaded func()) {
	if !r.current(gen) {
		return
	}
	r.complete(obj)
	waiters := r.waiters
	r.waiters = nil
	onLoaded()
	for _, fn := range waiters {
		fn()
	}
}

func (r *Resource) loadType() *Type {
	if r.typ == nil {
		return nil
	}
	return r.typ.StoredAs()
}

func (r *Resource) load() *Object {
	if r.loadPath == "" || r.env.Resources == nil {
		r.env.defect("resource outside a Resources directory", "path", r.path)
		return nil
	}
	obj, err := r.env.Resources.Load(r.loadPath, r.loadType())
	if err != nil {
		r.env.defect("resource load failed", "path", r.path, "error", err)
		return nil
	}
	return obj
}

func (r *Resource) search() *Object {
	r.env.checkExpected(r.path)
	if r.env.Resources == nil {
		return nil
	}
	obj, err := r.env.Resources.Search(r.path, r.loadType())
	if err != nil {
		r.env.defect("resource search failed", "path", r.path, "error", err)
		return nil
	}
	return obj
}

func (r *Resource) Unload() {
	r.waiters = nil
	r.reset()
}
