// Package resource loads loose resource files from disk.
//
// Resources are addressed by load path: the path below a Resources root
// without the file extension. During development files can also be
// found by their full content path under a source tree.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aweris/assetcache/internal/asset"
	"github.com/aweris/assetcache/internal/codec"
	"github.com/aweris/assetcache/internal/store"
)

var ErrNotFound = errors.New("resource not found")

// objectExt marks files holding an encoded object rather than raw data.
const objectExt = ".cbor"

// Dir serves resources rooted at a directory.
type Dir struct {
	root      string
	source    string
	pool      *store.Pool
	completer store.Completer
	logger    *slog.Logger
}

type Option func(*Dir)

// WithSource sets the tree searched for files during development.
func WithSource(dir string) Option {
	return func(d *Dir) { d.source = dir }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dir) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDir creates a loader for root. Asynchronous loads read on pool and
// complete through completer.
func NewDir(root string, pool *store.Pool, completer store.Completer, opts ...Option) *Dir {
	d := &Dir{
		root:      root,
		pool:      pool,
		completer: completer,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dir) Load(loadPath string, typ *asset.Type) (*asset.Object, error) {
	if d.root == "" {
		return nil, fmt.Errorf("%w: %s: no resource directory", ErrNotFound, loadPath)
	}

	dir := filepath.Join(d.root, filepath.FromSlash(path.Dir(loadPath)))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, loadPath)
		}
		return nil, fmt.Errorf("read resource dir: %w", err)
	}

	want := strings.ToLower(path.Base(loadPath))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.ToLower(stem(name)) != want {
			continue
		}
		if typ != nil && !typ.HasExtension(name) && !strings.EqualFold(path.Ext(name), objectExt) {
			continue
		}
		return d.read(filepath.Join(dir, name), typ)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, loadPath)
}

func (d *Dir) LoadAsync(loadPath string, typ *asset.Type, fn func(*asset.Object, error)) {
	complete := d.completer.Begin()
	d.pool.Submit(func() {
		obj, err := d.Load(loadPath, typ)
		complete(func() { fn(obj, err) })
	})
}

// Search finds the file whose path, without extension, ends with the
// content path. When several files qualify, the type's extensions
// narrow the choice and the first remaining file in name order wins.
func (d *Dir) Search(contentPath string, typ *asset.Type) (*asset.Object, error) {
	if d.source == "" {
		return nil, fmt.Errorf("%w: %s: no source directory", ErrNotFound, contentPath)
	}

	folder := filepath.Join(d.source, filepath.FromSlash(path.Dir(contentPath)))
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, contentPath)
		}
		return nil, fmt.Errorf("read source dir: %w", err)
	}

	want := strings.ToLower(stem(contentPath))
	var matches []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		rel := path.Join(path.Dir(contentPath), e.Name())
		if strings.HasSuffix(strings.ToLower(stem(rel)), want) {
			matches = append(matches, e.Name())
		}
	}

	if len(matches) > 1 && typ != nil {
		matches = slices.DeleteFunc(matches, func(name string) bool { return !typ.HasExtension(name) })
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contentPath)
	}
	slices.Sort(matches)
	if len(matches) > 1 {
		d.logger.Warn("ambiguous resource search", "path", contentPath, "type", typ.String(), "candidates", matches, "chosen", matches[0])
	}
	return d.read(filepath.Join(folder, matches[0]), typ)
}

func (d *Dir) read(file string, typ *asset.Type) (*asset.Object, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}

	name := filepath.Base(file)
	if strings.EqualFold(path.Ext(name), objectExt) {
		var obj asset.Object
		if err := codec.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("decode resource %s: %w", name, err)
		}
		if obj.Name == "" {
			obj.Name = stem(name)
		}
		return &obj, nil
	}

	obj := &asset.Object{Name: stem(name), Data: data}
	if typ != nil {
		obj.Type = typ.Name
	}
	return obj, nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
