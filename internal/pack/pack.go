// Package pack builds a content store and its manifest from a source
// tree of bundle directories.
//
// Every directory holding a bundle.json is a bundle named by its path
// below the source root:
//
//	src/
//	  weapons/sword/
//	    bundle.json   {"main": "sword.prefab", "dependencies": ["shared/materials"]}
//	    sword.prefab
//	    sword.png
//
// The files directly inside it become the bundle's entries. Files ending
// in .cbor hold an encoded object; any other file is stored as raw data.
package pack

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/aweris/assetcache/internal/codec"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

// DefinitionName is the file marking a bundle directory.
const DefinitionName = "bundle.json"

var ErrNoBundles = errors.New("no bundle directories found")

// Definition is the content of a bundle.json file. Comments and
// trailing commas are allowed.
type Definition struct {
	Main         string            `json:"main,omitempty"`
	Scene        bool              `json:"scene,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Types        map[string]string `json:"types,omitempty"`
}

// typeOf returns the object type recorded for a file. Without a mapping
// the extension itself names the type.
func (d *Definition) typeOf(file string) string {
	ext := strings.ToLower(path.Ext(file))
	for k, v := range d.Types {
		if strings.EqualFold(strings.TrimPrefix(k, "."), strings.TrimPrefix(ext, ".")) {
			return v
		}
	}
	return strings.TrimPrefix(ext, ".")
}

// Builder packs bundles into a store.
type Builder struct {
	store  *store.LocalStore
	logger *slog.Logger
}

func NewBuilder(st *store.LocalStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{store: st, logger: logger}
}

// Build stores every bundle below src and returns their descriptors
// sorted by name.
func (b *Builder) Build(src string) ([]manifest.Descriptor, error) {
	var dirs []string
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == DefinitionName {
			dirs = append(dirs, filepath.Dir(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source: %w", err)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBundles, src)
	}

	descs := make([]manifest.Descriptor, 0, len(dirs))
	for _, dir := range dirs {
		rel, err := filepath.Rel(src, dir)
		if err != nil {
			return nil, err
		}
		name := filepath.ToSlash(rel)
		if name == "." {
			name = filepath.Base(filepath.Clean(src))
		}
		desc, err := b.BuildBundle(name, dir)
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}

	slices.SortFunc(descs, func(a, b manifest.Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return descs, nil
}

// BuildBundle stores the bundle in dir under name.
func (b *Builder) BuildBundle(name, dir string) (manifest.Descriptor, error) {
	def, err := ReadDefinition(filepath.Join(dir, DefinitionName))
	if err != nil {
		return manifest.Descriptor{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return manifest.Descriptor{}, fmt.Errorf("read bundle dir: %w", err)
	}

	bundle := &store.Bundle{
		Name:    name,
		Scene:   def.Scene,
		Main:    def.Main,
		Entries: make(map[string]*store.Object),
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == DefinitionName || strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		obj, err := readObject(filepath.Join(dir, e.Name()), def)
		if err != nil {
			return manifest.Descriptor{}, err
		}
		bundle.Entries[e.Name()] = obj
	}

	stored, err := b.store.PutBundle(bundle)
	if err != nil {
		return manifest.Descriptor{}, err
	}
	b.logger.Debug("bundle packed", "bundle", name, "entries", len(bundle.Entries), "hash", stored.Hash, "size", stored.Size)

	return manifest.Descriptor{
		Name:         name,
		Hash:         stored.Hash,
		CRC:          stored.CRC,
		Size:         stored.Size,
		Dependencies: def.Dependencies,
	}, nil
}

// ReadDefinition parses a bundle.json file.
func ReadDefinition(file string) (*Definition, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read bundle definition: %w", err)
	}
	var def Definition
	if len(strings.TrimSpace(string(data))) == 0 {
		return &def, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &def); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return &def, nil
}

func readObject(file string, def *Definition) (*store.Object, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}

	name := filepath.Base(file)
	stem := strings.TrimSuffix(name, path.Ext(name))
	if strings.EqualFold(path.Ext(name), ".cbor") {
		var obj store.Object
		if err := codec.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", name, err)
		}
		if obj.Name == "" {
			obj.Name = stem
		}
		return &obj, nil
	}
	return &store.Object{Name: stem, Type: def.typeOf(name), Data: data}, nil
}
