package remote

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

// layersFile records, inside a package directory, which published layer
// holds each prefix. It makes repeated pushes and pulls incremental.
const layersFile = ".layers.json"

// Package is a DLC package in transit: its manifest fragment and its
// stored objects keyed by hash.
type Package struct {
	Label    string
	Manifest []byte
	Objects  map[string][]byte
}

// ReadPackage loads the package in dir.
func ReadPackage(dir string) (*Package, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifest.Name))
	if err != nil {
		return nil, fmt.Errorf("read package manifest: %w", err)
	}
	if _, err := manifest.Decode(data); err != nil {
		return nil, err
	}

	pkg := &Package{
		Label:    filepath.Base(filepath.Clean(dir)),
		Manifest: data,
		Objects:  make(map[string][]byte),
	}
	for hash := range store.Objects(dir) {
		raw, err := os.ReadFile(store.ObjectPath(dir, hash))
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", hash, err)
		}
		pkg.Objects[hash] = raw
	}
	return pkg, nil
}

// Write stores the package in dir, keeping objects already present.
func (p *Package) Write(dir string) error {
	for hash, raw := range p.Objects {
		path := store.ObjectPath(dir, hash)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create object dir: %w", err)
		}
		if err := os.WriteFile(path, raw, 0644); err != nil {
			return fmt.Errorf("write object: %w", err)
		}
	}
	if p.Manifest == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifest.Name), p.Manifest, 0644)
}

// blobs returns every object plus the manifest, keyed as they travel.
func (p *Package) blobs() map[string][]byte {
	all := maps.Clone(p.Objects)
	if all == nil {
		all = make(map[string][]byte)
	}
	if p.Manifest != nil {
		all[manifest.Name] = p.Manifest
	}
	return all
}

func packageFromBlobs(label string, blobs map[string][]byte) *Package {
	pkg := &Package{Label: label, Objects: make(map[string][]byte, len(blobs))}
	for key, data := range blobs {
		if key == manifest.Name {
			pkg.Manifest = data
			continue
		}
		pkg.Objects[key] = data
	}
	return pkg
}

// LoadPrefixes reads the layer record of a package directory. A missing
// record yields an empty map.
func LoadPrefixes(dir string) (map[string]PrefixInfo, error) {
	prefixes := make(map[string]PrefixInfo)
	data, err := os.ReadFile(filepath.Join(dir, layersFile))
	if err != nil {
		if os.IsNotExist(err) {
			return prefixes, nil
		}
		return nil, fmt.Errorf("read layer record: %w", err)
	}
	if err := json.Unmarshal(data, &prefixes); err != nil {
		return nil, fmt.Errorf("parse layer record: %w", err)
	}
	return prefixes, nil
}

func SavePrefixes(dir string, prefixes map[string]PrefixInfo) error {
	data, err := json.MarshalIndent(prefixes, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, layersFile), data, 0644)
}
