// Package store implements the on-disk content store and the bundle open
// primitive.
//
// Bundles are stored by content hash, git-style sharded:
//
//	root/
//	  manifest.json
//	  objects/
//	    ab/cd123...  (stored bundle bytes, optionally zstd or lz4 framed)
//
// A stored bundle decodes to a CBOR container holding named objects.
package store

import (
	"errors"
	"path"
	"strings"
)

var (
	ErrNotFound  = errors.New("store: object not found")
	ErrIntegrity = errors.New("store: integrity check failed")
)

// Object is one loadable asset inside a bundle. Composite objects carry
// their attached components keyed by type name.
type Object struct {
	Name       string             `cbor:"name"`
	Type       string             `cbor:"type,omitempty"`
	Data       []byte             `cbor:"data,omitempty"`
	Components map[string]*Object `cbor:"components,omitempty"`
}

// Component returns the component of the given type attached to o.
func (o *Object) Component(typeName string) (*Object, bool) {
	if o == nil {
		return nil, false
	}
	c, ok := o.Components[typeName]
	return c, ok
}

// Bundle is an opened container of objects.
type Bundle struct {
	Name    string             `cbor:"name"`
	Scene   bool               `cbor:"scene,omitempty"`
	Main    string             `cbor:"main,omitempty"`
	Entries map[string]*Object `cbor:"entries,omitempty"`
}

// Asset returns the entry named name. Names compare case-insensitively
// and with or without their extension. match, when non-nil, filters
// candidates by their object type.
func (b *Bundle) Asset(name string, match func(typeName string) bool) (*Object, bool) {
	if b == nil {
		return nil, false
	}
	want := strings.ToLower(name)
	wantStem := stem(want)

	var (
		fallback    *Object
		fallbackKey string
	)
	for key, obj := range b.Entries {
		k := strings.ToLower(key)
		if k != want && stem(k) != wantStem {
			continue
		}
		if match != nil && !match(obj.Type) {
			continue
		}
		if k == want {
			return obj, true
		}
		if fallback == nil || key < fallbackKey {
			fallback, fallbackKey = obj, key
		}
	}
	return fallback, fallback != nil
}

// MainAsset returns the bundle's top-level object.
func (b *Bundle) MainAsset(match func(typeName string) bool) (*Object, bool) {
	if b == nil {
		return nil, false
	}
	if b.Main != "" {
		return b.Asset(b.Main, match)
	}
	if len(b.Entries) == 1 {
		for _, obj := range b.Entries {
			if match == nil || match(obj.Type) {
				return obj, true
			}
		}
	}
	return nil, false
}

// Close drops the bundle's entries. Objects already handed out stay
// valid for their holders.
func (b *Bundle) Close() {
	if b != nil {
		b.Entries = nil
	}
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
