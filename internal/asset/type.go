package asset

import (
	"path"
	"slices"
	"strings"

	"github.com/aweris/assetcache/internal/store"
)

// Object is a loaded asset payload.
type Object = store.Object

// Shape tells how a payload of a type is obtained from stored content.
type Shape int

const (
	// Direct types are stored as objects of their own.
	Direct Shape = iota
	// Component types are attached to a composite object of their
	// owner's type and are fetched from it after loading.
	Component
)

// Type is a tag naming the kind of asset a caller wants. Types form a
// tree: a request for a type accepts stored objects of that type or of
// any type derived from it.
type Type struct {
	Name       string
	Shape      Shape
	Extensions []string

	base     *Type
	owner    *Type
	children []*Type
}

// NewType declares a root type. Extensions are used when searching loose
// resource files.
func NewType(name string, extensions ...string) *Type {
	return &Type{Name: name, Extensions: normalizeExtensions(extensions)}
}

// Derive declares a subtype of t.
func (t *Type) Derive(name string, extensions ...string) *Type {
	child := &Type{Name: name, Extensions: normalizeExtensions(extensions), base: t}
	if len(child.Extensions) == 0 {
		child.Extensions = t.Extensions
	}
	t.children = append(t.children, child)
	return child
}

// NewComponentType declares a type that lives as a component on objects
// of the owner type.
func NewComponentType(name string, owner *Type) *Type {
	return &Type{Name: name, Shape: Component, owner: owner, Extensions: owner.Extensions}
}

// Base returns the type t derives from, or nil.
func (t *Type) Base() *Type { return t.base }

// Is reports whether t is other or derives from it.
func (t *Type) Is(other *Type) bool {
	for cur := t; cur != nil; cur = cur.base {
		if cur == other {
			return true
		}
	}
	return false
}

// StoredAs returns the type of the object that has to be loaded to
// produce a value of t.
func (t *Type) StoredAs() *Type {
	if t.Shape == Component && t.owner != nil {
		return t.owner
	}
	return t
}

// Accepts reports whether a stored object with the given type name can
// serve a request for t. Untyped objects are accepted.
func (t *Type) Accepts(typeName string) bool {
	if typeName == "" {
		return true
	}
	stack := []*Type{t}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if strings.EqualFold(cur.Name, typeName) {
			return true
		}
		stack = append(stack, cur.children...)
	}
	return false
}

// HasExtension reports whether a file name carries one of t's
// extensions. A type without extensions accepts every file.
func (t *Type) HasExtension(name string) bool {
	if len(t.Extensions) == 0 {
		return true
	}
	return slices.Contains(t.Extensions, strings.ToLower(path.Ext(name)))
}

func (t *Type) String() string {
	if t == nil {
		return "<none>"
	}
	return t.Name
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
