package assetcache

import (
	"github.com/aweris/assetcache/internal/asset"
	"github.com/aweris/assetcache/internal/dlc"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/scheduler"
)

type (
	// Type tags the kind of asset a request expects.
	Type   = asset.Type
	Object = asset.Object
	Status = asset.Status

	Descriptor = manifest.Descriptor
	Package    = dlc.Info
)

// Handle is a live asset request. Its lifetime is managed through the
// Cache that returned it.
type Handle interface {
	Path() string
	// Type is nil for bundle-only and scene requests.
	Type() *Type
	Status() Status
	// Payload is nil until completed, and stays nil when the content
	// could not be loaded or the request carries no payload.
	Payload() *Object
	RefCount() int
}

// Callback runs once a requested handle has completed.
type Callback func(Handle)

func (fn Callback) wrap() scheduler.Callback {
	if fn == nil {
		return nil
	}
	return func(h asset.Handler) { fn(h) }
}

// public keeps a missing handler a nil Handle.
func public(h asset.Handler, err error) (Handle, error) {
	if h == nil {
		return nil, err
	}
	return h, err
}

const (
	StatusNone      = asset.None
	StatusLoading   = asset.Loading
	StatusCompleted = asset.Completed
)

const (
	Direct    = asset.Direct
	Component = asset.Component
)

// Lanes of the default configuration.
const (
	LaneMain       = 0
	LaneBackground = 1
)

// NewType declares a root asset type. Extensions are the file
// extensions loose resources of this type use.
func NewType(name string, extensions ...string) *Type {
	return asset.NewType(name, extensions...)
}

// NewComponentType declares a type found as a component attached to
// objects of owner.
func NewComponentType(name string, owner *Type) *Type {
	return asset.NewComponentType(name, owner)
}
