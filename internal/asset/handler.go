// Package asset implements asset handlers: the per-path units a caller
// requests. A handler is backed by a content bundle, by a loose resource
// file, or is an empty placeholder used during development.
package asset

import (
	"fmt"
	"log/slog"

	"github.com/aweris/assetcache/internal/bundle"
	"github.com/aweris/assetcache/internal/manifest"
)

type Status int

const (
	None Status = iota
	Loading
	Completed
)

func (s Status) String() string {
	switch s {
	case None:
		return "none"
	case Loading:
		return "loading"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Handler is one requested asset.
type Handler interface {
	Path() string
	// Type is nil for bundle-only and scene requests.
	Type() *Type
	Status() Status
	// Payload is nil until completed, and stays nil when the content
	// could not be loaded or the request carries no payload.
	Payload() *Object

	RefCount() int
	Retain()
	// Release drops one reference and returns the remaining count. It
	// never goes below zero.
	Release() int
	Pinned() bool
	SetPinned(bool)
	Lane() int
	SetLane(int)

	// Bundled reports whether the handler is backed by a content bundle.
	Bundled() bool

	LoadSync() error
	// LoadAsync starts loading. onLoaded runs on a later tick.
	LoadAsync(onLoaded func())
	// Unload drops the payload and any bundle references. Calling it
	// more than once has no further effect.
	Unload()
}

// Env is what every handler needs from its surroundings.
type Env struct {
	Table     *bundle.Table
	Resources ResourceLoader
	Loop      bundle.Deferrer
	Logger    *slog.Logger

	Development bool
	// Expected, when set in development, lists the content names the
	// shipped build will contain. Loads outside it are reported.
	Expected *manifest.Index
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Env) defect(msg string, args ...any) {
	if e.Development {
		e.logger().Error(msg, args...)
		return
	}
	e.logger().Warn(msg, args...)
}

func (e *Env) checkExpected(path string) {
	if !e.Development || e.Expected == nil {
		return
	}
	if _, ok := e.Expected.Find(path); !ok {
		e.logger().Error("content not registered for build", "path", path)
	}
}

// Base carries the state shared by every handler variant.
type Base struct {
	env     *Env
	path    string
	typ     *Type
	status  Status
	refs    int
	pinned  bool
	lane    int
	payload *Object
	// gen counts unloads. An async continuation started under an older
	// generation is stale and must not complete the handler.
	gen int
}

func newBase(env *Env, path string, typ *Type) Base {
	return Base{env: env, path: manifest.NormalizePath(path), typ: typ, refs: 1}
}

func (b *Base) Path() string     { return b.path }
func (b *Base) Type() *Type      { return b.typ }
func (b *Base) Status() Status   { return b.status }
func (b *Base) Payload() *Object { return b.payload }
func (b *Base) RefCount() int    { return b.refs }
func (b *Base) Retain()          { b.refs++ }
func (b *Base) Pinned() bool     { return b.pinned }
func (b *Base) SetPinned(p bool) { b.pinned = p }
func (b *Base) Lane() int        { return b.lane }
func (b *Base) SetLane(lane int) { b.lane = lane }

func (b *Base) Release() int {
	if b.refs > 0 {
		b.refs--
	}
	return b.refs
}

func (b *Base) inFlight() error {
	return fmt.Errorf("%w: asset %s", bundle.ErrLoadInFlight, b.path)
}

// complete stores the payload, unwrapping component types.
func (b *Base) complete(obj *Object) {
	if obj != nil && b.typ != nil && b.typ.Shape == Component {
		c, ok := obj.Component(b.typ.Name)
		if !ok {
			b.env.defect("component missing", "path", b.path, "type", b.typ.Name)
		}
		obj = c
	}
	b.payload = obj
	b.status = Completed
}

// begin marks the handler loading and returns the generation its
// continuation has to match.
func (b *Base) begin() int {
	b.status = Loading
	return b.gen
}

func (b *Base) current(gen int) bool { return b.gen == gen }

func (b *Base) reset() {
	b.payload = nil
	b.status = None
	b.gen++
}
