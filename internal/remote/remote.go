// Package remote distributes DLC packages through OCI registries.
//
// A package is pushed as an image whose layers each carry a group of
// stored objects, grouped by hash prefix. Republishing a package only
// uploads the groups that changed.
//
// Based on go-containerregistry patterns:
//   - Authentication via keychain
//   - Upload ordering: layers → config → manifest
//   - Standard OCI distribution API
package remote

import (
	"context"
	"errors"
)

var ErrNoRemote = errors.New("no remote configured")

// Remote moves packages to and from a registry.
type Remote interface {
	// Push uploads pkg. known maps prefixes to the layers already
	// published; only changed prefixes are uploaded.
	Push(ctx context.Context, pkg *Package, known map[string]PrefixInfo) (map[string]PrefixInfo, error)

	// Pull downloads the prefixes that differ from known.
	Pull(ctx context.Context, known map[string]PrefixInfo) (*Package, map[string]PrefixInfo, error)
}
