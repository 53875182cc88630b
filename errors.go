package assetcache

import (
	"errors"

	"github.com/aweris/assetcache/internal/bundle"
	"github.com/aweris/assetcache/internal/dlc"
	"github.com/aweris/assetcache/internal/remote"
	"github.com/aweris/assetcache/internal/scheduler"
	"github.com/aweris/assetcache/internal/store"
)

var (
	ErrNotFound = store.ErrNotFound
	// ErrIntegrity is reported when stored bytes fail their checksum or
	// cannot be decompressed.
	ErrIntegrity = store.ErrIntegrity
	// ErrNoContent is returned when nothing can serve a requested path.
	ErrNoContent = scheduler.ErrNoContent
	// ErrLoadInFlight is returned by a synchronous load of content that
	// is loading asynchronously.
	ErrLoadInFlight = bundle.ErrLoadInFlight
	ErrInvalidLane  = scheduler.ErrInvalidLane
	ErrNotInPackage = dlc.ErrNotInPackage
	ErrNoRemote     = remote.ErrNoRemote
	ErrClosed       = errors.New("assetcache: cache closed")
)
