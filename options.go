package assetcache

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aweris/assetcache/internal/remote"
	"github.com/aweris/assetcache/internal/scheduler"
	"github.com/aweris/assetcache/internal/store"
)

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// OpenOptions configures a Cache.
type OpenOptions struct {
	CacheDir      string
	Lanes         []int
	Logger        *slog.Logger
	Development   bool
	ResourceDir   string
	SourceDir     string
	IOConcurrency int
	ReadCacheSize int
	DLCDir        string
	Expected      string
	Auth          Authenticator
	Concurrency   int
}

// Option is a functional option for configuring Open.
type Option func(*OpenOptions)

func defaultOptions() *OpenOptions {
	return &OpenOptions{
		CacheDir:      defaultCacheDir(),
		Lanes:         scheduler.DefaultLanes,
		IOConcurrency: store.DefaultWorkers,
		ReadCacheSize: store.DefaultCacheSize,
		Concurrency:   remote.DefaultConcurrency,
	}
}

// WithCacheDir sets the content store directory.
func WithCacheDir(dir string) Option {
	return func(o *OpenOptions) { o.CacheDir = dir }
}

// WithLanes sets the concurrency limit of each lane. Lane 0 is the
// first limit. Limits below one are raised to one.
func WithLanes(limits ...int) Option {
	return func(o *OpenOptions) {
		if len(limits) > 0 {
			o.Lanes = limits
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *OpenOptions) { o.Logger = logger }
}

// WithDevelopment enables development behavior: placeholder scenes,
// source tree search for loose resources and louder defect reporting.
func WithDevelopment(enabled bool) Option {
	return func(o *OpenOptions) { o.Development = enabled }
}

// WithResourceDir sets the root loose resources are loaded from.
// Defaults to Resources under the cache directory.
func WithResourceDir(dir string) Option {
	return func(o *OpenOptions) { o.ResourceDir = dir }
}

// WithSourceDir sets the tree searched for loose resources during
// development.
func WithSourceDir(dir string) Option {
	return func(o *OpenOptions) { o.SourceDir = dir }
}

// WithIOConcurrency sets the number of background file readers.
func WithIOConcurrency(n int) Option {
	return func(o *OpenOptions) {
		if n > 0 {
			o.IOConcurrency = n
		}
	}
}

// WithReadCacheSize sets how many decoded bundle files are kept in
// memory for reopening.
func WithReadCacheSize(n int) Option {
	return func(o *OpenOptions) {
		if n >= 0 {
			o.ReadCacheSize = n
		}
	}
}

// WithDLCDir sets the directory whose packages are mounted on Open and
// where pulled packages are stored. Defaults to dlc under the cache
// directory.
func WithDLCDir(dir string) Option {
	return func(o *OpenOptions) { o.DLCDir = dir }
}

// WithExpected names a manifest listing the content the shipped build
// will contain. In development, loads of anything else are reported.
func WithExpected(path string) Option {
	return func(o *OpenOptions) { o.Expected = path }
}

// WithAuth sets custom registry authentication for DLC push and pull.
func WithAuth(auth Authenticator) Option {
	return func(o *OpenOptions) { o.Auth = auth }
}

// WithConcurrency sets the number of parallel registry operations.
func WithConcurrency(n int) Option {
	return func(o *OpenOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

func defaultCacheDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "assetcache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "assetcache")
	}
	return ".assetcache"
}
