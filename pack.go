package assetcache

import (
	"github.com/aweris/assetcache/internal/compression"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/pack"
	"github.com/aweris/assetcache/internal/store"
)

// Pack builds the content store in the cache directory from the bundle
// directories under src and writes its manifest. A directory is a bundle
// when it holds a bundle.json. Bundles are zstd compressed.
func Pack(src string, opts ...Option) (descs []Descriptor, err error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	st, err := store.NewLocalStore(expandPath(options.CacheDir), 0, compression.Zstd, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	descs, err = pack.NewBuilder(st, options.Logger).Build(expandPath(src))
	if err != nil {
		return nil, err
	}
	if err := manifest.WriteFile(st.ManifestPath(), descs, manifest.JSON); err != nil {
		return nil, err
	}
	return descs, nil
}
