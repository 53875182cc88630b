package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sourcegraph/conc/pool"
)

const DefaultConcurrency = 4

const (
	labelPackage  = "dev.assetcache.package"
	labelPrefixes = "dev.assetcache.prefixes"
)

type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
	logger      *slog.Logger
}

// NewOCIRemote creates a remote from a standard Docker ref (e.g., "ghcr.io/studio/dlc/desert:v2")
func NewOCIRemote(imageRef string, auth Authenticator) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	return &OCIRemote{
		ref:         ref,
		auth:        auth,
		concurrency: DefaultConcurrency,
		logger:      slog.New(slog.DiscardHandler),
	}, nil
}

// SetConcurrency sets the number of parallel operations for push/pull
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

func (r *OCIRemote) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }
func (r *OCIRemote) Tag() string      { return r.ref.Identifier() }

// Repository is the repository path without registry or tag.
func (r *OCIRemote) Repository() string { return r.ref.Context().RepositoryStr() }

// WithTag returns a new OCIRemote with a different tag
func (r *OCIRemote) WithTag(tag string) (*OCIRemote, error) {
	newRef, err := name.NewTag(r.ref.Context().String()+":"+tag, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, err
	}
	return &OCIRemote{ref: newRef, auth: r.auth, concurrency: r.concurrency, logger: r.logger}, nil
}

// blobLayer implements v1.Layer with zstd compression for remote transfer
type blobLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newBlobLayer(data []byte) *blobLayer {
	return &blobLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *blobLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *blobLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *blobLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *blobLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *blobLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// changedPrefixes returns the prefix hashes of byPrefix and the prefixes
// whose hash differs from known.
func changedPrefixes(byPrefix map[string]map[string][]byte, known map[string]PrefixInfo) (map[string]string, []string) {
	hashes := make(map[string]string, len(byPrefix))
	var changed []string
	for prefix, blobs := range byPrefix {
		hashes[prefix] = PrefixHash(blobs)
		if info, ok := known[prefix]; !ok || info.Hash != hashes[prefix] {
			changed = append(changed, prefix)
		}
	}
	return hashes, changed
}

// Push uploads a package incrementally based on prefix hashes
func (r *OCIRemote) Push(ctx context.Context, pkg *Package, known map[string]PrefixInfo) (map[string]PrefixInfo, error) {
	blobs := pkg.blobs()
	byPrefix := GroupByPrefix(blobs)
	hashes, changed := changedPrefixes(byPrefix, known)

	r.logger.Info("push", "ref", r.String(), "package", pkg.Label, "blobs", len(blobs), "prefixes", len(byPrefix), "changed", len(changed))

	// Unchanged prefixes keep their published layer.
	prefixes := make(map[string]PrefixInfo)
	for prefix, info := range known {
		if _, exists := hashes[prefix]; exists {
			prefixes[prefix] = info
		}
	}

	changedByPrefix := make(map[string]map[string][]byte, len(changed))
	for _, prefix := range changed {
		changedByPrefix[prefix] = byPrefix[prefix]
	}
	plan := BuildLayerPlan(CalculatePrefixSizes(changedByPrefix))

	layers := make([]v1.Layer, 0, len(plan))
	var totalRaw, totalCompressed int64
	for _, group := range plan {
		data, err := PackLayer(CollectPrefixBlobs(group, changedByPrefix))
		if err != nil {
			return nil, err
		}
		layer := newBlobLayer(data)
		digest, err := layer.Digest()
		if err != nil {
			return nil, fmt.Errorf("layer digest: %w", err)
		}
		totalRaw += int64(len(data))
		totalCompressed += int64(len(layer.compressed))

		layers = append(layers, layer)
		for _, prefix := range group {
			prefixes[prefix] = PrefixInfo{Hash: hashes[prefix], Layer: digest.String()}
		}
	}

	if len(layers) > 0 {
		r.logger.Info("uploading layers", "layers", len(layers), "raw_bytes", totalRaw, "compressed_bytes", totalCompressed)
	} else {
		r.logger.Info("no changes, updating manifest only")
	}

	// Layers still referenced from the previous image are carried over so
	// the new image stays complete.
	carried, err := r.carriedLayers(ctx, prefixes, layers)
	if err != nil {
		return nil, err
	}

	img, err := r.buildImage(append(carried, layers...), pkg.Label, prefixes)
	if err != nil {
		return nil, fmt.Errorf("build image: %w", err)
	}
	if err := r.pushImage(ctx, img); err != nil {
		return nil, fmt.Errorf("push image: %w", err)
	}

	r.logger.Info("push done", "ref", r.String())
	return prefixes, nil
}

// carriedLayers fetches, from the image currently at the ref, the layers
// that prefixes still point at but that are not being uploaded now.
func (r *OCIRemote) carriedLayers(ctx context.Context, prefixes map[string]PrefixInfo, fresh []v1.Layer) ([]v1.Layer, error) {
	wanted := make(map[string]bool)
	for _, info := range prefixes {
		wanted[info.Layer] = true
	}
	for _, l := range fresh {
		if d, err := l.Digest(); err == nil {
			delete(wanted, d.String())
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch previous image: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	var carried []v1.Layer
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			continue
		}
		if wanted[d.String()] {
			carried = append(carried, l)
			delete(wanted, d.String())
		}
	}
	if len(wanted) > 0 {
		return nil, fmt.Errorf("previous image lacks %d recorded layers", len(wanted))
	}
	return carried, nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, label string, prefixes map[string]PrefixInfo) (v1.Image, error) {
	img := empty.Image

	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}

	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return nil, err
	}

	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{
		labelPackage:  label,
		labelPrefixes: string(prefixJSON),
	}

	return mutate.ConfigFile(img, cfg)
}

func (r *OCIRemote) pushImage(ctx context.Context, img v1.Image) error {
	options := r.remoteOptions(ctx)
	options = append(options, remote.WithJobs(r.concurrency))
	_, err := retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	return err
}

// Pull downloads a package incrementally based on prefix hashes. The
// returned package holds only the objects of changed prefixes, and the
// manifest only if it changed.
func (r *OCIRemote) Pull(ctx context.Context, known map[string]PrefixInfo) (*Package, map[string]PrefixInfo, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, nil, fmt.Errorf("get config: %w", err)
	}

	label, ok := cfg.Config.Labels[labelPackage]
	if !ok {
		return nil, nil, fmt.Errorf("missing %s label", labelPackage)
	}

	var remotePrefixes map[string]PrefixInfo
	if prefixJSON := cfg.Config.Labels[labelPrefixes]; prefixJSON != "" {
		if err := json.Unmarshal([]byte(prefixJSON), &remotePrefixes); err != nil {
			return nil, nil, fmt.Errorf("parse prefixes: %w", err)
		}
	}

	needed := make(map[string]bool)
	for prefix, info := range remotePrefixes {
		if local, exists := known[prefix]; !exists || local.Hash != info.Hash {
			needed[info.Layer] = true
		}
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, nil, fmt.Errorf("get layers: %w", err)
	}

	var download []v1.Layer
	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			continue
		}
		if needed[digest.String()] {
			download = append(download, layer)
		}
	}

	r.logger.Info("pull", "ref", r.String(), "package", label, "layers", len(download), "of", len(layers))

	var mu sync.Mutex
	blobs := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()

	for _, layer := range download {
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}
			data, err := io.ReadAll(rc)
			if cerr := rc.Close(); cerr != nil {
				return fmt.Errorf("close layer: %w", cerr)
			}
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}

			unpacked, err := UnpackLayer(data)
			if err != nil {
				return err
			}

			mu.Lock()
			maps.Copy(blobs, unpacked)
			mu.Unlock()
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, nil, err
	}

	r.logger.Info("pull done", "blobs", len(blobs))
	return packageFromBlobs(label, blobs), remotePrefixes, nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	auth, err := keychainAuth(r.auth, r.ref.Context())
	if err != nil {
		r.logger.Warn("resolve registry credentials", "registry", r.Registry(), "error", err)
		return opts
	}
	return append(opts, remote.WithAuth(auth))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
