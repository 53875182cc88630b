package store

import (
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/assetcache/internal/codec"
	"github.com/aweris/assetcache/internal/compression"
	"github.com/aweris/assetcache/internal/manifest"
)

// LocalStore is a content store rooted at a directory.
type LocalStore struct {
	root       string
	cache      Cache
	compressor *compression.Compressor
}

// Stored describes bytes written by Put.
type Stored struct {
	Hash string
	CRC  uint32
	Size int64
}

func NewLocalStore(root string, cacheSize int, algorithm compression.Algorithm, level int) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	compressor, err := compression.NewCompressor(algorithm, level)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	return &LocalStore{
		root:       root,
		cache:      NewLRUCache(cacheSize),
		compressor: compressor,
	}, nil
}

func (s *LocalStore) Root() string { return s.root }

// ManifestPath is where the store's manifest lives.
func (s *LocalStore) ManifestPath() string {
	return filepath.Join(s.root, manifest.Name)
}

// ObjectPath returns the file path for a content hash.
func (s *LocalStore) ObjectPath(hash string) string {
	return ObjectPath(s.root, hash)
}

// ObjectPath returns where a store rooted at root keeps hash.
// Git-style sharding: objects/ab/cd123...
func ObjectPath(root, hash string) string {
	hash = strings.ToLower(hash)
	if len(hash) < 4 {
		return filepath.Join(root, "objects", hash)
	}
	return filepath.Join(root, "objects", hash[:2], hash[2:])
}

// Has reports whether the object exists on disk.
func (s *LocalStore) Has(hash string) bool {
	if s.cache.Has(hash) {
		return true
	}
	_, err := os.Stat(s.ObjectPath(hash))
	return err == nil
}

// ReadRaw returns the stored (possibly framed) bytes of an object.
func (s *LocalStore) ReadRaw(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.ObjectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Put compresses data, stores it under the hash of the stored bytes and
// returns what a manifest descriptor needs to reference it.
func (s *LocalStore) Put(data []byte) (Stored, error) {
	framed, err := s.compressor.Compress(data)
	if err != nil {
		return Stored{}, fmt.Errorf("compress object: %w", err)
	}
	return s.PutRaw(framed)
}

// PutRaw stores already framed bytes as is.
func (s *LocalStore) PutRaw(framed []byte) (Stored, error) {
	stored := Stored{
		Hash: manifest.ContentHash(framed),
		CRC:  manifest.Checksum(framed),
		Size: int64(len(framed)),
	}

	path := s.ObjectPath(stored.Hash)
	if _, err := os.Stat(path); err == nil {
		return stored, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Stored{}, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(path, framed, 0644); err != nil {
		return Stored{}, fmt.Errorf("write object: %w", err)
	}
	return stored, nil
}

// PutBundle encodes and stores a bundle container.
func (s *LocalStore) PutBundle(b *Bundle) (Stored, error) {
	data, err := codec.Marshal(b)
	if err != nil {
		return Stored{}, fmt.Errorf("encode bundle %s: %w", b.Name, err)
	}
	return s.Put(data)
}

// OpenBundle reads, verifies and decodes the bundle a descriptor points
// at.
func (s *LocalStore) OpenBundle(desc *manifest.Descriptor) (*Bundle, error) {
	if data, ok := s.cache.Get(desc.Hash); ok {
		return decodeBundle(data, desc)
	}

	raw, err := s.ReadRaw(desc.Hash)
	if err != nil {
		return nil, err
	}
	data, err := s.Unframe(raw, desc)
	if err != nil {
		return nil, err
	}
	s.cache.Add(desc.Hash, data)
	return decodeBundle(data, desc)
}

// DecodeBundle verifies and decodes stored bundle bytes obtained from
// somewhere other than this store, such as a DLC package read into
// memory.
func (s *LocalStore) DecodeBundle(raw []byte, desc *manifest.Descriptor) (*Bundle, error) {
	data, err := s.Unframe(raw, desc)
	if err != nil {
		return nil, err
	}
	return decodeBundle(data, desc)
}

// Unframe checks the integrity code of stored bytes and removes the
// compression frame.
func (s *LocalStore) Unframe(raw []byte, desc *manifest.Descriptor) ([]byte, error) {
	if desc.CRC != 0 {
		if got := manifest.Checksum(raw); got != desc.CRC {
			return nil, fmt.Errorf("%w: %s crc %08x, want %08x", ErrIntegrity, desc.Name, got, desc.CRC)
		}
	}
	data, err := s.compressor.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIntegrity, desc.Name, err)
	}
	return data, nil
}

func decodeBundle(data []byte, desc *manifest.Descriptor) (*Bundle, error) {
	var b Bundle
	if err := codec.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: decode bundle %s: %v", ErrIntegrity, desc.Name, err)
	}
	if b.Name == "" {
		b.Name = desc.Name
	}
	return &b, nil
}

// Objects iterates the hashes of every stored object.
func (s *LocalStore) Objects() iter.Seq[string] {
	return Objects(s.root)
}

// Objects iterates the hashes stored under a store root.
func Objects(root string) iter.Seq[string] {
	return func(yield func(string) bool) {
		base := filepath.Join(root, "objects")
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return nil
			}
			if !yield(strings.ReplaceAll(filepath.ToSlash(rel), "/", "")) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Evict removes an object from the read cache (not from disk).
func (s *LocalStore) Evict(hash string) {
	s.cache.Remove(hash)
}

func (s *LocalStore) Close() error {
	s.cache.Clear()
	return s.compressor.Close()
}
