package dlc

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/aweris/assetcache/internal/compression"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

func newStore(t *testing.T, root string) *store.LocalStore {
	t.Helper()
	s, err := store.NewLocalStore(root, 0, compression.Zstd, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writePackage stores one bundle per name under dir and writes the
// package manifest.
func writePackage(t *testing.T, dir string, names ...string) []manifest.Descriptor {
	t.Helper()
	s := newStore(t, dir)

	var descs []manifest.Descriptor
	for _, name := range names {
		stored, err := s.PutBundle(&store.Bundle{
			Name:    name,
			Main:    "main",
			Entries: map[string]*store.Object{"main": {Name: name, Type: "Thing"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		descs = append(descs, manifest.Descriptor{Name: name, Hash: stored.Hash, CRC: stored.CRC, Size: stored.Size})
	}
	if err := manifest.WriteFile(filepath.Join(dir, manifest.Name), descs, manifest.JSON); err != nil {
		t.Fatal(err)
	}
	return descs
}

func newManager(t *testing.T, index *manifest.Index, opts ...Option) *Manager {
	t.Helper()
	pool := store.NewPool(1)
	t.Cleanup(pool.Close)
	return NewManager(index, newStore(t, t.TempDir()), pool, chanCompleter(make(chan func(), 8)), opts...)
}

type chanCompleter chan func()

func (c chanCompleter) Begin() func(func()) {
	return func(fn func()) { c <- fn }
}

func TestMountMergesFragment(t *testing.T) {
	root := t.TempDir()
	descs := writePackage(t, filepath.Join(root, "extra"), "maps/desert", "base/ui")

	index := manifest.NewIndex([]manifest.Descriptor{{Name: "base/ui", Hash: "basehash"}})
	m := newManager(t, index)

	n, err := m.MountAll(root)
	if err != nil {
		t.Fatalf("MountAll: %v", err)
	}
	if n != 1 {
		t.Fatalf("mounted %d packages, want 1", n)
	}

	desert, ok := index.Find("maps/desert/sand.png")
	if !ok || !desert.DLC {
		t.Fatalf("merged descriptor = %+v, %v", desert, ok)
	}
	ui, _ := index.Find("base/ui")
	if ui.Hash != "basehash" || ui.DLC {
		t.Error("package replaced a base descriptor")
	}
	if !m.Contains(descs[0].Hash) {
		t.Error("Contains missed a package object")
	}
	if m.Contains("0000") {
		t.Error("Contains reported an unknown hash")
	}

	if _, err := m.Mount(filepath.Join(root, "extra")); err != nil {
		t.Fatal(err)
	}
	if len(m.Packages()) != 1 {
		t.Error("mounting twice registered the package twice")
	}
}

func TestOpenHoldsMountUntilUnloaded(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pack")
	writePackage(t, dir, "maps/desert")
	index := manifest.NewIndex(nil)
	m := newManager(t, index)
	if _, err := m.Mount(dir); err != nil {
		t.Fatal(err)
	}

	desc, _ := index.Lookup("maps/desert")
	b, err := m.Open(desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.Name != "maps/desert" {
		t.Errorf("bundle = %q", b.Name)
	}
	if !slices.Equal(m.Mounted(), []string{"pack"}) {
		t.Errorf("Mounted = %v", m.Mounted())
	}

	m.Unloaded(desc)
	if len(m.Mounted()) != 0 {
		t.Errorf("Mounted after unload = %v", m.Mounted())
	}
}

func TestMountLimitFallsBackToMemory(t *testing.T) {
	root := t.TempDir()
	writePackage(t, filepath.Join(root, "a"), "a/bundle")
	writePackage(t, filepath.Join(root, "b"), "b/bundle")

	index := manifest.NewIndex(nil)
	m := newManager(t, index, WithMaxMounted(1))
	if _, err := m.MountAll(root); err != nil {
		t.Fatal(err)
	}

	a, _ := index.Lookup("a/bundle")
	b, _ := index.Lookup("b/bundle")
	if _, err := m.Open(a); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(b); err != nil {
		t.Fatalf("Open over limit: %v", err)
	}

	if !slices.Equal(m.Mounted(), []string{"a"}) {
		t.Errorf("Mounted = %v, want only a", m.Mounted())
	}
	infos := m.Packages()
	if infos[1].InMemory != 1 {
		t.Errorf("package b in memory = %d, want 1", infos[1].InMemory)
	}

	m.Unloaded(b)
	if m.Packages()[1].InMemory != 0 {
		t.Error("memory copy kept after unload")
	}
	if !slices.Equal(m.Mounted(), []string{"a"}) {
		t.Errorf("unloading b changed mounts: %v", m.Mounted())
	}
}

func TestOpenAsync(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pack")
	writePackage(t, dir, "maps/desert")
	index := manifest.NewIndex(nil)

	pool := store.NewPool(1)
	defer pool.Close()
	posted := make(chan func(), 1)
	m := NewManager(index, newStore(t, t.TempDir()), pool, chanCompleter(posted))
	if _, err := m.Mount(dir); err != nil {
		t.Fatal(err)
	}

	desc, _ := index.Lookup("maps/desert")
	var got *store.Bundle
	m.OpenAsync(desc, func(b *store.Bundle, err error) {
		if err != nil {
			t.Errorf("OpenAsync: %v", err)
		}
		got = b
	})

	select {
	case fn := <-posted:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	if got == nil {
		t.Error("no bundle")
	}
}

func TestOpenUnknown(t *testing.T) {
	m := newManager(t, manifest.NewIndex(nil))
	_, err := m.Open(&manifest.Descriptor{Name: "x", Hash: "abcd"})
	if !errors.Is(err, ErrNotInPackage) {
		t.Errorf("err = %v, want ErrNotInPackage", err)
	}
}
