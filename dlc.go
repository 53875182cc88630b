package assetcache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aweris/assetcache/internal/remote"
)

// MountDLC mounts the package in dir. Its bundles become loadable and
// its descriptors are added where the store has none of the same name.
func (c *Cache) MountDLC(dir string) (Package, error) {
	p, err := c.dlc.Mount(expandPath(dir))
	if err != nil {
		return Package{}, err
	}
	for _, info := range c.dlc.Packages() {
		if info.Dir == p.Dir {
			return info, nil
		}
	}
	return Package{Label: p.Label, Dir: p.Dir}, nil
}

// Packages lists mounted DLC packages.
func (c *Cache) Packages() []Package { return c.dlc.Packages() }

// DLCDir is where pulled packages are stored.
func (c *Cache) DLCDir() string {
	if c.opts.DLCDir != "" {
		return expandPath(c.opts.DLCDir)
	}
	return filepath.Join(c.store.Root(), "dlc")
}

func (c *Cache) remote(ref string) (*remote.OCIRemote, error) {
	if ref == "" {
		return nil, ErrNoRemote
	}
	auth := c.opts.Auth
	if auth == nil {
		auth = remote.NewEnvAuthenticator("")
	}
	r, err := remote.NewOCIRemote(ref, auth)
	if err != nil {
		return nil, err
	}
	r.SetConcurrency(c.opts.Concurrency)
	r.SetLogger(c.logger)
	return r, nil
}

// PushDLC publishes the package in dir to the image ref. Only objects
// changed since the last push from dir are uploaded.
func (c *Cache) PushDLC(ctx context.Context, ref, dir string) error {
	r, err := c.remote(ref)
	if err != nil {
		return err
	}

	dir = expandPath(dir)
	pkg, err := remote.ReadPackage(dir)
	if err != nil {
		return err
	}
	known, err := remote.LoadPrefixes(dir)
	if err != nil {
		return err
	}
	prefixes, err := r.Push(ctx, pkg, known)
	if err != nil {
		return fmt.Errorf("push %s: %w", pkg.Label, err)
	}
	return remote.SavePrefixes(dir, prefixes)
}

// PullDLC fetches the package published at ref into DLCDir/label and
// mounts it. An empty label uses the last element of the repository
// path. Pulling a package already present only downloads what changed.
func (c *Cache) PullDLC(ctx context.Context, ref string, label string) (Package, error) {
	r, err := c.remote(ref)
	if err != nil {
		return Package{}, err
	}
	if label == "" {
		label = filepath.Base(r.Repository())
	}

	dir := filepath.Join(c.DLCDir(), label)
	known, err := remote.LoadPrefixes(dir)
	if err != nil {
		return Package{}, err
	}
	pkg, prefixes, err := r.Pull(ctx, known)
	if err != nil {
		return Package{}, fmt.Errorf("pull %s: %w", ref, err)
	}
	if err := pkg.Write(dir); err != nil {
		return Package{}, err
	}
	if err := remote.SavePrefixes(dir, prefixes); err != nil {
		return Package{}, err
	}
	return c.MountDLC(dir)
}
