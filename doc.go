// Package assetcache loads game content from a content-addressed store.
//
// Content ships as bundles: compressed containers of named objects,
// stored by content hash and listed in a manifest with their
// dependencies. Requests name a content path; the cache finds the
// bundle serving it, loads the bundle and its dependencies, and extracts
// the requested object. Paths no bundle serves are loaded as loose files
// from a Resources directory.
//
// All loading work runs on ticks of the cache's loop, so callbacks run on
// the goroutine that ticks it:
//
//	c, _ := assetcache.Open(assetcache.WithCacheDir("content"))
//	defer c.Close()
//
//	texture := assetcache.NewType("Texture2D", ".png")
//	c.RequestAsset("ui/logo.png", texture, assetcache.LaneMain, func(h assetcache.Handle) {
//	    fmt.Println(h.Payload().Name)
//	})
//	c.RunUntilIdle(ctx)
//
// Requests are admitted per lane up to the lane's limit, and callbacks
// of a lane fire in request order. Release every handle obtained from a
// request or a load; the bundles behind it are closed once nothing
// uses them.
//
// DLC packages add bundles at runtime:
//
//	c.MountDLC("dlc/desert")
//	c.PullDLC(ctx, "ghcr.io/studio/dlc/desert:v2", "")
package assetcache
