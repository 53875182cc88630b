package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aweris/assetcache"
)

var loadCmd = &cobra.Command{
	Use:   "load <path>...",
	Short: "Load assets and report the result",
	Long:  "Request every path on one lane, run the loader until it settles and print what each request produced.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().String("type", "", "asset type name expected for every path")
	loadCmd.Flags().Int("lane", assetcache.LaneMain, "lane to load on")
	loadCmd.Flags().Bool("scene", false, "load paths as scenes")
	loadCmd.Flags().Bool("bundle-only", false, "load bundles without extracting assets")
	loadCmd.Flags().Duration("timeout", time.Minute, "give up after this long")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) (err error) {
	typeName, _ := cmd.Flags().GetString("type")
	lane, _ := cmd.Flags().GetInt("lane")
	scene, _ := cmd.Flags().GetBool("scene")
	bundleOnly, _ := cmd.Flags().GetBool("bundle-only")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var typ *assetcache.Type
	if typeName != "" {
		typ = assetcache.NewType(typeName)
	}

	start := time.Now()
	report := func(h assetcache.Handle) {
		elapsed := time.Since(start).Round(time.Millisecond)
		if p := h.Payload(); p != nil {
			fmt.Printf("%s\t%s\t%s (%s, %d bytes)\n", h.Path(), elapsed, p.Name, p.Type, len(p.Data))
			return
		}
		fmt.Printf("%s\t%s\t(no payload)\n", h.Path(), elapsed)
	}

	var handles []assetcache.Handle
	for _, path := range args {
		var h assetcache.Handle
		switch {
		case bundleOnly:
			h, err = c.RequestBundleOnly(path, lane, report)
		case scene:
			h, err = c.RequestScene(path, lane, report)
		default:
			h, err = c.RequestAsset(path, typ, lane, report)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := c.RunUntilIdle(ctx); err != nil {
		return fmt.Errorf("loader did not settle: %w", err)
	}

	s := c.Stats()
	fmt.Fprintf(os.Stderr, "%d handles, %d bundles loaded, %d packages mounted\n", s.Handles, s.BundlesLoaded, s.Mounted)

	for _, h := range handles {
		c.Release(h)
		c.Unpin(h)
	}
	return nil
}
