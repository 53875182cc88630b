package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aweris/assetcache/internal/compression"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/pack"
	"github.com/aweris/assetcache/internal/store"
)

var packCmd = &cobra.Command{
	Use:   "pack <src>",
	Short: "Build a content store from bundle directories",
	Long:  "Pack every directory under src that holds a bundle.json into a content store and write its manifest. The store defaults to the cache directory.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPack,
}

func init() {
	packCmd.Flags().StringP("out", "o", "", "store directory (default: cache directory)")
	packCmd.Flags().String("compression", "zstd", "bundle compression: zstd, lz4 or none")
	packCmd.Flags().Int("level", 0, "compression level (1 fastest, 3 best)")
	packCmd.Flags().String("format", "json", "manifest format: json or cbor")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) (err error) {
	out, _ := cmd.Flags().GetString("out")
	algoName, _ := cmd.Flags().GetString("compression")
	level, _ := cmd.Flags().GetInt("level")
	formatName, _ := cmd.Flags().GetString("format")

	if out == "" {
		out = getCacheDir()
	}
	algo, err := compression.ParseAlgorithm(algoName)
	if err != nil {
		return err
	}
	var format manifest.Format
	switch formatName {
	case "json":
		format = manifest.JSON
	case "cbor":
		format = manifest.CBOR
	default:
		return fmt.Errorf("unknown manifest format %q", formatName)
	}

	st, err := store.NewLocalStore(out, 0, algo, level)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	logger := newLogger()
	descs, err := pack.NewBuilder(st, logger).Build(args[0])
	if err != nil {
		return err
	}
	path := filepath.Join(out, manifest.Name)
	if err := manifest.WriteFile(path, descs, format); err != nil {
		return err
	}

	for _, p := range manifest.Validate(manifest.NewIndex(descs)) {
		logger.Warn("manifest problem", "bundle", p.Name, "problem", p.Reason)
	}

	var total int64
	for _, d := range descs {
		total += d.Size
	}
	fmt.Fprintf(os.Stderr, "Packed %d bundles (%d bytes) into %s\n", len(descs), total, out)
	return nil
}
