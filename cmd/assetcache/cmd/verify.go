package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/assetcache/internal/compression"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

var errVerifyFailed = errors.New("verification failed")

var verifyCmd = &cobra.Command{
	Use:   "verify [store-dir]",
	Short: "Check every bundle of a store",
	Long:  "Read, checksum and decode every bundle the manifest lists, in parallel. The store defaults to the cache directory.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

type verifyResult struct {
	name    string
	entries int
	err     error
}

func runVerify(cmd *cobra.Command, args []string) (err error) {
	dir := getCacheDir()
	if len(args) > 0 {
		dir = args[0]
	}

	st, err := store.NewLocalStore(dir, 0, compression.None, 0)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	descs, err := manifest.ReadFile(st.ManifestPath())
	if err != nil {
		return err
	}

	workers := viper.GetInt("concurrency")
	if workers <= 0 {
		workers = store.DefaultWorkers
	}
	p := pool.NewWithResults[verifyResult]().WithMaxGoroutines(workers).WithContext(cmd.Context())
	for _, d := range descs {
		p.Go(func(ctx context.Context) (verifyResult, error) {
			b, err := st.OpenBundle(&d)
			if err != nil {
				return verifyResult{name: d.Name, err: err}, nil
			}
			return verifyResult{name: d.Name, entries: len(b.Entries)}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", r.name, r.err)
			failed++
		}
	}

	problems := manifest.Validate(manifest.NewIndex(descs))
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "problem: %s\n", p)
	}

	fmt.Fprintf(os.Stderr, "%d bundles checked, %d failed, %d manifest problems\n", len(results), failed, len(problems))
	if failed > 0 {
		return fmt.Errorf("%w: %d bundles", errVerifyFailed, failed)
	}
	return nil
}
