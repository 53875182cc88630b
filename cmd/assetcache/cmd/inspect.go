package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aweris/assetcache/internal/manifest"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [prefix]",
	Short: "List bundles in the store",
	Long:  "List the bundle descriptors of the store and mounted DLC packages, optionally filtered by name prefix, and report manifest problems.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) (err error) {
	prefix := ""
	if len(args) > 0 {
		prefix = strings.ToLower(manifest.NormalizePath(args[0]))
	}

	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHASH\tSIZE\tDEPS\tDLC")
	count := 0
	for _, d := range c.Descriptors() {
		if !strings.HasPrefix(strings.ToLower(d.Name), prefix) {
			continue
		}
		hash := d.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\n", d.Name, hash, d.Size, len(d.Dependencies), d.DLC)
		count++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if count == 0 {
		fmt.Println("(no bundles)")
	}

	for _, p := range c.Packages() {
		fmt.Printf("package %s: %d bundles, %d objects (%s)\n", p.Label, p.Descriptors, p.Objects, p.Dir)
	}

	index := manifest.NewIndex(c.Descriptors())
	for _, p := range manifest.Validate(index) {
		fmt.Fprintf(os.Stderr, "problem: %s\n", p)
	}
	return nil
}
