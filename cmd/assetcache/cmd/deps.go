package cmd

import (
	"fmt"

	"github.com/disiqueira/gotree/v3"
	"github.com/spf13/cobra"

	"github.com/aweris/assetcache/internal/manifest"
)

var depsCmd = &cobra.Command{
	Use:   "deps <path>",
	Short: "Show the dependency tree of a bundle",
	Long:  "Print the bundle serving a content path and everything it depends on. Bundles already shown are marked instead of repeated.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeps,
}

func init() {
	rootCmd.AddCommand(depsCmd)
}

func runDeps(cmd *cobra.Command, args []string) (err error) {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	root, ok := c.Lookup(args[0])
	if !ok {
		return fmt.Errorf("no bundle serves %s", args[0])
	}

	index := manifest.NewIndex(c.Descriptors())
	tree := gotree.New(root.Name)
	seen := map[string]bool{root.Name: true}
	addDeps(tree, index, root.Dependencies, seen)

	fmt.Print(tree.Print())
	return nil
}

func addDeps(parent gotree.Tree, index *manifest.Index, deps []string, seen map[string]bool) {
	for _, name := range deps {
		d, ok := index.Lookup(name)
		if !ok {
			parent.Add(name + " (missing)")
			continue
		}
		if seen[d.Name] {
			parent.Add(d.Name + " (seen)")
			continue
		}
		seen[d.Name] = true
		addDeps(parent.Add(d.Name), index, d.Dependencies, seen)
	}
}
