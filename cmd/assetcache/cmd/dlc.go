package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dlcCmd = &cobra.Command{
	Use:   "dlc",
	Short: "Manage DLC packages",
	Long:  "Mount, publish and fetch DLC packages. A package is a directory holding manifest.json and objects/ in the store layout, as written by pack.",
}

var dlcPushCmd = &cobra.Command{
	Use:   "push <ref> <package-dir>",
	Short: "Push a package to a registry",
	Long:  "Publish a package directory as an OCI image. Only objects changed since the last push from the same directory are uploaded.",
	Args:  cobra.ExactArgs(2),
	RunE:  runDLCPush,
}

var dlcPullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull a package from a registry",
	Long:  "Fetch a package into the DLC directory and check that it mounts.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLCPull,
}

var dlcListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mounted packages",
	Args:  cobra.NoArgs,
	RunE:  runDLCList,
}

func init() {
	dlcPullCmd.Flags().String("label", "", "package directory name (default: last element of the repository)")
	dlcCmd.AddCommand(dlcPushCmd, dlcPullCmd, dlcListCmd)
	rootCmd.AddCommand(dlcCmd)
}

func runDLCPush(cmd *cobra.Command, args []string) (err error) {
	ref, dir := args[0], args[1]

	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(os.Stderr, "Pushing %s to %s...\n", dir, ref)
	if err := c.PushDLC(cmd.Context(), ref, dir); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Done.")
	return nil
}

func runDLCPull(cmd *cobra.Command, args []string) (err error) {
	label, _ := cmd.Flags().GetString("label")

	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(os.Stderr, "Pulling %s...\n", args[0])
	p, err := c.PullDLC(cmd.Context(), args[0], label)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Done. Package %s: %d bundles, %d objects in %s\n", p.Label, p.Descriptors, p.Objects, p.Dir)
	return nil
}

func runDLCList(cmd *cobra.Command, args []string) (err error) {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	packages := c.Packages()
	if len(packages) == 0 {
		fmt.Println("(no packages)")
		return nil
	}
	for _, p := range packages {
		fmt.Printf("%s\t%d bundles\t%d objects\t%s\n", p.Label, p.Descriptors, p.Objects, p.Dir)
	}
	return nil
}
