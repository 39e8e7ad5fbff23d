// Full-load command for the splload CLI.
package main

import (
	"github.com/spf13/cobra"

	"github.com/gowthamrao/spl-load/pkg/loader"
)

var flagFullSource string

var fullLoadCmd = &cobra.Command{
	Use:   "full-load",
	Short: "Replace the warehouse with a complete SPL release",
	Long: `Run the pipeline in FULL mode: stage every archive, then swap the
production tables in one transaction. With --source the archives are read
from a local directory; otherwise they are downloaded from the configured
source URL.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoad(rootCtx, loader.ModeFull, flagFullSource)
	},
}

func init() {
	fullLoadCmd.Flags().StringVar(&flagFullSource, "source", "", "directory of local .zip archives")
}
