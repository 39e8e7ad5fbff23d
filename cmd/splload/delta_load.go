// Delta-load command for the splload CLI.
package main

import (
	"github.com/spf13/cobra"

	"github.com/gowthamrao/spl-load/pkg/loader"
)

var flagDeltaSource string

var deltaLoadCmd = &cobra.Command{
	Use:   "delta-load",
	Short: "Apply new SPL archives incrementally",
	Long: `Run the pipeline in DELTA mode: download or scan for archives not yet
in the processed ledger, upsert their documents, and recompute latest-version
flags for the affected label sets.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoad(rootCtx, loader.ModeDelta, flagDeltaSource)
	},
}

func init() {
	deltaLoadCmd.Flags().StringVar(&flagDeltaSource, "source", "", "directory of local .zip archives")
}
