// Init command for the splload CLI.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gowthamrao/spl-load/pkg/loader"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the warehouse schema",
	Long:  `Create all production, staging and tracking tables in the configured database. Safe to run repeatedly.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ldr, err := loader.New(cfg.DB)
		if err != nil {
			return &configError{err: err}
		}
		defer ldr.Close()

		if err := ldr.InitializeSchema(rootCtx); err != nil {
			return err
		}
		fmt.Println("schema initialized")
		return nil
	},
}
