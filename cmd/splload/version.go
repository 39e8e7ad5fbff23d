// Version command for the splload CLI.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gowthamrao/spl-load/pkg/splload"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the splload version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("splload", splload.Version)
	},
}
