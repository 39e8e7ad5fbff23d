// Root command for the splload CLI.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gowthamrao/spl-load/internal/logging"
	"github.com/gowthamrao/spl-load/pkg/splload"
	"github.com/gowthamrao/spl-load/pkg/types"
)

// Global flag values.
var (
	flagConfigFile string
	flagLogFormat  string
	flagLogLevel   string
)

// Populated by PersistentPreRunE for every subcommand.
var (
	cfg types.Config
	log *zap.Logger
)

// partialRun is set when a run succeeded but quarantined documents; main
// turns it into exit code 3.
var partialRun bool

var rootCmd = &cobra.Command{
	Use:           "splload",
	Short:         "splload loads FDA SPL drug labeling data into a warehouse",
	Version:       splload.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		if log, err = logging.New(flagLogFormat, flagLogLevel); err != nil {
			return &configError{err: err}
		}
		if cfg, err = loadConfig(flagConfigFile); err != nil {
			return &configError{err: err}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file (default: splload.yaml in the working directory)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "json", "log format: json or text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(fullLoadCmd)
	rootCmd.AddCommand(deltaLoadCmd)
}
