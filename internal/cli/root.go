// Package cli implements the io-mcp command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "io-mcp",
		Short: "io-mcp — voice-first broker between coding agents and one operator",
		Long: "io-mcp is an always-on broker that multiplexes tool calls from any number\n" +
			"of agents onto a single terminal view and a single TTS voice, with a\n" +
			"per-session inbox so parallel calls never clobber each other.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.io-mcp/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newBrokerCmd())
	cmd.AddCommand(newProxyCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCacheCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
