package cmd

import (
	"github.com/spf13/cobra"

	"github.com/smazurov/crawlnode/internal/config"
	"github.com/smazurov/crawlnode/internal/logging"
)

// NewRootCmd builds the crawlnode command tree.
func NewRootCmd() *cobra.Command {
	opts := DefaultOptions()

	root := &cobra.Command{
		Use:   "crawlnode",
		Short: "Run and supervise web crawls",
		Long: `crawlnode runs crawls defined in a spiders file and shuts them down ` +
			`gracefully on SIGINT or SIGTERM. A second signal forces an unclean shutdown.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}

			// Per-module levels come from the [logging] table; level and
			// format follow the usual precedence.
			loggingConfig := config.LoadLoggingConfig(opts.Config)
			loggingConfig.Level = opts.LoggingLevel
			loggingConfig.Format = opts.LoggingFormat
			logging.Initialize(loggingConfig)
			return nil
		},
	}
	opts.AddFlags(root.PersistentFlags())

	root.AddCommand(CreateCrawlCmd(opts))
	root.AddCommand(CreateListCmd(opts))
	root.AddCommand(CreateVersionCmd())
	return root
}
