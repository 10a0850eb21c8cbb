package cli

import (
	"github.com/spf13/cobra"

	"twitchwatch/internal/config"
	"twitchwatch/internal/daemon"
)

func newDaemonCmd(g *globals) *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the broadcast daemon",
		Long: `Daemon listens on the local socket and relays every received stream to the
configured broadcasters until it receives SIGINT or SIGTERM.

Under systemd the daemon accepts an activated socket and reports readiness.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return daemon.Run(cmd.Context(), g.manager(config.Overrides{LogFile: logFile}))
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	return cmd
}
