// Package cli wires the twitchwatch subcommands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"twitchwatch/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	socket     string
}

// manager builds the config manager for a command, folding in the
// persistent flags.
func (g *globals) manager(o config.Overrides) *config.ConfigManager {
	o.LogLevel = g.logLevel
	o.Socket = g.socket
	return config.NewConfigManager(config.Discover(g.configPath), o)
}

// NewRootCmd returns the twitchwatch command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   config.AppName,
		Short: "Announce new Twitch streams for the games you follow",
		Long: `twitchwatch polls the Twitch directory for a set of games and announces
broadcasts that just went live.

A short-lived poller ("poll", or "watch" on a schedule) hands new streams to
a long-lived daemon over a local socket; the daemon relays them to IRC,
desktop notifications, Discord webhooks and Telegram.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/twitchwatch/config.{json,yaml,yml})")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&g.socket, "socket", "", "daemon socket path (default $XDG_RUNTIME_DIR/twitchwatch.sock)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newPollCmd(g),
		newDaemonCmd(g),
		newWatchCmd(g),
		newSendCmd(g),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
