package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"twitchwatch/internal/config"
	"twitchwatch/internal/stream"
	"twitchwatch/internal/transport"
)

func newSendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <file|->",
		Short: "Send a JSON batch of streams to the daemon",
		Long: `Send reads a JSON array of Helix stream objects from a file (or stdin with
"-") and delivers it to the daemon exactly like poll does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var batch stream.Batch
			if err := json.NewDecoder(r).Decode(&batch); err != nil {
				return fmt.Errorf("decode batch: %w", err)
			}

			cfg, err := g.manager(config.Overrides{}).Load()
			if err != nil {
				return err
			}
			if err := transport.NewClient(cfg.Socket).Send(cmd.Context(), batch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d stream(s) to %s\n", len(batch), cfg.Socket)
			return nil
		},
	}
}
