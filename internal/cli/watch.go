package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"twitchwatch/internal/metrics"
	"twitchwatch/internal/observability/debugsrv"
	"twitchwatch/internal/schedule"
)

func newWatchCmd(g *globals) *cobra.Command {
	f := &pollFlags{}
	var spec string
	cmd := &cobra.Command{
		Use:   "watch [game...]",
		Short: "Poll on a schedule until interrupted",
		Long: `Watch runs the same work as poll on a schedule: a cron expression
("*/5 * * * *", "@every 5m"), a Go duration ("5m") or HH:MM ("00:05").
The first poll runs immediately; a poll still running when the next one is
due makes that tick skip. With debug.enabled set, poll metrics are served
on the debug server while watch runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := f.overrides(cmd)
			o.Games = args
			env, err := openPollEnv(g.manager(o))
			if err != nil {
				return err
			}
			defer env.close()

			raw := env.cfg.Schedule
			if s := strings.TrimSpace(spec); s != "" {
				raw = s
			}
			parsed, err := schedule.Parse(raw)
			if err != nil {
				return err
			}
			if dc := env.cfg.DebugServerConfig(); dc.Enabled {
				debug := debugsrv.New(dc, metrics.Registry, nil, env.log)
				debug.Reconfigure(cmd.Context(), dc)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					debug.Stop(ctx)
				}()
			}

			r := schedule.NewRunner(parsed, env.pollJob(), env.log)
			r.RunAtStart = true
			return r.Run(cmd.Context())
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&spec, "schedule", "", "poll schedule (default from config, else @every 5m)")
	return cmd
}
