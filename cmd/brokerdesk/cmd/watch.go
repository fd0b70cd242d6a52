package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/guard"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep checking the session until it expires or is interrupted",
	Long: `watch verifies the session with the server on an interval and signs out once
it has been idle past BROKERDESK_IDLE_TIMEOUT or the server rejects it. Run it
beside a long operator shift to be told when to sign in again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			interval := watchInterval
			if interval <= 0 {
				interval = rt.cfg.GuardInterval
			}
			return runWatch(ctx, rt, cmd.OutOrStdout(), interval)
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Check interval (overrides BROKERDESK_GUARD_INTERVAL)")
}

func runWatch(ctx context.Context, rt *runtime, w io.Writer, interval time.Duration) error {
	g := guard.New(rt.manager, guard.WithLogger(rt.logger))
	fmt.Fprintf(w, "Watching session every %s. Press Ctrl+C to stop.\n", interval)

	err := g.Run(ctx, interval)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, guard.ErrSessionExpired):
		return errors.New("session expired after inactivity; run brokerdesk login")
	case errors.Is(err, guard.ErrLoginRequired):
		return errors.New("session is no longer valid; run brokerdesk login")
	default:
		return err
	}
}
