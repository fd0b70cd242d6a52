package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/session"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and wipe stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runLogout(ctx, rt, cmd.OutOrStdout())
		})
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(ctx context.Context, rt *runtime, w io.Writer) error {
	if rt.manager.State() == session.StateAnonymous {
		fmt.Fprintln(w, "Not signed in.")
		return nil
	}
	rt.manager.Logout(ctx)
	fmt.Fprintln(w, "Signed out.")
	return nil
}
