package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/session"
)

var statusVerify bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runStatus(ctx, rt, cmd.OutOrStdout(), statusVerify, jsonOutput)
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusVerify, "verify", false, "Confirm the session with the server")
}

type statusReport struct {
	State            string     `json:"state"`
	Email            string     `json:"email,omitempty"`
	Name             string     `json:"name,omitempty"`
	Role             string     `json:"role,omitempty"`
	Permissions      []string   `json:"permissions,omitempty"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	LoginAt          *time.Time `json:"loginAt,omitempty"`
	LastActivity     *time.Time `json:"lastActivity,omitempty"`
	IdleRemaining    string     `json:"idleRemaining,omitempty"`
	Expired          bool       `json:"expired"`
	TokenExpiresAt   *time.Time `json:"tokenExpiresAt,omitempty"`
	Verified         *bool      `json:"verified,omitempty"`
}

func buildStatus(ctx context.Context, rt *runtime, verify bool) statusReport {
	m := rt.manager
	var verified *bool
	if verify && m.State() == session.StateAuthenticated {
		valid := m.VerifyToken(ctx)
		verified = &valid
	}

	report := statusReport{State: m.State().String(), Verified: verified}
	if admin := m.Admin(); admin != nil {
		report.Email = admin.Email
		report.Name = admin.Name
		report.Role = admin.Role
		report.Permissions = admin.Permissions
		report.TwoFactorEnabled = admin.TwoFactorEnabled
	}
	if t := m.LoginAt(); !t.IsZero() {
		report.LoginAt = &t
	}
	if t := m.LastActivity(); !t.IsZero() {
		report.LastActivity = &t
		if remaining := rt.cfg.IdleTimeout - time.Since(t); remaining > 0 {
			report.IdleRemaining = remaining.Round(time.Second).String()
		}
	}
	if m.State() == session.StateAuthenticated {
		report.Expired = m.IsSessionExpired()
	}
	if exp, ok := m.AccessTokenExpiry(); ok {
		report.TokenExpiresAt = &exp
	}
	return report
}

func runStatus(ctx context.Context, rt *runtime, w io.Writer, verify, asJSON bool) error {
	report := buildStatus(ctx, rt, verify)
	if asJSON {
		return writeJSONOutput(w, report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", report.State)
	if report.Email != "" {
		fmt.Fprintf(tw, "Operator:\t%s <%s>\n", report.Name, report.Email)
		fmt.Fprintf(tw, "Role:\t%s\n", report.Role)
		fmt.Fprintf(tw, "Two-factor:\t%s\n", enabledString(report.TwoFactorEnabled))
	}
	if report.LoginAt != nil {
		fmt.Fprintf(tw, "Signed in:\t%s\n", report.LoginAt.Local().Format(time.DateTime))
	}
	if report.LastActivity != nil {
		fmt.Fprintf(tw, "Last activity:\t%s\n", report.LastActivity.Local().Format(time.DateTime))
	}
	switch {
	case report.Expired:
		fmt.Fprintf(tw, "Idle:\texpired\n")
	case report.IdleRemaining != "":
		fmt.Fprintf(tw, "Idle:\texpires in %s\n", report.IdleRemaining)
	}
	if report.TokenExpiresAt != nil {
		fmt.Fprintf(tw, "Access token:\texpires %s\n", report.TokenExpiresAt.Local().Format(time.DateTime))
	}
	if report.Verified != nil {
		fmt.Fprintf(tw, "Server check:\t%s\n", map[bool]string{true: "valid", false: "rejected"}[*report.Verified])
	}
	return tw.Flush()
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
