package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/session"
)

var twoFactorCode string

var twoFactorCmd = &cobra.Command{
	Use:   "2fa",
	Short: "Manage two-factor authentication for the signed-in operator",
}

var twoFactorSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Enrol an authenticator app",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runTwoFactorSetup(ctx, rt, newPrompter(!noInput), cmd.OutOrStdout(), twoFactorCode)
		})
	},
}

var twoFactorDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn two-factor authentication off",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runTwoFactorDisable(ctx, rt, cmd.OutOrStdout())
		})
	},
}

var twoFactorVerifyCmd = &cobra.Command{
	Use:   "verify [code]",
	Short: "Check a code against the enrolled secret",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := twoFactorCode
		if len(args) == 1 {
			code = args[0]
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runTwoFactorVerify(ctx, rt, newPrompter(!noInput), cmd.OutOrStdout(), code)
		})
	},
}

func init() {
	rootCmd.AddCommand(twoFactorCmd)
	twoFactorCmd.AddCommand(twoFactorSetupCmd, twoFactorDisableCmd, twoFactorVerifyCmd)
	twoFactorSetupCmd.Flags().StringVar(&twoFactorCode, "code", "", "Confirmation code (prompted when omitted)")
	twoFactorVerifyCmd.Flags().StringVar(&twoFactorCode, "code", "", "Code to check")
}

var errNotSignedIn = errors.New("not signed in; run brokerdesk login first")

func requireSignedIn(rt *runtime) error {
	if rt.manager.State() != session.StateAuthenticated {
		return errNotSignedIn
	}
	return nil
}

func runTwoFactorSetup(ctx context.Context, rt *runtime, p prompter, w io.Writer, code string) error {
	if err := requireSignedIn(rt); err != nil {
		return err
	}
	secret, err := rt.manager.GenerateTwoFactorSecret(ctx)
	if err != nil {
		return errors.New(session.Message(err, "Failed to generate 2FA secret"))
	}
	fmt.Fprintf(w, "Secret:  %s\n", secret.Secret)
	if secret.QRCodeURL != "" {
		fmt.Fprintf(w, "URI:     %s\n", secret.QRCodeURL)
	}
	fmt.Fprintln(w, "Add the secret to your authenticator app, then confirm with a code.")

	if code == "" {
		if err := p.Code("Confirmation code", &code); err != nil {
			return err
		}
	}
	if err := rt.manager.EnableTwoFactor(ctx, code); err != nil {
		return errors.New(session.Message(err, "Failed to enable 2FA"))
	}
	fmt.Fprintln(w, "Two-factor authentication enabled.")
	return nil
}

func runTwoFactorDisable(ctx context.Context, rt *runtime, w io.Writer) error {
	if err := requireSignedIn(rt); err != nil {
		return err
	}
	if err := rt.manager.DisableTwoFactor(ctx); err != nil {
		return errors.New(session.Message(err, "Failed to disable 2FA"))
	}
	fmt.Fprintln(w, "Two-factor authentication disabled.")
	return nil
}

func runTwoFactorVerify(ctx context.Context, rt *runtime, p prompter, w io.Writer, code string) error {
	if err := requireSignedIn(rt); err != nil {
		return err
	}
	if code == "" {
		if err := p.Code("Code to check", &code); err != nil {
			return err
		}
	}
	valid, err := rt.manager.VerifyTwoFactorCode(ctx, code)
	if err != nil {
		return errors.New(session.Message(err, "Failed to verify 2FA code"))
	}
	if !valid {
		return errors.New("code rejected")
	}
	fmt.Fprintln(w, "Code accepted.")
	return nil
}
