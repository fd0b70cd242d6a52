package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/brokerdesk/credstore"
	"github.com/jmcleod/brokerdesk/session"
)

type loginOptions struct {
	email    string
	password string
	captcha  string
	code     string
	force    bool
}

var loginOpts loginOptions

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the admin API",
	Long: `Sign in with email and password. Missing values are prompted for. When the
account has two-factor authentication enabled a 6-digit code is requested; a
pending challenge survives restarts, so running login again resumes at the
code prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runLogin(ctx, rt, newPrompter(!noInput), cmd.OutOrStdout(), loginOpts)
		})
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginOpts.email, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginOpts.password, "password", "", "Account password (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginOpts.captcha, "captcha", "", "CAPTCHA token, when the server requires one")
	loginCmd.Flags().StringVar(&loginOpts.code, "code", "", "Two-factor code")
	loginCmd.Flags().BoolVar(&loginOpts.force, "force", false, "Sign in again even if a session is active")
}

func runLogin(ctx context.Context, rt *runtime, p prompter, w io.Writer, opts loginOptions) error {
	switch rt.manager.State() {
	case session.StateAuthenticated:
		if !opts.force {
			fmt.Fprintf(w, "Already signed in as %s\n", rt.manager.Admin().Email)
			return nil
		}
		rt.manager.Logout(ctx)
	case session.StateTwoFactorPending:
		if opts.email == "" && !opts.force {
			fmt.Fprintln(w, "Resuming pending two-factor sign-in.")
			return completeTwoFactor(ctx, rt, p, w, opts.code)
		}
		rt.manager.CancelTwoFactor()
	}

	if opts.email == "" || opts.password == "" {
		if err := p.Credentials(&opts.email, &opts.password); err != nil {
			return err
		}
	}
	if opts.captcha == "" {
		required, err := rt.manager.CaptchaRequired(ctx)
		if err != nil {
			rt.logger.Debug("captcha check failed", "error", err)
		}
		if required {
			if err := p.Captcha(&opts.captcha); err != nil {
				return err
			}
		}
	}

	res, err := rt.manager.Login(ctx, session.LoginRequest{
		Email:        opts.email,
		Password:     opts.password,
		CaptchaToken: opts.captcha,
	})
	if err != nil {
		if res.CaptchaRequired {
			fmt.Fprintln(w, "A CAPTCHA is required for the next attempt (--captcha).")
		}
		return errors.New(session.Message(err, "Login failed"))
	}
	if res.Outcome == session.OutcomeTwoFactorPending {
		return completeTwoFactor(ctx, rt, p, w, opts.code)
	}
	printSignedIn(w, res.Admin)
	return nil
}

// completeTwoFactor prompts for codes until one is accepted or the challenge
// is gone.
func completeTwoFactor(ctx context.Context, rt *runtime, p prompter, w io.Writer, code string) error {
	var lastErr error
	for {
		if code == "" {
			if err := p.Code("Two-factor code", &code); err != nil {
				if lastErr != nil && errors.Is(err, errInputRequired) {
					return lastErr
				}
				return err
			}
		}
		res, err := rt.manager.VerifyTwoFactor(ctx, code)
		if err == nil {
			printSignedIn(w, res.Admin)
			return nil
		}
		lastErr = errors.New(session.Message(err, "Invalid 2FA code"))
		if !errors.Is(err, session.ErrInvalidCode) || rt.manager.State() != session.StateTwoFactorPending {
			return lastErr
		}
		fmt.Fprintln(w, lastErr)
		code = ""
	}
}

func printSignedIn(w io.Writer, admin *credstore.AdminProfile) {
	name := admin.Name
	if name == "" {
		name = admin.Email
	}
	fmt.Fprintf(w, "Signed in as %s (%s)\n", name, admin.Role)
}
