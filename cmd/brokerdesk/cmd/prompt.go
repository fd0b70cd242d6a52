package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/jmcleod/brokerdesk/session"
)

// errInputRequired is returned when a value is missing and prompting is off.
var errInputRequired = errors.New("missing input and --no-input is set")

// prompter asks the operator for values a command needs.
type prompter interface {
	Credentials(email, password *string) error
	Captcha(token *string) error
	Code(title string, code *string) error
}

// newPrompter returns the interactive prompter, or one that always fails
// when interactive is false.
func newPrompter(interactive bool) prompter {
	if !interactive {
		return noPrompt{}
	}
	return huhPrompter{theme: formTheme()}
}

type noPrompt struct{}

func (noPrompt) Credentials(*string, *string) error { return errInputRequired }
func (noPrompt) Captcha(*string) error              { return errInputRequired }
func (noPrompt) Code(string, *string) error         { return errInputRequired }

type huhPrompter struct {
	theme *huh.Theme
}

func (p huhPrompter) Credentials(email, password *string) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email").
				Placeholder("you@broker.com").
				Value(email).
				Validate(required("email")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(password).
				Validate(required("password")),
		).Title("Sign in").
			Description("Broker admin console"),
	).WithTheme(p.theme).Run()
}

func (p huhPrompter) Captcha(token *string) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("CAPTCHA token").
				Description("Too many failed attempts. Solve the CAPTCHA and paste its token.").
				Value(token).
				Validate(required("CAPTCHA token")),
		),
	).WithTheme(p.theme).Run()
}

func (p huhPrompter) Code(title string, code *string) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description("6-digit code from your authenticator app").
				Placeholder("123456").
				CharLimit(7).
				Value(code).
				Validate(validateCode),
		),
	).WithTheme(p.theme).Run()
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validateCode(s string) error {
	if !session.ValidCode(session.NormalizeCode(s)) {
		return errors.New("enter the 6 digits shown in your authenticator app")
	}
	return nil
}

// formTheme matches the notification colors.
func formTheme() *huh.Theme {
	t := huh.ThemeBase()

	indigo := lipgloss.Color("#6366F1")
	gray := lipgloss.Color("#9CA3AF")
	red := lipgloss.Color("#F87171")

	t.Group.Title = lipgloss.NewStyle().Foreground(indigo).Bold(true).MarginBottom(1)
	t.Group.Description = lipgloss.NewStyle().Foreground(gray).MarginBottom(1)

	t.Focused.Base = lipgloss.NewStyle().
		PaddingLeft(1).
		BorderStyle(lipgloss.ThickBorder()).
		BorderLeft(true).
		BorderForeground(indigo)
	t.Focused.Title = lipgloss.NewStyle().Foreground(indigo).Bold(true)
	t.Focused.Description = lipgloss.NewStyle().Foreground(gray)
	t.Focused.ErrorIndicator = lipgloss.NewStyle().Foreground(red)
	t.Focused.ErrorMessage = lipgloss.NewStyle().Foreground(red)

	t.Blurred = t.Focused
	t.Blurred.Base = t.Focused.Base.BorderStyle(lipgloss.HiddenBorder())
	return t
}
