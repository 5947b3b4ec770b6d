package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/ritual"
)

// AccountResult is the payload of the sign-in and sign-out commands.
type AccountResult struct {
	Mode     ritual.Mode         `json:"mode"`
	Email    string              `json:"email,omitempty"`
	Identity *intention.Identity `json:"identity,omitempty"`
	Message  string              `json:"message,omitempty"`
	Notices  []ritual.Notice     `json:"notices"`
}

// WhoamiResult is the payload of the whoami command.
type WhoamiResult struct {
	Mode       ritual.Mode         `json:"mode"`
	AppVersion string              `json:"app_version"`
	CloudSync  bool                `json:"cloud_sync"`
	Identity   *intention.Identity `json:"identity,omitempty"`
	Notices    []ritual.Notice     `json:"notices"`
}

// NewLoginCommand creates the login command. It requests a magic link; the
// emailed token is then passed to verify.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Email yourself a magic sign-in link",
		Long: `Request a magic link for email. The message contains a one-time
token; finish signing in with "ritual verify <email> <token>".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return exitErr(f, err)
			}
			defer a.Close()

			if err := a.requireBackend(); err != nil {
				return a.fail(f, "cannot sign in", err)
			}
			if err := a.auth.SignInWithEmail(cmd.Context(), args[0]); err != nil {
				return a.fail(f, "failed to send magic link", err)
			}
			return outputAccount(f, AccountResult{
				Mode:    a.svc.Mode(),
				Email:   args[0],
				Message: ritual.MsgMagicLinkSent,
				Notices: a.notices.Drain(),
			})
		},
	}
}

// NewVerifyCommand creates the verify command, which completes a magic-link
// sign-in and switches to the synced intentions.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify <email> <token>",
		Short:         "Finish signing in with the token from a magic link",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return exitErr(f, err)
			}
			defer a.Close()

			if err := a.requireBackend(); err != nil {
				return a.fail(f, "cannot sign in", err)
			}
			id, err := a.auth.Verify(cmd.Context(), args[0], args[1])
			if err != nil {
				return a.fail(f, "failed to verify magic link", err)
			}
			return outputAccount(f, AccountResult{
				Mode:     a.svc.Mode(),
				Email:    id.Email,
				Identity: id,
				Notices:  a.notices.Drain(),
			})
		},
	}
}

// NewLogoutCommand creates the logout command. The cached session is
// cleared even when the backend cannot be reached.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "logout",
		Short:         "Sign out and return to local intentions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return exitErr(f, err)
			}
			defer a.Close()

			id, err := a.auth.CurrentIdentity(cmd.Context())
			if err != nil {
				return a.fail(f, ritual.MsgSignOutFailed, err)
			}
			if id == nil {
				return outputAccount(f, AccountResult{
					Mode:    a.svc.Mode(),
					Message: "Not signed in",
					Notices: a.notices.Drain(),
				})
			}

			if err := a.auth.SignOut(cmd.Context()); err != nil {
				return a.fail(f, ritual.MsgSignOutFailed, err)
			}
			return outputAccount(f, AccountResult{
				Mode:    a.svc.Mode(),
				Email:   id.Email,
				Notices: a.notices.Drain(),
			})
		},
	}
}

// NewWhoamiCommand creates the whoami command. When signed in, the identity
// is confirmed with the backend.
func NewWhoamiCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "whoami",
		Short:         "Show who you are signed in as",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return exitErr(f, err)
			}
			defer a.Close()

			result := WhoamiResult{
				Mode:       a.svc.Mode(),
				AppVersion: a.version.ID,
				CloudSync:  a.version.CloudSync(),
			}
			if result.Mode == ritual.Authenticated {
				id, err := a.auth.FetchUser(cmd.Context())
				if err != nil {
					return a.fail(f, "failed to confirm identity", err)
				}
				result.Identity = id
			}
			result.Notices = a.notices.Drain()

			if f.Format == "json" {
				return f.Success(result)
			}
			printNotices(f, result.Notices)
			if result.Identity != nil {
				fmt.Fprintf(f.Writer, "%s (%s)\n", result.Identity.Email, result.Identity.ID)
			} else {
				fmt.Fprintln(f.Writer, "anonymous")
			}
			f.VerboseLog("app version %s, cloud sync %t", result.AppVersion, result.CloudSync)
			return nil
		},
	}
}

func outputAccount(f *OutputFormatter, result AccountResult) error {
	if f.Format == "json" {
		return f.Success(result)
	}
	if result.Message != "" {
		fmt.Fprintln(f.Writer, result.Message)
	}
	printNotices(f, result.Notices)
	return nil
}
