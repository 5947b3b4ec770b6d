package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/ritual"
)

// IntentionResult is the payload of commands acting on one intention.
type IntentionResult struct {
	Mode    ritual.Mode       `json:"mode"`
	Record  *intention.Record `json:"record,omitempty"`
	Notices []ritual.Notice   `json:"notices"`
}

// ListResult is the payload of the list command.
type ListResult struct {
	Mode     ritual.Mode         `json:"mode"`
	Identity *intention.Identity `json:"identity,omitempty"`
	Manifest []intention.Record  `json:"manifest,omitempty"`
	Release  []intention.Record  `json:"release,omitempty"`
	Notices  []ritual.Notice     `json:"notices"`
	SignIn   string              `json:"sign_in_hint,omitempty"`
}

// NewCallCommand creates the call command (the Call It In panel).
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	return newSubmitCommand(rootOpts, intention.Manifest, "call <text>...",
		"Call in something you want to manifest")
}

// NewBurnCommand creates the burn command (the Burn It panel).
func NewBurnCommand(rootOpts *RootOptions) *cobra.Command {
	return newSubmitCommand(rootOpts, intention.Release, "burn <text>...",
		"Burn something you are releasing")
}

func newSubmitCommand(rootOpts *RootOptions, kind intention.Kind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return exitErr(f, err)
			}
			defer a.Close()

			panel := ritual.PanelFor(a.svc, kind)
			f.VerboseLog("%s", panel.Heading)

			rec, err := panel.Submit(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return a.fail(f, "failed to save intention", err)
			}
			return outputIntention(f, IntentionResult{
				Mode:    a.svc.Mode(),
				Record:  &rec,
				Notices: a.notices.Drain(),
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var kindFlag string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List your intentions, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			kinds, err := parseKindFlag(kindFlag)
			if err != nil {
				return f.Fail("invalid --kind", err, nil)
			}

			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return exitErr(f, err)
			}
			defer a.Close()

			result := ListResult{
				Mode:     a.svc.Mode(),
				Identity: a.svc.Identity(),
				Notices:  a.notices.Drain(),
			}
			for _, k := range kinds {
				switch k {
				case intention.Manifest:
					result.Manifest = a.svc.Items(k)
				case intention.Release:
					result.Release = a.svc.Items(k)
				}
			}
			if panel := ritual.CallItIn(a.svc); panel.ShowSignInHint() {
				result.SignIn = panel.SignInHint
			}
			return outputList(f, a.svc, kinds, result)
		},
	}

	cmd.Flags().StringVar(&kindFlag, "kind", "all", "which intentions to list (manifest|release|all)")
	return cmd
}

// NewSealCommand creates the seal command. It toggles the sealed flag of a
// local intention; remote intentions are always sealed.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "seal <id>",
		Short:         "Toggle the sealed flag of a local intention",
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

			rec, err := a.svc.ToggleSeal(cmd.Context(), args[0])
			if err != nil {
				return a.fail(f, "failed to seal intention", err)
			}
			return outputIntention(f, IntentionResult{
				Mode:    a.svc.Mode(),
				Record:  &rec,
				Notices: a.notices.Drain(),
			})
		},
	}
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <id>",
		Short:         "Remove an intention",
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

			id := args[0]
			if a.svc.Mode() == ritual.Anonymous && !a.holds(id) {
				// The service treats this as a silent no-op; the CLI says so.
				err := fmt.Errorf("remove %s: %w", id, intention.ErrNotFound)
				return a.fail(f, "failed to remove intention", err)
			}
			if err := a.svc.RemoveItem(cmd.Context(), id); err != nil {
				return a.fail(f, "failed to remove intention", err)
			}
			return outputIntention(f, IntentionResult{
				Mode:    a.svc.Mode(),
				Notices: a.notices.Drain(),
			})
		},
	}
}

// holds reports whether the current view contains id.
func (a *app) holds(id string) bool {
	for _, k := range intention.Kinds {
		if intention.IndexOf(a.svc.Items(k), id) >= 0 {
			return true
		}
	}
	return false
}

func parseKindFlag(s string) ([]intention.Kind, error) {
	if s == "" || s == "all" {
		return intention.Kinds, nil
	}
	k, err := intention.ParseKind(s)
	if err != nil {
		return nil, err
	}
	return []intention.Kind{k}, nil
}

func outputIntention(f *OutputFormatter, result IntentionResult) error {
	if f.Format == "json" {
		return f.Success(result)
	}
	printNotices(f, result.Notices)
	if result.Record != nil {
		fmt.Fprintln(f.Writer, formatRecord(*result.Record))
	}
	return nil
}

func outputList(f *OutputFormatter, svc *ritual.Service, kinds []intention.Kind, result ListResult) error {
	if f.Format == "json" {
		return f.Success(result)
	}

	printNotices(f, result.Notices)
	if result.Identity != nil {
		fmt.Fprintf(f.Writer, "Signed in as %s\n", result.Identity.Email)
	}
	for i, k := range kinds {
		if i > 0 {
			fmt.Fprintln(f.Writer)
		}
		panel := ritual.PanelFor(svc, k)
		items := panel.Items()
		fmt.Fprintf(f.Writer, "%s (%d)\n", panel.Heading, len(items))
		if len(items) == 0 {
			fmt.Fprintln(f.Writer, "  (none)")
		}
		for _, r := range items {
			fmt.Fprintf(f.Writer, "  %s\n", formatRecord(r))
		}
	}
	if result.SignIn != "" {
		fmt.Fprintf(f.Writer, "\n%s\n", result.SignIn)
	}
	return nil
}

func formatRecord(r intention.Record) string {
	state := "unsealed"
	if r.Sealed {
		state = "sealed"
	}
	return fmt.Sprintf("%s  %-8s  %-8s  %s  %q",
		r.ID, r.Kind, state, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Text)
}
