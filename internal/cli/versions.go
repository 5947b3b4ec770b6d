package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ritual/internal/localstore"
	"github.com/roach88/ritual/internal/version"
)

// VersionInfo is one row of the versions command.
type VersionInfo struct {
	version.Version
	CloudSync bool `json:"cloud_sync"`
	Current   bool `json:"current"`
}

// ClearResult is the payload of the local clear command.
type ClearResult struct {
	Keys []string `json:"keys"`
}

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "versions",
		Short:         "List app versions, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return exitErr(f, WrapExitError(ExitCommandError, "failed to load config", err))
			}
			current, err := cfg.Version()
			if err != nil {
				return exitErr(f, WrapExitError(ExitCommandError, "failed to resolve app version", err))
			}

			var rows []VersionInfo
			for _, v := range version.All() {
				rows = append(rows, VersionInfo{
					Version:   v,
					CloudSync: v.CloudSync(),
					Current:   v.ID == current.ID,
				})
			}

			if f.Format == "json" {
				return f.Success(rows)
			}
			for _, r := range rows {
				marker := " "
				if r.Current {
					marker = "*"
				}
				fmt.Fprintf(f.Writer, "%s %s  %s  %s\n", marker, r.ID, r.CreatedAt, r.Name)
				f.VerboseLog("    %s (active: %t, cloud sync: %t)", r.Description, r.Active, r.CloudSync)
			}
			return nil
		},
	}
}

// NewLocalCommand creates the local command group.
func NewLocalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Manage intentions stored on this device",
	}
	cmd.AddCommand(newLocalClearCommand(rootOpts))
	return cmd
}

func newLocalClearCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the local intentions of the current app version",
		Long: `Delete the intentions stored on this device for the current app
version. With --all, every version's local intentions are deleted.
Synced intentions and the sign-in session are not touched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return exitErr(f, WrapExitError(ExitCommandError, "failed to load config", err))
			}
			ver, err := cfg.Version()
			if err != nil {
				return exitErr(f, WrapExitError(ExitCommandError, "failed to resolve app version", err))
			}
			st, err := openStore(cfg.DataPath)
			if err != nil {
				return exitErr(f, WrapExitError(ExitCommandError, "failed to open database", err))
			}
			defer st.Close()

			keys := []string{ver.StorageKey()}
			if all {
				keys, err = st.Keys(cmd.Context(), version.StorageKeyPrefix)
				if err != nil {
					return f.Fail("failed to list local data", err, nil)
				}
			}
			for _, key := range keys {
				if err := localstore.New(st, key).Clear(cmd.Context()); err != nil {
					return f.Fail("failed to clear local intentions", err, map[string]string{"key": key})
				}
				f.VerboseLog("cleared %s", key)
			}

			if f.Format == "json" {
				return f.Success(ClearResult{Keys: keys})
			}
			fmt.Fprintf(f.Writer, "Cleared local intentions (%d key(s))\n", len(keys))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "clear every app version's local intentions")
	return cmd
}
