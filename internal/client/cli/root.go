package cli

import (
	"github.com/spf13/cobra"
)

// tolerateConfigFlags lets the flags parsed by the config package through
// cobra's own flag parsing.
func tolerateConfigFlags(cmd *cobra.Command) *cobra.Command {
	cmd.FParseErrWhitelist = cobra.FParseErrWhitelist{UnknownFlags: true}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd
}

// NewRootCommand creates the gophsync client command tree.
func NewRootCommand(app *App) *cobra.Command {
	cmd := tolerateConfigFlags(&cobra.Command{
		Use:   "gophsync",
		Short: "Local-first encrypted event log",
		Long: `gophsync keeps an append-only journal of entries on this device and
replicates it, end-to-end encrypted, to every other device that shares
the same identity.

Global options come from the config file and short flags:
  -a server url   -n namespace   -t session token   -i identity file
  -d journal path -f max frame size   -w sync timeout (seconds)`,
	})

	cmd.AddCommand(NewKeygenCommand(app))
	cmd.AddCommand(NewAppendCommand(app))
	cmd.AddCommand(NewListCommand(app))
	cmd.AddCommand(NewSyncCommand(app))

	return cmd
}
