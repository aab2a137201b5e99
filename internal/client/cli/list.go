package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(app *App) *cobra.Command {
	return tolerateConfigFlags(&cobra.Command{
		Use:   "list",
		Short: "Show the journal in log order",
		Long: `Show every entry of the local journal: synced entries in server
sequence order, then the ones still pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.list(cmd)
		},
	})
}

func (a *App) list(cmd *cobra.Command) error {
	ctx := cmd.Context()
	j, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tCREATED\tPAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%q\n",
			sequenceLabel(e), models.EntryIDString(e.ID), e.CreatedAt.UTC().Format(time.RFC3339), e.Payload)
	}
	return w.Flush()
}

func sequenceLabel(e models.Entry) string {
	if e.RemoteSequence == 0 {
		return "pending"
	}
	return strconv.FormatInt(e.RemoteSequence, 10)
}
