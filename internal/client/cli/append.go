package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/spf13/cobra"
)

// NewAppendCommand creates the append command.
func NewAppendCommand(app *App) *cobra.Command {
	return tolerateConfigFlags(&cobra.Command{
		Use:   "append [text...]",
		Short: "Append an entry to the local journal",
		Long: `Append an entry to the local journal. The words given are joined
with spaces; without arguments the entry is read from standard input.
The entry stays pending until the next sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.appendEntry(cmd, args)
		},
	})
}

func (a *App) appendEntry(cmd *cobra.Command, args []string) error {
	payload := strings.Join(args, " ")
	if len(args) == 0 {
		text, err := GetMultiline(bufio.NewReader(cmd.InOrStdin()), "Entry", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		payload = text
	}
	if payload == "" {
		return errors.New("nothing to append")
	}

	ctx := cmd.Context()
	j, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	e, err := j.Append(ctx, []byte(payload))
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), models.EntryIDString(e.ID))
	return nil
}
