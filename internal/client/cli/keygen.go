package cli

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/filex"
	"github.com/spf13/cobra"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(app *App) *cobra.Command {
	var force bool

	cmd := tolerateConfigFlags(&cobra.Command{
		Use:   "keygen",
		Short: "Create the identity shared by your devices",
		Long: `Create a new X25519 identity and seal it with a passphrase.

Copy the resulting file to every device that should read the same log.
The public key printed on success is what the server sees.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.keygen(cmd, force)
		},
	})
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity file")

	return cmd
}

func (a *App) keygen(cmd *cobra.Command, force bool) error {
	path := a.config.IdentityFile
	exists, err := filex.Exists(path)
	if err != nil {
		return err
	}
	if exists && !force {
		return fmt.Errorf("identity file %s already exists, use --force to replace it", path)
	}

	prompts := cmd.ErrOrStderr()
	pass, err := GetSecret(prompts, "New passphrase")
	if err != nil {
		return err
	}
	defer wipe(pass)
	if len(pass) == 0 {
		return errors.New("empty passphrase")
	}
	again, err := GetSecret(prompts, "Repeat passphrase")
	if err != nil {
		return err
	}
	defer wipe(again)
	if !bytes.Equal(pass, again) {
		return errors.New("passphrases do not match")
	}

	id, err := cryptox.GenerateIdentity(a.crypto)
	if err != nil {
		return err
	}
	sealed, err := cryptox.SealIdentity(a.crypto, id, pass)
	if err != nil {
		return err
	}
	if err := filex.WriteFileAtomic(path, sealed, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), id.PublicKeyHex())
	return nil
}
