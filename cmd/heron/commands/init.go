package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"heron/internal/crypto"
	"heron/internal/domain"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [user]",
		Short: "Generate the identity key and store it sealed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			w, err := wire()
			if err != nil {
				return err
			}
			if w.Vault.Exists() && !force {
				return errors.New("identity already exists (use --force to replace it)")
			}
			id, fp, err := w.Identity.Generate(passphrase, domain.UserID(args[0]))
			if err != nil {
				return err
			}
			crypto.Wipe(id.EdPriv[:])
			fmt.Printf("Identity %s created.\nFingerprint: %s\nPublic key:  %s\n", id.User, fp, encodeKey(id.EdPub))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
