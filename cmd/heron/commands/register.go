package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// directoryToken names the vault entry holding the unregister token issued
// by the configured directory.
func directoryToken() string { return "directory:" + directoryURL }

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish your identity to the directory service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			w, err := wire()
			if err != nil {
				return err
			}
			if w.Remote == nil {
				return errors.New("directory URL required (--directory or HERON_DIRECTORY)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			user, token, err := w.Identity.Publish(ctx, passphrase, w.Remote)
			if err != nil {
				return err
			}
			if err := w.Vault.SaveToken(directoryToken(), []byte(token)); err != nil {
				return fmt.Errorf("registered, but the unregister token was not saved: %w", err)
			}
			fmt.Printf("Registered %s with %s\n", user, directoryURL)
			return nil
		},
	}
	return cmd
}

func unregisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Withdraw your identity from the directory service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			w, err := wire()
			if err != nil {
				return err
			}
			if w.Remote == nil {
				return errors.New("directory URL required (--directory or HERON_DIRECTORY)")
			}
			self, err := w.Self(cmd.Context())
			if err != nil {
				return err
			}
			token, err := w.Vault.Token(directoryToken())
			if err != nil {
				return fmt.Errorf("no unregister token for %s (run register first): %w", directoryURL, err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := w.Remote.Unregister(ctx, self.User, string(token)); err != nil {
				return err
			}
			if err := w.Vault.DeleteToken(directoryToken()); err != nil {
				return err
			}
			fmt.Printf("Unregistered %s from %s\n", self.User, directoryURL)
			return nil
		},
	}
	return cmd
}
