package commands

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"heron/internal/crypto"
	"heron/internal/domain"
)

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			w, err := wire()
			if err != nil {
				return err
			}
			self, err := w.Self(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("User:        %s\nFingerprint: %s\nPublic key:  %s\n",
				self.User, crypto.Fingerprint(self.Public[:]), encodeKey(self.Public))
			return nil
		},
	}
	return cmd
}

// encodeKey renders a public key for copy and paste.
func encodeKey(pub domain.Ed25519Public) string { return base58.Encode(pub[:]) }

func decodeKey(s string) (domain.Ed25519Public, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return domain.Ed25519Public{}, fmt.Errorf("public key: %w", err)
	}
	return domain.ParseEd25519Public(b)
}
