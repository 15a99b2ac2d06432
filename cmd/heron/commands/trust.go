package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"heron/internal/crypto"
	"heron/internal/domain"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted peer identities",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add [user] [public-key]",
			Short: "Trust a peer's public key (as printed by fingerprint)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				pub, err := decodeKey(args[1])
				if err != nil {
					return err
				}
				w, err := wire()
				if err != nil {
					return err
				}
				if err := w.Trusted.Trust(cmd.Context(), domain.UserID(args[0]), pub); err != nil {
					return err
				}
				fmt.Printf("Trusted %s (%s)\n", args[0], crypto.Fingerprint(pub[:]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List trusted identities",
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := wire()
				if err != nil {
					return err
				}
				list, err := w.Trusted.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tFINGERPRINT\tADDED")
				for _, ti := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", ti.User, ti.Fingerprint, ti.AddedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "revoke [user]",
			Short: "Forget a trusted identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := wire()
				if err != nil {
					return err
				}
				ok, err := w.Trusted.Revoke(cmd.Context(), domain.UserID(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not trusted", args[0])
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
