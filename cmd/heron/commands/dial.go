package commands

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"heron/internal/domain"
)

func dialCmd() *cobra.Command {
	var (
		addr  string
		rekey bool
	)
	cmd := &cobra.Command{
		Use:   "dial [peer]",
		Short: "Open a session to peer and send stdin lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			w, err := wire()
			if err != nil {
				return err
			}
			peer := domain.UserID(args[0])

			var d net.Dialer
			conn, err := d.DialContext(cmd.Context(), "tcp", addr)
			if err != nil {
				return err
			}
			c, err := w.Dial(cmd.Context(), conn, peer)
			if err != nil {
				out := domain.Classify(err)
				return fmt.Errorf("handshake with %s (%s): %w", peer, out.Kind, err)
			}
			logger.Info("session established", zap.String("peer", string(peer)), zap.Stringer("handle", c.Handle()))

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				defer c.Close()
				if rekey {
					if err := c.Rekey(ctx); err != nil {
						return err
					}
				}
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					if err := c.Send(ctx, sc.Bytes(), nil); err != nil {
						return err
					}
				}
				return sc.Err()
			})
			g.Go(func() error {
				for {
					m, err := c.Receive(ctx)
					if err != nil {
						if errors.Is(err, domain.ErrTransportClosed) || errors.Is(err, domain.ErrSessionClosed) {
							return nil
						}
						return err
					}
					fmt.Printf("[%s #%d] %s\n", peer, m.Sequence, m.Plaintext)
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7400", "peer TCP address")
	cmd.Flags().BoolVar(&rekey, "rekey", false, "rotate keys once before sending")
	return cmd
}
