package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"heron/internal/crypto"
	"heron/internal/directory"
	"heron/internal/domain"
	"heron/internal/metrics"
	"heron/internal/protocol/handshake"
	"heron/internal/services/message"
	"heron/internal/services/session"
	"heron/internal/store"
	"heron/internal/transport"
)

type demoPeer struct {
	user    domain.UserID
	metrics *metrics.Collectors
	manager *session.Manager
	deps    message.Deps
}

func newDemoPeer(ctx context.Context, dir *directory.Memory, user domain.UserID, p domain.Policy, log *zap.Logger) (*demoPeer, error) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	if err := dir.Trust(ctx, user, pub); err != nil {
		return nil, err
	}
	log = log.Named(string(user))
	col := metrics.New(prometheus.NewRegistry())
	mgr := session.New(p, session.WithLogger(log), session.WithMetrics(col))
	eng, err := handshake.New(store.NewStaticVault(domain.Identity{User: user, EdPub: pub, EdPriv: priv}), dir,
		handshake.WithPolicy(p),
		handshake.WithLogger(log),
		handshake.WithMetrics(col),
		handshake.WithRegistry(mgr))
	if err != nil {
		mgr.Close()
		return nil, err
	}
	fmt.Printf("%-6s fingerprint %s\n", user, crypto.Fingerprint(pub[:]))
	return &demoPeer{
		user:    user,
		metrics: col,
		manager: mgr,
		deps:    message.Deps{Engine: eng, Manager: mgr, Logger: log},
	}, nil
}

func demoCmd() *cobra.Command {
	var (
		count  int
		budget uint64
		hybrid bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run alice and bob in-process and exchange messages across a rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			p := domain.DefaultPolicy()
			p.MessageBudget = budget
			p.HybridKEM = hybrid
			dir := directory.NewMemory()
			alice, err := newDemoPeer(ctx, dir, "alice", p, logger)
			if err != nil {
				return err
			}
			defer alice.manager.Close()
			bob, err := newDemoPeer(ctx, dir, "bob", p, logger)
			if err != nil {
				return err
			}
			defer bob.manager.Close()

			a, b := net.Pipe()
			var ac, bc *message.Conn
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() (err error) {
				bc, err = message.Accept(gctx, transport.NewStream(b, 0), "alice", bob.deps)
				return err
			})
			g.Go(func() (err error) {
				ac, err = message.Dial(gctx, transport.NewStream(a, 0), "bob", alice.deps)
				return err
			})
			if err := g.Wait(); err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			defer bc.Close()
			defer ac.Close()
			fmt.Printf("session %s established\n", ac.Handle())

			g, gctx = errgroup.WithContext(ctx)
			g.Go(func() error {
				for i := 0; i < count; i++ {
					if err := ac.Send(gctx, []byte(fmt.Sprintf("hello bob #%d", i)), nil); err != nil {
						return err
					}
				}
				return nil
			})
			g.Go(func() error {
				for i := 0; i < count; i++ {
					m, err := bc.Receive(gctx)
					if err != nil {
						return err
					}
					fmt.Printf("bob    <- #%d %s\n", m.Sequence, m.Plaintext)
				}
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			fmt.Printf("rotations: alice=%v bob=%v\n",
				counterValue(alice.metrics.Rotations), counterValue(bob.metrics.Rotations))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "messages to send")
	cmd.Flags().Uint64Var(&budget, "budget", 4, "messages per key before rotation")
	cmd.Flags().BoolVar(&hybrid, "hybrid", false, "mix an ML-KEM-768 secret into the session keys")
	return cmd
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
