package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"heron/internal/app"
	"heron/internal/domain"
)

func serveCmd() *cobra.Command {
	var (
		listen      string
		metricsAddr string
		expect      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept encrypted sessions and print incoming messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			w, err := wire()
			if err != nil {
				return err
			}
			if _, err := w.Self(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			logger.Info("listening", zap.String("addr", ln.Addr().String()))

			var metricsSrv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server", zap.Error(err))
					}
				}()
			}

			var wg sync.WaitGroup
			go func() {
				<-ctx.Done()
				_ = ln.Close()
			}()
			for {
				conn, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					logger.Warn("accept", zap.Error(err))
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					handle(ctx, w, conn, domain.UserID(expect))
				}()
			}

			var shutdownErr error
			if metricsSrv != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				shutdownErr = multierr.Append(shutdownErr, metricsSrv.Shutdown(sctx))
				cancel()
			}
			wg.Wait()
			return multierr.Append(shutdownErr, ignoreClosed(ln.Close()))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7400", "TCP address to accept sessions on")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&expect, "expect", "", "only accept this peer")
	return cmd
}

// handle runs one inbound session until the peer leaves or ctx ends.
func handle(ctx context.Context, w *app.Wire, conn net.Conn, expect domain.UserID) {
	log := logger.With(zap.String("remote", conn.RemoteAddr().String()))
	hctx, cancel := context.WithTimeout(ctx, w.Policy.StepTimeout*2)
	c, err := w.Accept(hctx, conn, expect)
	cancel()
	if err != nil {
		out := domain.Classify(err)
		log.Warn("handshake failed", zap.Error(err), zap.Stringer("outcome", out.Kind))
		return
	}
	defer c.Close()
	log = log.With(zap.String("peer", string(c.Peer())))
	log.Info("session established")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Info("session ended", zap.Error(err), zap.Stringer("outcome", domain.Classify(err).Kind))
			}
			return
		}
		fmt.Printf("[%s #%d] %s\n", c.Peer(), m.Sequence, m.Plaintext)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
