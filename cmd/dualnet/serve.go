package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/dualnet/messaging"
	"github.com/opd-ai/dualnet/metrics"
	"github.com/opd-ai/dualnet/wire"
)

type serveFlags struct {
	listen      string
	metricsAddr string
}

func newServeCmd(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat server that relays messages to every client",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, global, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.listen, "listen", "l", ":7777", "Address to listen on")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runServe(ctx context.Context, global *globalFlags, flags *serveFlags) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(registry))
	stats := collector.Endpoint(global.network + "-server")

	var srv *messaging.Server
	if global.network == "tcp" {
		srv = messaging.NewTCPServer(flags.listen, cfg, messaging.WithStats(stats))
	} else {
		srv = messaging.NewUDPServer(flags.listen, cfg, messaging.WithStats(stats))
	}
	if err := registerServerHandlers(srv); err != nil {
		return err
	}

	log := logrus.WithField("component", "dualnet.serve")
	srv.OnConnect = func(p *messaging.Peer) {
		log.WithFields(logrus.Fields{
			"peer":    p.Key(),
			"session": p.Session().String(),
		}).Info("Client joined")
	}
	srv.OnDisconnect = func(p *messaging.Peer) {
		log.WithField("peer", p.Key()).Info("Client left")
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.WithField("address", srv.Addr().String()).Info("Listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})
	g.Go(func() error {
		// Handlers for synchronous messages run here.
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				srv.ProcessSync()
			}
		}
	})
	if flags.metricsAddr != "" {
		httpSrv := &http.Server{
			Addr:              flags.metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.WithField("address", flags.metricsAddr).Info("Serving metrics")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// registerServerHandlers wires the demo protocol: chat lines are relayed to
// every peer and echo requests are answered with the same text.
func registerServerHandlers(srv *messaging.Server) error {
	text := func() wire.Message { return &wire.Text{} }
	if err := srv.Register(chatChannel, text); err != nil {
		return err
	}
	if err := srv.Register(echoChannel, text); err != nil {
		return err
	}

	if err := srv.Bind(chatChannel, messaging.HandlePeer(func(p *messaging.Peer, m *wire.Text) {
		line := fmt.Sprintf("[%s] %s", p.RemoteAddr(), m.Value)
		if err := srv.Broadcast(wire.NewText(chatChannel, line)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "registerServerHandlers",
				"error":    err.Error(),
			}).Warn("Broadcast failed")
		}
	})); err != nil {
		return err
	}
	return srv.Bind(echoChannel, messaging.HandlePeer(func(p *messaging.Peer, m *wire.Text) {
		_ = srv.Reply(p, m, wire.NewText(echoChannel, m.Value))
	}))
}
