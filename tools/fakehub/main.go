// Package main implements fakehub, a local stand-in for the dashboard's
// live-update endpoint. It accepts sockets per identity, checks the bearer
// handshake, answers pings, echoes client envelopes and exposes HTTP hooks
// to push, broadcast and force-close for reconnect testing.
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

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fakehub: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr             string
		tokens           string
		logLevel         string
		handshakeTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:           "fakehub",
		Short:         "Serve a local live-update endpoint for client testing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return pkgerrors.Wrap(err, "parse log level failed")
			}
			logger := logrus.New()
			logger.SetLevel(level)

			registry := prometheus.NewRegistry()
			srv := newServer(logger, newHub(logger, registry), newTokenStore(tokens), handshakeTimeout)
			return serve(cmd.Context(), logger, srv, registry, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&tokens, "tokens", "", "comma-separated accepted bearer tokens, optionally token=identity (empty accepts any)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 5*time.Second, "time allowed for the handshake frame")
	return cmd
}

func serve(ctx context.Context, logger logrus.FieldLogger, srv *server, registry *prometheus.Registry, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("fakehub listening")
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return pkgerrors.Wrap(err, "serve failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.hub.closeAll(websocket.CloseGoingAway, "server shutdown")
	return pkgerrors.Wrap(httpServer.Shutdown(shutdownCtx), "shutdown failed")
}
