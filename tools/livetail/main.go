// Package main implements livetail, which follows one identity's live
// updates and prints every envelope it receives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thejuampi/livedash-client-go/live"
)

// Environment variables consulted when the matching flag is not given.
const (
	envURL      = "LIVEDASH_URL"
	envIdentity = "LIVEDASH_IDENTITY"
	envToken    = "LIVEDASH_TOKEN"
	envLogLevel = "LIVEDASH_LOG_LEVEL"
)

var knownTypes = []string{
	live.TypeChatMessage,
	live.TypeGoalUpdated,
	live.TypeTransactionCreated,
	live.TypeTransactionUpdated,
	live.TypeTransactionDeleted,
	live.TypeBudgetCreated,
	live.TypeSavingsGoalCreated,
	live.TypeContributionAdded,
	live.TypeCommunityPostUpdated,
	live.TypeNotification,
	live.TypeRecurringTransactionsProcessed,
	live.TypeEcho,
}

type tailOptions struct {
	url         string
	identity    string
	token       string
	types       []string
	baseDelay   time.Duration
	maxAttempts int
	keepalive   time.Duration
	tolerance   int
	metricsAddr string
	logLevel    string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livetail: %s\n", err)
		os.Exit(1)
	}
}

func envOr(key string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func newRootCmd(out io.Writer) *cobra.Command {
	options := tailOptions{}

	cmd := &cobra.Command{
		Use:   "livetail [identity]",
		Short: "Follow the live updates of one identity",
		Long: `livetail connects to the dashboard's live-update endpoint as one identity,
prints every envelope it receives and keeps reconnecting with exponential
backoff until interrupted or out of attempts.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				options.identity = args[0]
			}
			return runTail(cmd.Context(), out, options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.url, "url", envOr(envURL, live.DefaultURLTemplate), "endpoint template; {identity} is replaced ($"+envURL+")")
	flags.StringVar(&options.identity, "identity", envOr(envIdentity, ""), "identity to follow ($"+envIdentity+")")
	flags.StringVar(&options.token, "token", envOr(envToken, ""), "bearer token ($"+envToken+")")
	flags.StringSliceVar(&options.types, "types", knownTypes, "envelope types to print")
	flags.DurationVar(&options.baseDelay, "base-delay", live.DefaultReconnectBaseDelay, "first reconnect delay")
	flags.IntVar(&options.maxAttempts, "max-attempts", live.DefaultReconnectMaxAttempts, "reconnect attempts before giving up")
	flags.DurationVar(&options.keepalive, "keepalive", live.DefaultKeepalivePeriod, "keepalive probe period (0 disables)")
	flags.IntVar(&options.tolerance, "keepalive-tolerance", live.DefaultKeepaliveTolerance, "silent periods tolerated")
	flags.StringVar(&options.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&options.logLevel, "log-level", envOr(envLogLevel, "info"), "log level ($"+envLogLevel+")")
	return cmd
}

func newLogger(level string) (*logrus.Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse log level failed")
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	logger.SetLevel(parsed)
	return logger, nil
}

// printer renders envelopes one per line.
type printer struct {
	lock sync.Mutex
	out  io.Writer
}

func (p *printer) sink(messageType string) live.Sink {
	return func(ctx context.Context, data json.RawMessage) error {
		p.lock.Lock()
		defer p.lock.Unlock()
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		_, err := fmt.Fprintf(p.out, "%s\t%s\n", messageType, data)
		return err
	}
}

func (p *printer) status(status live.Status) {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch status.Kind {
	case live.StatusReconnecting:
		fmt.Fprintf(p.out, "# %s (attempt %d in %s)\n", status.Kind, status.Attempt, status.Delay)
	case live.StatusGaveUp:
		fmt.Fprintf(p.out, "# %s: %v\n", status.Kind, status.Err)
	default:
		fmt.Fprintf(p.out, "# %s %s\n", status.Kind, status.Identity)
	}
}

func buildClient(options tailOptions, logger logrus.FieldLogger, registry prometheus.Registerer, p *printer, statuses chan<- live.Status) (*live.Client, error) {
	if strings.TrimSpace(options.identity) == "" {
		return nil, errors.New("an identity is required (argument, --identity or $" + envIdentity + ")")
	}

	clientOptions := []live.Option{
		live.WithURLTemplate(options.url),
		live.WithToken(options.token),
		live.WithReconnectPolicy(live.NewExponentialBackoff(options.baseDelay, options.maxAttempts)),
		live.WithKeepalive(options.keepalive, options.tolerance),
		live.WithLogger(logger),
		live.WithMetrics(live.NewMetrics(registry)),
		live.WithStatusListener(live.StatusListenerFunc(func(status live.Status) {
			p.status(status)
			select {
			case statuses <- status:
			default:
			}
		})),
	}
	for _, messageType := range options.types {
		messageType = strings.TrimSpace(messageType)
		if messageType == "" {
			continue
		}
		clientOptions = append(clientOptions, live.WithSink(messageType, p.sink(messageType)))
	}

	client, err := live.NewClient(clientOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "new client failed")
	}
	return client, nil
}

func runTail(ctx context.Context, out io.Writer, options tailOptions) error {
	logger, err := newLogger(options.logLevel)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	p := &printer{out: out}
	statuses := make(chan live.Status, 16)

	client, err := buildClient(options, logger, registry, p, statuses)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if options.metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              options.metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(options.identity); err != nil {
		return pkgerrors.Wrap(err, "connect failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-statuses:
			switch status.Kind {
			case live.StatusGaveUp:
				return pkgerrors.Wrap(status.Err, "live connection lost")
			case live.StatusDisconnected:
				return nil
			}
		}
	}
}
