package live

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Client at construction.
type Option func(*Client) error

// WithConfig replaces the whole configuration.
func WithConfig(config Config) Option {
	return func(client *Client) error {
		client.config = config
		return nil
	}
}

// WithURLTemplate sets the endpoint template.
func WithURLTemplate(template string) Option {
	return func(client *Client) error {
		if strings.TrimSpace(template) == "" {
			return NewError(InvalidURIError, "empty URL template")
		}
		client.config.URLTemplate = template
		return nil
	}
}

// WithReconnectPolicy sets the retry schedule.
func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(client *Client) error {
		if policy == nil {
			return NewError(CommandError, "nil reconnect policy")
		}
		client.config.ReconnectPolicy = policy
		return nil
	}
}

// WithKeepalive sets the probe period and the tolerated number of silent
// periods. A zero period disables keepalive.
func WithKeepalive(period time.Duration, tolerance int) Option {
	return func(client *Client) error {
		client.config.KeepalivePeriod = period
		client.config.KeepaliveTolerance = tolerance
		return nil
	}
}

// WithHandshakeGrace sets how long a silent connection must survive before
// its handshake is accepted.
func WithHandshakeGrace(grace time.Duration) Option {
	return func(client *Client) error {
		client.config.HandshakeGrace = grace
		return nil
	}
}

// WithSendQueue sets the per-connection outbound queue size.
func WithSendQueue(size int) Option {
	return func(client *Client) error {
		client.config.SendQueueSize = size
		return nil
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(client *Client) error {
		client.config.DialTimeout = timeout
		return nil
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(dialer Dialer) Option {
	return func(client *Client) error {
		if dialer == nil {
			return NewError(CommandError, "nil dialer")
		}
		client.dialer = dialer
		return nil
	}
}

// WithClock replaces the timer source.
func WithClock(clock Clock) Option {
	return func(client *Client) error {
		if clock == nil {
			return NewError(CommandError, "nil clock")
		}
		client.clock = clock
		return nil
	}
}

// WithLogger sets the logger for the client and its dispatcher.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(client *Client) error {
		if logger == nil {
			return NewError(CommandError, "nil logger")
		}
		client.logger = logger
		return nil
	}
}

// WithMetrics sets the collectors the client records into.
func WithMetrics(metrics *Metrics) Option {
	return func(client *Client) error {
		client.metrics = metrics
		return nil
	}
}

// WithTracer sets the tracer for connect and dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(client *Client) error {
		if tracer == nil {
			return NewError(CommandError, "nil tracer")
		}
		client.tracer = tracer
		return nil
	}
}

// WithSinks registers every entry of sinks.
func WithSinks(sinks Sinks) Option {
	return func(client *Client) error {
		for messageType, sink := range sinks {
			if err := WithSink(messageType, sink)(client); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithSink registers sink for one envelope type.
func WithSink(messageType string, sink Sink) Option {
	return func(client *Client) error {
		if messageType == "" {
			return NewError(CommandError, "empty envelope type")
		}
		if sink == nil {
			return NewError(CommandError, "nil sink for "+messageType)
		}
		client.sinks[messageType] = sink
		return nil
	}
}

// WithCredentials sets the bearer token source.
func WithCredentials(provider CredentialProvider) Option {
	return func(client *Client) error {
		if provider == nil {
			return NewError(CommandError, "nil credential provider")
		}
		client.credentials = provider
		return nil
	}
}

// WithToken is shorthand for WithCredentials(StaticToken(token)).
func WithToken(token string) Option {
	return WithCredentials(StaticToken(token))
}

// WithStatusListener adds a listener for connectivity signals. Listeners run
// on the client's event loop and must not block.
func WithStatusListener(listener StatusListener) Option {
	return func(client *Client) error {
		if listener == nil {
			return NewError(CommandError, "nil status listener")
		}
		client.statusListeners = append(client.statusListeners, listener)
		return nil
	}
}

// WithStateListener adds a listener for state transitions.
func WithStateListener(listener ConnectionStateListener) Option {
	return func(client *Client) error {
		if listener == nil {
			return NewError(CommandError, "nil state listener")
		}
		client.stateListeners = append(client.stateListeners, listener)
		return nil
	}
}
