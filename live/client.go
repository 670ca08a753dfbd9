package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionEventBuffer = 64

// Client keeps one live connection for one identity, reconnects it after
// failures and hands inbound envelopes to its Dispatcher in arrival order.
type Client struct {
	config          Config
	dialer          Dialer
	clock           Clock
	credentials     CredentialProvider
	sinks           Sinks
	dispatcher      *Dispatcher
	logger          logrus.FieldLogger
	metrics         *Metrics
	tracer          trace.Tracer
	statusListeners []StatusListener
	stateListeners  []ConnectionStateListener

	connectLock sync.Mutex

	lock     sync.Mutex
	state    ConnectionState
	identity string
	attempts int
	conn     *Connection
	session  *session
	disposed bool
}

// session is one logical subscription for one identity. Everything below
// the loop-owned marker is touched only by the session's loop goroutine.
type session struct {
	identity string
	url      string
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// callbacks counts sinks and listeners running on the loop right now.
	callbacks atomic.Int32
	// previous is the session this one waits for before its loop starts.
	previous atomic.Pointer[session]

	// loop-owned
	state         ConnectionState
	attempts      int
	conn          *Connection
	keepalive     *Keepalive
	handshaken    bool
	stopHandshake func() bool
	stopReconnect func() bool
	connectSpan   trace.Span
}

func newSession(identity string, url string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		identity: identity,
		url:      url,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, sessionEventBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// inCallback reports whether a sink or listener of s, or of the session s
// is queued behind, is running.
func (s *session) inCallback() bool {
	if s == nil {
		return false
	}
	return s.callbacks.Load() > 0 || s.previous.Load().inCallback()
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// NewClient returns an idle Client. A credential provider is required.
func NewClient(opts ...Option) (*Client, error) {
	client := &Client{
		config: DefaultConfig(),
		dialer: NewWebSocketDialer(),
		clock:  SystemClock,
		sinks:  Sinks{},
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, pkgerrors.Wrap(err, "apply Client option failed")
		}
	}
	if client.credentials == nil {
		return nil, NewError(CommandError, "a credential provider is required")
	}
	if err := client.config.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid Client config")
	}
	if client.metrics == nil {
		client.metrics = NewMetrics(prometheus.NewRegistry())
	}

	client.dispatcher = NewDispatcher(client.sinks).
		SetLogger(client.logger).
		SetMetrics(client.metrics).
		SetTracer(client.tracer)
	client.metrics.recordState(StateIdle)
	return client, nil
}

// Connect starts a session for identity. It is a no-op while a session for
// the same identity is running; a different identity stops the running
// session, and the new one starts once the old one has shut down. Connect
// fails after Disconnect.
func (client *Client) Connect(identity string) error {
	if client == nil {
		return NewError(CommandError, "nil Client")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return NewError(CommandError, "empty identity")
	}
	url, err := client.config.URLFor(identity)
	if err != nil {
		return err
	}

	client.connectLock.Lock()
	defer client.connectLock.Unlock()

	client.lock.Lock()
	if client.disposed {
		client.lock.Unlock()
		return NewError(DisconnectedError, "client has been disconnected")
	}
	current := client.session
	running := current != nil && !current.finished() && client.state != StateClosed
	client.lock.Unlock()

	if running && current.identity == identity {
		return nil
	}
	next := newSession(identity, url)
	if current != nil {
		current.requestStop()
		next.previous.Store(current)
	}

	client.lock.Lock()
	client.session = next
	client.identity = identity
	client.attempts = 0
	client.state = StateConnecting
	client.conn = nil
	client.lock.Unlock()

	go client.run(next)
	return nil
}

// Send hands envelope to the open connection without waiting for the write.
// When the client is not open it fails with a NotOpenError and nothing is
// written or queued for later.
func (client *Client) Send(envelope Envelope) error {
	if client == nil {
		return NewError(CommandError, "nil Client")
	}
	frame, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	client.lock.Lock()
	state := client.state
	conn := client.conn
	client.lock.Unlock()

	if state != StateOpen || conn == nil {
		client.logger.WithFields(logrus.Fields{"type": envelope.Type, "state": state.String()}).Warn("send rejected")
		return NewError(NotOpenError, fmt.Sprintf("cannot send %q while %s", envelope.Type, state))
	}
	return conn.Enqueue(frame)
}

// Disconnect closes the connection with a normal closure, cancels pending
// reconnect and keepalive timers, and waits for every background goroutine
// to finish. No further connection attempts are made afterwards.
//
// Called while a sink or listener is running, Disconnect only requests the
// shutdown; the loop completes it once the callback returns.
func (client *Client) Disconnect() error {
	if client == nil {
		return nil
	}
	client.lock.Lock()
	if client.disposed {
		client.lock.Unlock()
		return nil
	}
	client.disposed = true
	client.lock.Unlock()

	// A Connect in progress finishes before the session is read; none can
	// start another one afterwards.
	client.connectLock.Lock()
	client.lock.Lock()
	current := client.session
	client.lock.Unlock()
	client.connectLock.Unlock()

	if current != nil && !client.halt(current) {
		return nil
	}

	client.lock.Lock()
	previous := client.state
	client.state = StateClosed
	client.conn = nil
	client.lock.Unlock()
	if previous != StateClosed {
		client.metrics.recordState(StateClosed)
		client.notifyState(nil, StateClosed)
	}
	return nil
}

// Close is an alias for Disconnect.
func (client *Client) Close() error {
	return client.Disconnect()
}

// State returns the current connection state.
func (client *Client) State() ConnectionState {
	if client == nil {
		return StateClosed
	}
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.state
}

// Attempts returns the failed attempts since the last successful handshake.
func (client *Client) Attempts() int {
	if client == nil {
		return 0
	}
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.attempts
}

// Identity returns the identity of the current or last session.
func (client *Client) Identity() string {
	if client == nil {
		return ""
	}
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.identity
}

// Dispatcher returns the client's dispatcher.
func (client *Client) Dispatcher() *Dispatcher {
	if client == nil {
		return nil
	}
	return client.dispatcher
}

// Metrics returns the client's collectors.
func (client *Client) Metrics() *Metrics {
	if client == nil {
		return nil
	}
	return client.metrics
}

// halt stops s and reports whether it waited for the session to finish. It
// cannot wait while one of the session's callbacks is running, since the
// caller may be that callback.
func (client *Client) halt(s *session) bool {
	s.requestStop()
	if s.inCallback() {
		return false
	}
	<-s.done
	s.wg.Wait()
	return true
}

func (client *Client) run(s *session) {
	defer func() {
		s.cancel()
		close(s.done)
	}()

	if previous := s.previous.Load(); previous != nil {
		<-previous.done
		previous.wg.Wait()
		s.previous.Store(nil)
	}
	if !s.stopping() {
		client.open(s)
	}
	for {
		if s.stopping() {
			client.shutdown(s)
			return
		}
		select {
		case <-s.stop:
			client.shutdown(s)
			return
		case ev := <-s.events:
			if client.handle(s, ev) {
				return
			}
		}
	}
}

func (client *Client) sessionLogger(s *session) logrus.FieldLogger {
	fields := logrus.Fields{"identity": s.identity, "attempt": s.attempts}
	if s.conn != nil {
		fields["conn"] = s.conn.ID()
	}
	return client.logger.WithFields(fields)
}

// open enters Connecting with a brand-new Connection.
func (client *Client) open(s *session) {
	conn := newConnection(uuid.NewString(), client.config.SendQueueSize, s.post)
	s.conn = conn
	s.handshaken = false
	_, s.connectSpan = client.tracer.Start(s.ctx, "live.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("livedash.conn", conn.ID()),
			attribute.Int("livedash.attempt", s.attempts),
		),
	)
	client.transition(s, StateConnecting)
	client.sessionLogger(s).Debug("connecting")

	s.wg.Add(1)
	go client.dial(s, conn)
}

func (client *Client) dial(s *session, conn *Connection) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, client.config.DialTimeout)
	defer cancel()

	token, err := client.credentials.Token(ctx)
	if err != nil {
		conn.emit(event{kind: eventDialFailed, err: NewError(HandshakeError, "credential lookup failed", err)})
		return
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	transport, err := client.dialer.Dial(ctx, s.url, header)
	if err == nil && transport == nil {
		err = NewError(ConnectionError, "dialer returned no transport")
	}
	if err != nil {
		conn.emit(event{kind: eventDialFailed, err: err})
		return
	}

	if !conn.attach(transport) {
		_ = transport.Close(CloseGoingAway, "superseded")
		return
	}
	conn.emit(event{kind: eventOpened, token: token})
	conn.start(&s.wg)
}

// handle processes one event on the loop and reports whether the session
// has ended.
func (client *Client) handle(s *session, ev event) bool {
	if ev.kind == eventReconnectDue {
		s.stopReconnect = nil
		if s.state == StateReconnecting && !s.stopping() {
			client.open(s)
		}
		return false
	}

	if s.conn == nil || ev.connID != s.conn.ID() {
		client.logger.WithField("conn", ev.connID).Debug("ignoring event from superseded connection")
		return false
	}

	switch ev.kind {
	case eventOpened:
		return client.onOpened(s, ev.token)
	case eventDialFailed, eventClosed:
		return client.onFailure(s, ev.err)
	case eventMessage:
		client.onMessage(s, ev.payload)
	case eventKeepaliveTick:
		return client.onKeepaliveTick(s)
	case eventHandshakeSettled:
		s.stopHandshake = nil
		client.settleHandshake(s)
	}
	return false
}

func (client *Client) onOpened(s *session, token string) bool {
	conn := s.conn
	if err := conn.Enqueue(HandshakeMessage(token)); err != nil {
		return client.onFailure(s, NewError(HandshakeError, "handshake not sent", err))
	}

	s.keepalive = NewKeepalive(client.clock, client.config.KeepalivePeriod, client.config.KeepaliveTolerance, func() {
		conn.emit(event{kind: eventKeepaliveTick})
	})
	client.transition(s, StateOpen)
	s.keepalive.Start()
	client.sessionLogger(s).Debug("transport open, handshake sent")

	if client.config.HandshakeGrace > 0 {
		s.stopHandshake = client.clock.AfterFunc(client.config.HandshakeGrace, func() {
			conn.emit(event{kind: eventHandshakeSettled})
		})
	} else {
		client.settleHandshake(s)
	}
	return false
}

// settleHandshake marks the handshake accepted: the only place the attempt
// counter is reset.
func (client *Client) settleHandshake(s *session) {
	if s.handshaken || s.state != StateOpen {
		return
	}
	s.handshaken = true
	if s.stopHandshake != nil {
		s.stopHandshake()
		s.stopHandshake = nil
	}
	s.attempts = 0
	client.snapshot(s)
	client.endSpan(s, nil)
	client.metrics.recordConnect()
	client.sessionLogger(s).Info("connected")
	client.notify(s, Status{Kind: StatusConnected, Identity: s.identity})
}

func (client *Client) onMessage(s *session, payload []byte) {
	s.keepalive.Observe()
	if !s.handshaken {
		client.settleHandshake(s)
	}

	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		client.metrics.recordDropped(DropMalformed)
		client.sessionLogger(s).WithError(err).Warn("dropping malformed envelope")
		return
	}
	if envelope.Type == TypePong {
		return
	}
	client.callback(s, func() {
		_ = client.dispatcher.Dispatch(s.ctx, envelope)
	})
}

func (client *Client) onKeepaliveTick(s *session) bool {
	conn := s.conn
	expired, err := s.keepalive.Tick(func() error {
		err := conn.Enqueue(PingMessage())
		if errors.Is(err, errQueueFull) {
			client.sessionLogger(s).Debug("send queue full, skipping keepalive probe")
			return nil
		}
		return err
	})
	if expired {
		client.metrics.recordKeepaliveTimeout()
		return client.onFailure(s, NewError(KeepaliveTimeoutError,
			fmt.Sprintf("no inbound traffic for %s", s.keepalive.Limit())))
	}
	if err != nil {
		return client.onFailure(s, err)
	}
	return false
}

// onFailure discards the current connection and either schedules the next
// attempt or settles in Closed.
func (client *Client) onFailure(s *session, cause error) bool {
	client.dropConnection(s, CloseGoingAway, "reconnecting")
	client.endSpan(s, cause)
	logger := client.sessionLogger(s).WithError(cause)

	if IsNormalClosure(cause) {
		logger.Info("server closed the connection")
		client.transition(s, StateClosed)
		client.notify(s, Status{Kind: StatusDisconnected, Identity: s.identity, Err: cause})
		return true
	}

	delay, ok := client.config.ReconnectPolicy.NextDelay(s.attempts)
	if !ok {
		err := NewError(ExhaustedError, fmt.Sprintf("unable to connect after %d attempts", s.attempts), cause)
		logger.Error("giving up")
		client.transition(s, StateClosed)
		client.notify(s, Status{Kind: StatusGaveUp, Identity: s.identity, Attempt: s.attempts, Err: err})
		return true
	}

	s.attempts++
	client.metrics.recordReconnectAttempt()
	client.transition(s, StateReconnecting)
	s.stopReconnect = client.clock.AfterFunc(delay, func() {
		s.post(event{kind: eventReconnectDue})
	})
	logger.WithField("delay", delay.String()).Warn("connection lost, reconnecting")
	client.notify(s, Status{Kind: StatusReconnecting, Identity: s.identity, Attempt: s.attempts, Delay: delay, Err: cause})
	return false
}

func (client *Client) shutdown(s *session) {
	if s.stopReconnect != nil {
		s.stopReconnect()
		s.stopReconnect = nil
	}
	client.transition(s, StateClosing)
	client.dropConnection(s, CloseNormalClosure, "client disconnect")
	client.endSpan(s, nil)
	client.transition(s, StateClosed)
	client.sessionLogger(s).Info("disconnected")
	client.notify(s, Status{Kind: StatusDisconnected, Identity: s.identity})
}

// dropConnection leaves Open (or Connecting): the keepalive and handshake
// timers are cleared and the connection is superseded before anything new
// is created.
func (client *Client) dropConnection(s *session, code int, reason string) {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
	if s.stopHandshake != nil {
		s.stopHandshake()
		s.stopHandshake = nil
	}
	if s.conn != nil {
		s.conn.Close(code, reason)
		s.conn = nil
	}
}

func (client *Client) endSpan(s *session, err error) {
	if s.connectSpan == nil {
		return
	}
	if err != nil {
		s.connectSpan.RecordError(err)
		s.connectSpan.SetStatus(codes.Error, err.Error())
	}
	s.connectSpan.End()
	s.connectSpan = nil
}

func (client *Client) transition(s *session, state ConnectionState) {
	previous := s.state
	s.state = state
	client.snapshot(s)
	client.metrics.recordState(state)
	if previous != state {
		client.notifyState(s, state)
	}
}

func (client *Client) snapshot(s *session) {
	client.lock.Lock()
	if client.session != s {
		client.lock.Unlock()
		return
	}
	client.state = s.state
	client.attempts = s.attempts
	if s.state == StateOpen {
		client.conn = s.conn
	} else {
		client.conn = nil
	}
	client.lock.Unlock()
}

func (client *Client) notify(s *session, status Status) {
	for _, listener := range client.statusListeners {
		client.callback(s, func() { client.safeCall(func() { listener.StatusChanged(status) }) })
	}
}

func (client *Client) notifyState(s *session, state ConnectionState) {
	for _, listener := range client.stateListeners {
		client.callback(s, func() { client.safeCall(func() { listener.ConnectionStateChanged(state) }) })
	}
}

// callback runs f as a sink or listener of s.
func (client *Client) callback(s *session, f func()) {
	if s == nil {
		f()
		return
	}
	s.callbacks.Add(1)
	defer s.callbacks.Add(-1)
	f()
}

func (client *Client) safeCall(f func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			client.logger.WithField("panic", recovered).Error("listener panicked")
		}
	}()
	f()
}
