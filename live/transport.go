package live

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
)

// Close codes used by the client.
const (
	CloseNormalClosure = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
)

// Transport is one physical, message-framed duplex channel. ReadMessage is
// called from a single reader goroutine and WriteMessage from a single
// writer goroutine; Close may be called concurrently with both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close(code int, reason string) error
}

// Dialer opens a new Transport. Every call must return a fresh transport.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	return f(ctx, url, header)
}

// CloseCode extracts the close code a peer sent, if err carries one.
func CloseCode(err error) (int, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, true
	}
	return 0, false
}

// IsNormalClosure reports whether err is a close with the normal-closure code.
func IsNormalClosure(err error) bool {
	code, ok := CloseCode(err)
	return ok && code == CloseNormalClosure
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// NewWebSocketDialer returns a WebSocketDialer with proxy support and
// bounded handshake and write times.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		WriteTimeout: 10 * time.Second,
	}
}

// Dial opens a websocket connection.
func (dialer *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	wsDialer := websocket.DefaultDialer
	writeTimeout := 10 * time.Second
	if dialer != nil {
		if dialer.Dialer != nil {
			wsDialer = dialer.Dialer
		}
		if dialer.WriteTimeout > 0 {
			writeTimeout = dialer.WriteTimeout
		}
	}

	conn, response, err := wsDialer.DialContext(ctx, url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, NewError(ConnectionRefusedError, pkgerrors.Wrapf(err, "dial %s", url))
	}
	return &webSocketTransport{conn: conn, writeTimeout: writeTimeout}, nil
}

type webSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (transport *webSocketTransport) ReadMessage() ([]byte, error) {
	_, frame, err := transport.conn.ReadMessage()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read")
	}
	return frame, nil
}

func (transport *webSocketTransport) WriteMessage(frame []byte) error {
	_ = transport.conn.SetWriteDeadline(time.Now().Add(transport.writeTimeout))
	if err := transport.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return pkgerrors.Wrap(err, "write")
	}
	return nil
}

func (transport *webSocketTransport) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	// the peer may already be gone; the close frame is best effort
	_ = transport.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return transport.conn.Close()
}
