package live

import (
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
)

var errQueueFull = pkgerrors.New("send queue is full")

type eventKind int

const (
	eventOpened eventKind = iota
	eventDialFailed
	eventMessage
	eventClosed
	eventReconnectDue
	eventKeepaliveTick
	eventHandshakeSettled
)

// event is the only way goroutines outside the loop talk to it.
type event struct {
	kind    eventKind
	connID  string
	payload []byte
	token   string
	err     error
}

// Connection owns one Transport for its whole life. It is never reused:
// after a failure the client supersedes it and builds a new one. Once
// superseded, nothing it observes reaches the client any more.
type Connection struct {
	id       string
	outbound chan []byte
	quit     chan struct{}
	post     func(event) bool

	lock       sync.Mutex
	transport  Transport
	closeCode  int
	closeText  string
	superseded atomic.Bool
}

func newConnection(id string, queueSize int, post func(event) bool) *Connection {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Connection{
		id:       id,
		outbound: make(chan []byte, queueSize),
		quit:     make(chan struct{}),
		post:     post,
	}
}

// ID returns the connection identifier used in logs and events.
func (conn *Connection) ID() string { return conn.id }

// Superseded reports whether the client has discarded this connection.
func (conn *Connection) Superseded() bool { return conn.superseded.Load() }

func (conn *Connection) emit(ev event) {
	if conn.superseded.Load() {
		return
	}
	ev.connID = conn.id
	conn.post(ev)
}

// attach hands the dialed transport to the connection. It fails when the
// connection was superseded while dialing; the caller then owns transport.
func (conn *Connection) attach(transport Transport) bool {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.superseded.Load() {
		return false
	}
	conn.transport = transport
	return true
}

// start runs the reader and writer. The writer is the only goroutine that
// closes the transport.
func (conn *Connection) start(wg *sync.WaitGroup) {
	conn.lock.Lock()
	transport := conn.transport
	conn.lock.Unlock()
	if transport == nil {
		return
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.readLoop(transport)
	}()
	go func() {
		defer wg.Done()
		conn.writeLoop(transport)
	}()
}

func (conn *Connection) readLoop(transport Transport) {
	for {
		frame, err := transport.ReadMessage()
		if err != nil {
			conn.emit(event{kind: eventClosed, err: err})
			return
		}
		conn.emit(event{kind: eventMessage, payload: frame})
	}
}

func (conn *Connection) writeLoop(transport Transport) {
	failed := false
	for {
		select {
		case <-conn.quit:
			conn.lock.Lock()
			code, text := conn.closeCode, conn.closeText
			conn.lock.Unlock()
			_ = transport.Close(code, text)
			return
		case frame := <-conn.outbound:
			if failed {
				continue
			}
			if err := transport.WriteMessage(frame); err != nil {
				failed = true
				conn.emit(event{kind: eventClosed, err: NewError(ConnectionError, "write failed", err)})
			}
		}
	}
}

// Enqueue hands a frame to the writer without waiting for it to be written.
func (conn *Connection) Enqueue(frame []byte) error {
	if conn == nil || conn.superseded.Load() {
		return NewError(NotOpenError, "connection is not open")
	}
	select {
	case conn.outbound <- frame:
		return nil
	default:
		return NewError(ConnectionError, errQueueFull)
	}
}

// Close supersedes the connection and asks the writer to close the
// transport with code. Frames still queued are discarded. Calling Close more
// than once has no further effect.
func (conn *Connection) Close(code int, reason string) {
	if conn == nil {
		return
	}
	conn.lock.Lock()
	defer conn.lock.Unlock()
	if conn.superseded.Swap(true) {
		return
	}
	conn.closeCode = code
	conn.closeText = reason
	close(conn.quit)
}
