package testutil

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Counter is a deterministic integer counter for tests.
type Counter struct {
	lock  sync.Mutex
	value int
}

// Next increments and returns counter value.
func (counter *Counter) Next() int {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	counter.value++
	return counter.value
}

// Value returns the current counter value.
func (counter *Counter) Value() int {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	return counter.value
}

// ErrTransportClosed is returned by a FakeTransport after Close.
var ErrTransportClosed = errors.New("fake transport closed")

// FakeTransport is an in-memory message transport. Frames pushed by the test
// are returned by ReadMessage in order; once failed, pending frames are still
// delivered before the failure.
type FakeTransport struct {
	inbound  chan []byte
	failed   chan struct{}
	failOnce sync.Once
	failErr  error

	lock      sync.Mutex
	written   [][]byte
	writeErr  error
	closed    bool
	closeCode int
	closeText string
}

// NewFakeTransport returns an open FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		inbound: make(chan []byte, 256),
		failed:  make(chan struct{}),
	}
}

// Push queues an inbound frame.
func (transport *FakeTransport) Push(frame []byte) {
	transport.inbound <- append([]byte(nil), frame...)
}

// PushString queues an inbound text frame.
func (transport *FakeTransport) PushString(frame string) {
	transport.Push([]byte(frame))
}

// Fail makes ReadMessage return err once pending frames are drained.
func (transport *FakeTransport) Fail(err error) {
	transport.failOnce.Do(func() {
		transport.failErr = err
		close(transport.failed)
	})
}

// CloseFromPeer fails reads with a close frame carrying code.
func (transport *FakeTransport) CloseFromPeer(code int, text string) {
	transport.Fail(&websocket.CloseError{Code: code, Text: text})
}

// FailWrites makes every later WriteMessage return err.
func (transport *FakeTransport) FailWrites(err error) {
	transport.lock.Lock()
	transport.writeErr = err
	transport.lock.Unlock()
}

// ReadMessage blocks until a frame is pushed or the transport fails.
func (transport *FakeTransport) ReadMessage() ([]byte, error) {
	select {
	case frame := <-transport.inbound:
		return frame, nil
	default:
	}
	select {
	case frame := <-transport.inbound:
		return frame, nil
	case <-transport.failed:
		select {
		case frame := <-transport.inbound:
			return frame, nil
		default:
		}
		return nil, transport.failErr
	}
}

// WriteMessage records frame.
func (transport *FakeTransport) WriteMessage(frame []byte) error {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	if transport.closed {
		return ErrTransportClosed
	}
	if transport.writeErr != nil {
		return transport.writeErr
	}
	transport.written = append(transport.written, append([]byte(nil), frame...))
	return nil
}

// Close records the close code and unblocks the reader.
func (transport *FakeTransport) Close(code int, reason string) error {
	transport.lock.Lock()
	if !transport.closed {
		transport.closed = true
		transport.closeCode = code
		transport.closeText = reason
	}
	transport.lock.Unlock()
	transport.Fail(ErrTransportClosed)
	return nil
}

// Written returns a copy of every frame written so far.
func (transport *FakeTransport) Written() []string {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	frames := make([]string, 0, len(transport.written))
	for _, frame := range transport.written {
		frames = append(frames, string(frame))
	}
	return frames
}

// Closed reports whether Close was called, with the recorded code.
func (transport *FakeTransport) Closed() (bool, int, string) {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.closed, transport.closeCode, transport.closeText
}

// WaitForWrites polls until at least count frames were written.
func (transport *FakeTransport) WaitForWrites(count int, timeout time.Duration) ([]string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		frames := transport.Written()
		if len(frames) >= count {
			return frames, true
		}
		if time.Now().After(deadline) {
			return frames, false
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitForClose polls until Close was called.
func (transport *FakeTransport) WaitForClose(timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for {
		closed, code, _ := transport.Closed()
		if closed {
			return code, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(time.Millisecond)
	}
}

type manualTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// ManualClock only moves when Advance is called. Due timers run
// synchronously on the goroutine calling Advance, in deadline order.
type ManualClock struct {
	lock   sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (clock *ManualClock) Now() time.Time {
	clock.lock.Lock()
	defer clock.lock.Unlock()
	return clock.now
}

// AfterFunc schedules f delay after the current manual time.
func (clock *ManualClock) AfterFunc(delay time.Duration, f func()) func() bool {
	clock.lock.Lock()
	clock.seq++
	timer := &manualTimer{at: clock.now.Add(delay), seq: clock.seq, f: f}
	clock.timers = append(clock.timers, timer)
	clock.lock.Unlock()

	return func() bool {
		clock.lock.Lock()
		defer clock.lock.Unlock()
		if timer.stopped || timer.fired {
			return false
		}
		timer.stopped = true
		return true
	}
}

// Advance moves time forward by delta, running every timer that falls due.
func (clock *ManualClock) Advance(delta time.Duration) {
	clock.lock.Lock()
	target := clock.now.Add(delta)
	clock.lock.Unlock()

	for {
		clock.lock.Lock()
		next := clock.nextDue(target)
		if next == nil {
			clock.now = target
			clock.lock.Unlock()
			return
		}
		if next.at.After(clock.now) {
			clock.now = next.at
		}
		next.fired = true
		clock.lock.Unlock()
		next.f()
	}
}

func (clock *ManualClock) nextDue(target time.Time) *manualTimer {
	active := clock.timers[:0]
	for _, timer := range clock.timers {
		if !timer.stopped && !timer.fired {
			active = append(active, timer)
		}
	}
	clock.timers = active
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].at.Equal(active[j].at) {
			return active[i].seq < active[j].seq
		}
		return active[i].at.Before(active[j].at)
	})
	if len(active) == 0 || active[0].at.After(target) {
		return nil
	}
	return active[0]
}

// Pending returns the number of timers neither fired nor stopped.
func (clock *ManualClock) Pending() int {
	clock.lock.Lock()
	defer clock.lock.Unlock()
	count := 0
	for _, timer := range clock.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

// WaitForPending polls until at least count timers are pending.
func (clock *ManualClock) WaitForPending(count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if clock.Pending() >= count {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
