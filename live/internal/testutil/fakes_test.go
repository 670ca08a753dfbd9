package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestCounterNextCoverage(t *testing.T) {
	counter := &Counter{}
	if next := counter.Next(); next != 1 {
		t.Fatalf("expected first counter value 1, got %d", next)
	}
	if next := counter.Next(); next != 2 {
		t.Fatalf("expected second counter value 2, got %d", next)
	}
	if value := counter.Value(); value != 2 {
		t.Fatalf("expected counter value 2, got %d", value)
	}
}

func TestFakeTransportDrainsBeforeFailure(t *testing.T) {
	transport := NewFakeTransport()
	transport.PushString("a")
	transport.PushString("b")
	transport.CloseFromPeer(websocket.CloseNormalClosure, "bye")

	for _, want := range []string{"a", "b"} {
		frame, err := transport.ReadMessage()
		if err != nil || string(frame) != want {
			t.Fatalf("expected frame %q, got %q err=%v", want, frame, err)
		}
	}
	_, err := transport.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal close error, got %v", err)
	}
}

func TestFakeTransportCloseRecordsCode(t *testing.T) {
	transport := NewFakeTransport()
	if err := transport.WriteMessage([]byte("x")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	_ = transport.Close(websocket.CloseGoingAway, "later")
	_ = transport.Close(websocket.CloseNormalClosure, "ignored")

	closed, code, text := transport.Closed()
	if !closed || code != websocket.CloseGoingAway || text != "later" {
		t.Fatalf("unexpected close record: %v %d %q", closed, code, text)
	}
	if err := transport.WriteMessage([]byte("y")); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected write after close to fail, got %v", err)
	}
	if _, err := transport.ReadMessage(); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected read after close to fail, got %v", err)
	}
	if written := transport.Written(); len(written) != 1 || written[0] != "x" {
		t.Fatalf("unexpected written frames: %v", written)
	}
}

func TestManualClockFiresInDeadlineOrder(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var fired []string
	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clock.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	stop := clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	if !stop() {
		t.Fatalf("expected first stop to report an active timer")
	}
	if stop() {
		t.Fatalf("expected second stop to report false")
	}
	if pending := clock.Pending(); pending != 2 {
		t.Fatalf("expected 2 pending timers, got %d", pending)
	}

	clock.Advance(time.Second)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("expected only a to fire, got %v", fired)
	}
	clock.Advance(5 * time.Second)
	if len(fired) != 2 || fired[1] != "c" {
		t.Fatalf("expected c to fire second, got %v", fired)
	}
	if got := clock.Now(); !got.Equal(time.Unix(6, 0)) {
		t.Fatalf("unexpected clock time %v", got)
	}
}

func TestManualClockTimerScheduledDuringAdvance(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clock.AfterFunc(time.Second, tick)
	}
	clock.AfterFunc(time.Second, tick)

	clock.Advance(3 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
	if !clock.WaitForPending(1, time.Second) {
		t.Fatalf("expected the next tick to be pending")
	}
}
