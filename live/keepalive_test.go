package live

import (
	"errors"
	"testing"
	"time"

	"github.com/Thejuampi/livedash-client-go/live/internal/testutil"
)

func newTestKeepalive(period time.Duration, tolerance int) (*Keepalive, *testutil.ManualClock, *int) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	fired := 0
	keepalive := NewKeepalive(clock, period, tolerance, func() { fired++ })
	return keepalive, clock, &fired
}

func TestKeepaliveProbesWhileTrafficFlows(t *testing.T) {
	keepalive, clock, fired := newTestKeepalive(30*time.Second, 2)
	keepalive.Start()

	probes := 0
	probe := func() error {
		probes++
		return nil
	}
	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		keepalive.Observe()
		expired, err := keepalive.Tick(probe)
		if expired || err != nil {
			t.Fatalf("tick %d: unexpected expiry=%v err=%v", i, expired, err)
		}
	}
	if *fired != 5 || probes != 5 {
		t.Fatalf("expected 5 deadlines and 5 probes, got %d and %d", *fired, probes)
	}
	if clock.Pending() != 1 {
		t.Fatalf("expected one armed deadline, got %d", clock.Pending())
	}
}

func TestKeepaliveExpiresAfterToleratedSilence(t *testing.T) {
	keepalive, clock, _ := newTestKeepalive(30*time.Second, 2)
	keepalive.Start()

	clock.Advance(30 * time.Second)
	if expired, _ := keepalive.Tick(nil); expired {
		t.Fatalf("did not expect expiry after one silent period")
	}
	clock.Advance(30 * time.Second)
	expired, err := keepalive.Tick(nil)
	if !expired || err != nil {
		t.Fatalf("expected expiry after two silent periods, got %v err=%v", expired, err)
	}
	if keepalive.Running() {
		t.Fatalf("expected keepalive to stop after expiry")
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no armed deadline after expiry, got %d", clock.Pending())
	}
	if keepalive.Limit() != time.Minute {
		t.Fatalf("unexpected limit %v", keepalive.Limit())
	}
}

func TestKeepaliveProbeFailureStops(t *testing.T) {
	keepalive, clock, _ := newTestKeepalive(time.Second, 3)
	keepalive.Start()
	clock.Advance(time.Second)

	probeErr := errors.New("queue full")
	expired, err := keepalive.Tick(func() error { return probeErr })
	if expired || !errors.Is(err, probeErr) {
		t.Fatalf("expected probe error, got expired=%v err=%v", expired, err)
	}
	if keepalive.Running() || clock.Pending() != 0 {
		t.Fatalf("expected keepalive to be stopped after a failed probe")
	}
}

func TestKeepaliveStopIsIdempotent(t *testing.T) {
	keepalive, clock, fired := newTestKeepalive(time.Second, 2)
	keepalive.Start()
	keepalive.Start()
	if clock.Pending() != 1 {
		t.Fatalf("expected Start to arm exactly once, got %d", clock.Pending())
	}
	keepalive.Stop()
	keepalive.Stop()
	clock.Advance(10 * time.Second)
	if *fired != 0 {
		t.Fatalf("expected no deadline after Stop, got %d", *fired)
	}
	if expired, err := keepalive.Tick(nil); expired || err != nil {
		t.Fatalf("expected stopped keepalive to ignore ticks")
	}
}

func TestKeepaliveDisabledByZeroPeriod(t *testing.T) {
	keepalive, clock, _ := newTestKeepalive(0, 2)
	keepalive.Start()
	if keepalive.Running() || clock.Pending() != 0 {
		t.Fatalf("expected zero period to disable keepalive")
	}

	var nilKeepalive *Keepalive
	nilKeepalive.Start()
	nilKeepalive.Observe()
	nilKeepalive.Stop()
	if nilKeepalive.Running() || nilKeepalive.Limit() != 0 {
		t.Fatalf("expected nil keepalive to be inert")
	}
}
