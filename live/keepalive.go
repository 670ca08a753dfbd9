package live

import "time"

// Default keepalive parameters.
const (
	DefaultKeepalivePeriod    = 30 * time.Second
	DefaultKeepaliveTolerance = 2
)

// Keepalive probes an open connection every period and declares it dead
// after period*tolerance without any inbound traffic. Missing pongs alone do
// not count; only total silence does.
//
// Keepalive is not safe for concurrent use. The client drives it from its
// event loop: fire is expected to post a tick back onto that loop, which then
// calls Tick.
type Keepalive struct {
	clock     Clock
	period    time.Duration
	tolerance int
	fire      func()

	stop     func() bool
	lastSeen time.Time
	running  bool
}

// NewKeepalive returns a stopped Keepalive. A non-positive period disables it.
func NewKeepalive(clock Clock, period time.Duration, tolerance int, fire func()) *Keepalive {
	if clock == nil {
		clock = SystemClock
	}
	if tolerance < 1 {
		tolerance = 1
	}
	return &Keepalive{clock: clock, period: period, tolerance: tolerance, fire: fire}
}

// Start arms the first probe and treats the start as inbound traffic.
func (keepalive *Keepalive) Start() {
	if keepalive == nil || keepalive.period <= 0 || keepalive.running {
		return
	}
	keepalive.running = true
	keepalive.lastSeen = keepalive.clock.Now()
	keepalive.arm()
}

// Observe records inbound traffic.
func (keepalive *Keepalive) Observe() {
	if keepalive == nil || !keepalive.running {
		return
	}
	keepalive.lastSeen = keepalive.clock.Now()
}

// Tick handles a fired deadline. It reports expired once the silence limit is
// reached, and otherwise rearms and sends a probe. A probe error stops the
// keepalive and is returned.
func (keepalive *Keepalive) Tick(probe func() error) (expired bool, err error) {
	if keepalive == nil || !keepalive.running {
		return false, nil
	}
	keepalive.stop = nil

	silence := keepalive.clock.Now().Sub(keepalive.lastSeen)
	if silence >= keepalive.Limit() {
		keepalive.running = false
		return true, nil
	}

	keepalive.arm()
	if probe != nil {
		if err = probe(); err != nil {
			keepalive.Stop()
			return false, err
		}
	}
	return false, nil
}

// Stop clears the outstanding deadline. It is safe to call repeatedly.
func (keepalive *Keepalive) Stop() {
	if keepalive == nil {
		return
	}
	keepalive.running = false
	if keepalive.stop != nil {
		keepalive.stop()
		keepalive.stop = nil
	}
}

// Running reports whether a deadline is outstanding.
func (keepalive *Keepalive) Running() bool {
	return keepalive != nil && keepalive.running
}

// Limit is the silence after which the connection is declared dead.
func (keepalive *Keepalive) Limit() time.Duration {
	if keepalive == nil {
		return 0
	}
	return keepalive.period * time.Duration(keepalive.tolerance)
}

func (keepalive *Keepalive) arm() {
	fire := keepalive.fire
	if fire == nil {
		fire = func() {}
	}
	keepalive.stop = keepalive.clock.AfterFunc(keepalive.period, fire)
}
