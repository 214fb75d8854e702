package oi

import (
	"fmt"
	"sync"
	"time"

	"github.com/jvexiau/roomba-player/internal/monitoring"
	"github.com/jvexiau/roomba-player/internal/serialport"
)

// LinkOpener opens the serial link on demand. Injected so tests can supply a
// LoopPort-backed link.
type LinkOpener func() (*serialport.Link, error)

// FrameCallback receives the telemetry snapshot after each fully decoded
// sensor frame. It is invoked on the reader goroutine without any driver
// lock held.
type FrameCallback func(Telemetry)

// Driver encodes Open Interface commands, decodes the sensor stream, and
// maintains the live telemetry snapshot.
type Driver struct {
	opener LinkOpener

	mu   sync.Mutex
	link *serialport.Link

	telemetryMu sync.Mutex
	telemetry   Telemetry

	cbMu    sync.Mutex
	frameCB FrameCallback

	streamMu        sync.Mutex
	packetIDs       []byte
	stop            chan struct{}
	readerDone      chan struct{}
	lastFrame       time.Time
	lastStreamStart time.Time

	latchMu       sync.Mutex
	lastDriveVel  int
	bumpLatched   bool
	prevBumpState bool
}

// NewDriver creates a driver that opens its serial link with the given
// opener on first use.
func NewDriver(opener LinkOpener) *Driver {
	return &Driver{
		opener: opener,
		telemetry: Telemetry{
			Timestamp: nowISO(),
			State:     "disconnected",
		},
	}
}

// Connected reports whether the serial link is open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link != nil && !d.link.Closed()
}

// Connect opens the serial link if it is not already open.
func (d *Driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked()
}

func (d *Driver) connectLocked() error {
	if d.link != nil && !d.link.Closed() {
		return nil
	}
	link, err := d.opener()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	d.link = link
	d.telemetryMu.Lock()
	d.telemetry.RoombaConnected = true
	d.telemetry.Timestamp = nowISO()
	d.telemetryMu.Unlock()
	return nil
}

// Close stops the sensor stream and closes the serial link. Idempotent.
func (d *Driver) Close() error {
	d.StopSensorStream()

	d.mu.Lock()
	link := d.link
	d.link = nil
	d.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close()
	}

	d.telemetryMu.Lock()
	d.telemetry.RoombaConnected = false
	d.telemetry.State = "disconnected"
	d.telemetry.Timestamp = nowISO()
	d.telemetryMu.Unlock()
	return err
}

// Write sends raw command bytes, opening the link first when needed.
func (d *Driver) Write(payload []byte) error {
	d.mu.Lock()
	if err := d.connectLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	link := d.link
	d.mu.Unlock()
	return link.Write(payload)
}

// Start enters the Open Interface.
func (d *Driver) Start() error { return d.Write([]byte{cmdStart}) }

// Safe switches the robot into safe mode.
func (d *Driver) Safe() error { return d.Write([]byte{cmdSafe}) }

// Full switches the robot into full mode.
func (d *Driver) Full() error { return d.Write([]byte{cmdFull}) }

// Clean begins the robot's cleaning program.
func (d *Driver) Clean() error { return d.Write([]byte{cmdClean}) }

// Dock sends the robot to seek its dock.
func (d *Driver) Dock() error { return d.Write([]byte{cmdDock}) }

// Drive issues a drive command. Velocity and radius are saturated inside the
// driver; the reserved special radius values pass through unclamped.
func (d *Driver) Drive(velocity, radius int) error {
	if err := d.Write(encodeDrive(velocity, radius)); err != nil {
		return err
	}
	d.latchMu.Lock()
	d.lastDriveVel = ClampVelocity(velocity)
	d.latchMu.Unlock()
	return nil
}

// Stop halts the wheels.
func (d *Driver) Stop() error { return d.Drive(0, 0) }

// SetFrameCallback registers the per-frame observer. The callback is invoked
// after the snapshot mutation, without holding the telemetry mutex.
func (d *Driver) SetFrameCallback(cb FrameCallback) {
	d.cbMu.Lock()
	d.frameCB = cb
	d.cbMu.Unlock()
}

// Snapshot returns a copy of the current telemetry. The connected flag is
// refreshed from the link state.
func (d *Driver) Snapshot() Telemetry {
	d.telemetryMu.Lock()
	snap := d.telemetry
	d.telemetryMu.Unlock()
	snap.RoombaConnected = d.Connected()
	return snap
}

// BumpLatched reports whether the bumper safety latch is currently engaged.
func (d *Driver) BumpLatched() bool {
	d.latchMu.Lock()
	defer d.latchMu.Unlock()
	return d.bumpLatched
}

// StartSensorStream subscribes to the recurring sensor stream and starts the
// reader goroutine if it is not already running.
func (d *Driver) StartSensorStream(packetIDs ...byte) error {
	if len(packetIDs) == 0 {
		packetIDs = DefaultStreamPackets
	}
	ids := make([]byte, len(packetIDs))
	copy(ids, packetIDs)

	if err := d.Write(encodeStream(ids)); err != nil {
		return err
	}

	d.streamMu.Lock()
	d.packetIDs = ids
	d.lastStreamStart = time.Now()
	running := d.stop != nil
	if !running {
		d.stop = make(chan struct{})
		d.readerDone = make(chan struct{})
		go d.readLoop(d.stop, d.readerDone)
	}
	d.streamMu.Unlock()
	return nil
}

// StopSensorStream halts the reader goroutine and pauses the stream on the
// robot side. The pause write is best-effort.
func (d *Driver) StopSensorStream() {
	d.streamMu.Lock()
	stop := d.stop
	done := d.readerDone
	d.stop = nil
	d.readerDone = nil
	d.streamMu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	if d.Connected() {
		if err := d.PauseResumeStream(false); err != nil {
			monitoring.Logf("oi: pause stream: %v", err)
		}
	}
}

// PauseResumeStream pauses (false) or resumes (true) the robot-side sensor
// stream without touching the reader goroutine.
func (d *Driver) PauseResumeStream(resume bool) error {
	operand := byte(0)
	if resume {
		operand = 1
	}
	return d.Write([]byte{cmdPauseResumeStream, operand})
}

// EnsureSensorStream is the stream watchdog: it re-issues the subscription if
// the reader goroutine is gone or no valid frame has arrived within
// maxStale while the link is open, rate-limited by cooldown.
func (d *Driver) EnsureSensorStream(maxStale, cooldown time.Duration) error {
	if !d.Connected() {
		return nil
	}
	now := time.Now()

	d.streamMu.Lock()
	readerAlive := d.stop != nil
	lastFrame := d.lastFrame
	lastStart := d.lastStreamStart
	ids := d.packetIDs
	d.streamMu.Unlock()

	stale := !lastFrame.IsZero() && now.Sub(lastFrame) > maxStale
	noDataYet := lastFrame.IsZero() && !lastStart.IsZero() && now.Sub(lastStart) > maxStale
	if readerAlive && !stale && !noDataYet {
		return nil
	}
	if !lastStart.IsZero() && now.Sub(lastStart) < cooldown {
		return nil
	}
	if len(ids) == 0 {
		ids = DefaultStreamPackets
	}
	return d.StartSensorStream(ids...)
}

func (d *Driver) readLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var buf []byte
	chunk := make([]byte, 256)
	for {
		select {
		case <-stop:
			return
		default:
		}
		d.mu.Lock()
		link := d.link
		d.mu.Unlock()
		if link == nil || link.Closed() {
			return
		}
		n, err := link.ReadAvailable(chunk)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)
		buf = d.consumeStreamBuffer(buf)
	}
}

// consumeStreamBuffer parses as many complete frames as the buffer holds and
// returns the unconsumed tail. Bytes outside a frame that are not the header
// are discarded (resync); frames with a bad checksum are dropped whole.
func (d *Driver) consumeStreamBuffer(buf []byte) []byte {
	for len(buf) >= 3 {
		if buf[0] != streamHeader {
			buf = buf[1:]
			continue
		}
		frameLen := int(buf[1]) + 3
		if len(buf) < frameLen {
			break
		}
		frame := buf[:frameLen]
		buf = buf[frameLen:]

		sum := 0
		for _, b := range frame {
			sum += int(b)
		}
		if sum&0xFF != 0 {
			monitoring.Debugf("oi: dropping corrupt frame (%d bytes)", frameLen)
			continue
		}
		d.applyStreamPayload(frame[2 : frameLen-1])
	}
	// Compact so the backing array does not grow without bound.
	if len(buf) > 0 {
		tail := make([]byte, len(buf))
		copy(tail, buf)
		return tail
	}
	return buf[:0]
}

// applyStreamPayload decodes the (id, data) pairs of one frame into a copy of
// the snapshot and swaps it in, so readers never observe a half-applied
// frame. An unknown id or truncated packet discards the remainder of the
// frame without refreshing the timestamp.
func (d *Driver) applyStreamPayload(payload []byte) {
	d.telemetryMu.Lock()
	prev := d.telemetry
	next := prev
	complete := true
	i := 0
	for i < len(payload) {
		id := payload[i]
		i++
		size, ok := packetSize[id]
		if !ok || i+size > len(payload) {
			complete = false
			break
		}
		next.applyPacket(id, payload[i:i+size])
		i += size
	}
	if complete {
		next.Timestamp = nowISO()
	}
	d.telemetry = next
	d.telemetryMu.Unlock()

	if !complete {
		return
	}

	d.streamMu.Lock()
	d.lastFrame = time.Now()
	d.streamMu.Unlock()

	d.applyBumpLatch(next)

	d.cbMu.Lock()
	cb := d.frameCB
	d.cbMu.Unlock()
	if cb != nil {
		snap := next
		snap.RoombaConnected = d.Connected()
		cb(snap)
	}
}

// applyBumpLatch synthesizes an immediate stop on a bump rising edge while
// the last issued drive velocity was positive. The latch clears on the first
// frame with both bump bits zero; a new edge re-triggers the stop.
func (d *Driver) applyBumpLatch(next Telemetry) {
	bumped := next.BumpLeft || next.BumpRight

	d.latchMu.Lock()
	risingEdge := bumped && !d.prevBumpState
	d.prevBumpState = bumped
	shouldStop := risingEdge && d.lastDriveVel > 0
	if shouldStop {
		d.bumpLatched = true
		d.lastDriveVel = 0
	}
	if !bumped {
		d.bumpLatched = false
	}
	d.latchMu.Unlock()

	if shouldStop {
		if err := d.Write(encodeDrive(0, RadiusStraight)); err != nil {
			monitoring.Logf("oi: bump stop: %v", err)
		}
	}
}
