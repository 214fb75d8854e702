// Package server carries the client-facing surfaces: the WebSocket control
// stream, the periodic telemetry push, and a thin HTTP mux for snapshot and
// plan operations.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jvexiau/roomba-player/internal/monitoring"
	"github.com/jvexiau/roomba-player/internal/odometry"
	"github.com/jvexiau/roomba-player/internal/oi"
)

// TelemetryPayload is the pushed record: the sensor snapshot with the
// current odometry pose attached.
type TelemetryPayload struct {
	oi.Telemetry
	Odometry odometry.Pose `json:"odometry"`
}

// Recorder is the optional archive sink fed at broadcast cadence.
type Recorder interface {
	Record(t oi.Telemetry, pose odometry.Pose) error
}

// Broadcaster periodically pushes the live state to all subscribers. The
// driver's stream watchdog runs before every tick; watchdog or subscriber
// failures never stop the loop.
type Broadcaster struct {
	driver    *oi.Driver
	estimator *odometry.Estimator
	recorder  Recorder
	interval  time.Duration

	mu          sync.Mutex
	subscribers map[string]chan []byte
}

// NewBroadcaster wires the push loop. recorder may be nil.
func NewBroadcaster(driver *oi.Driver, estimator *odometry.Estimator, recorder Recorder, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Broadcaster{
		driver:      driver,
		estimator:   estimator,
		recorder:    recorder,
		interval:    interval,
		subscribers: make(map[string]chan []byte),
	}
}

// Subscribe registers a new telemetry consumer. Slow consumers miss ticks
// rather than stalling the producer.
func (b *Broadcaster) Subscribe() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, 2)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a consumer channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Payload assembles the current push record.
func (b *Broadcaster) Payload() TelemetryPayload {
	return TelemetryPayload{
		Telemetry: b.driver.Snapshot(),
		Odometry:  b.estimator.Pose(),
	}
}

// Run drives the push loop until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	if err := b.driver.EnsureSensorStream(3*time.Second, 2*time.Second); err != nil {
		monitoring.Logf("broadcaster: stream watchdog: %v", err)
	}

	payload := b.Payload()
	data, err := json.Marshal(payload)
	if err != nil {
		monitoring.Logf("broadcaster: marshal telemetry: %v", err)
		return
	}

	if b.recorder != nil {
		if err := b.recorder.Record(payload.Telemetry, payload.Odometry); err != nil {
			monitoring.Logf("broadcaster: record telemetry: %v", err)
		}
	}

	b.mu.Lock()
	for _, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
