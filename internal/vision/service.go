package vision

import (
	"sync"
	"time"

	"github.com/jvexiau/roomba-player/internal/monitoring"
)

// queueDepth bounds the frame queue; the producer drops the oldest entry on
// overflow so detection always works on recent imagery.
const queueDepth = 2

// ResultCallback observes every detection result, invoked on the worker
// goroutine after the result is published.
type ResultCallback func(Result)

// Stats are the service's run counters, exposed on the debug surface.
type Stats struct {
	FramesEnqueued       int     `json:"frames_enqueued"`
	FramesDropped        int     `json:"frames_dropped"`
	DetectRuns           int     `json:"detect_runs"`
	DetectErrors         int     `json:"detect_errors"`
	LastDetectDurationMS float64 `json:"last_detect_duration_ms"`
	LastFrameBytes       int     `json:"last_frame_bytes"`
}

// Status summarises the service for the status endpoint.
type Status struct {
	Enabled     bool    `json:"enabled"`
	IntervalSec float64 `json:"interval_sec"`
	Dictionary  string  `json:"dictionary"`
	WorkerAlive bool    `json:"worker_alive"`
	QueueSize   int     `json:"queue_size"`
	Stats       Stats   `json:"stats"`
	LastResult  Result  `json:"last_result"`
}

// Service runs the marker detector on a dedicated worker goroutine fed by a
// bounded queue of JPEG frames.
type Service struct {
	enabled    bool
	interval   time.Duration
	dictionary string
	detector   Detector

	mu          sync.Mutex
	queue       chan []byte
	stop        chan struct{}
	done        chan struct{}
	running     bool
	lastResult  Result
	lastMono    time.Time
	lastEnqueue time.Time
	stats       Stats
	callback    ResultCallback
}

// NewService creates a detector service. A nil detector leaves the service
// permanently unavailable; results then carry the detector_unavailable
// reason.
func NewService(detector Detector, enabled bool, interval time.Duration, dictionary string) *Service {
	if interval < 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	reason := "idle"
	if !enabled {
		reason = "disabled"
	}
	return &Service{
		enabled:    enabled,
		interval:   interval,
		dictionary: dictionary,
		detector:   detector,
		queue:      make(chan []byte, queueDepth),
		lastResult: Result{Enabled: enabled, Reason: reason},
	}
}

// SetResultCallback registers the observer invoked after each detection.
func (s *Service) SetResultCallback(cb ResultCallback) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Start launches the worker goroutine. No-op when disabled or running.
func (s *Service) Start() {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.workerLoop(s.stop, s.done)
}

// Stop halts the worker with a bounded wait and drains the queue.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.running = false
	s.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// EnqueueJPEG offers a frame to the detector, rate-limited to the configured
// interval. On a full queue the oldest frame is dropped.
func (s *Service) EnqueueJPEG(frame []byte) {
	if !s.enabled || len(frame) == 0 {
		return
	}

	s.mu.Lock()
	if !s.lastEnqueue.IsZero() && time.Since(s.lastEnqueue) < s.interval {
		s.mu.Unlock()
		return
	}
	s.lastEnqueue = time.Now()
	s.mu.Unlock()

	dropped := false
	select {
	case s.queue <- frame:
	default:
		select {
		case <-s.queue:
			dropped = true
		default:
		}
		select {
		case s.queue <- frame:
		default:
			return
		}
	}

	s.mu.Lock()
	s.stats.FramesEnqueued++
	if dropped {
		s.stats.FramesDropped++
	}
	s.stats.LastFrameBytes = len(frame)
	s.mu.Unlock()
}

// LastResult returns the most recent detection, downgraded to the stale
// reason once it is older than max(1.5s, 2.5 * interval).
func (s *Service) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.lastResult
	if !s.enabled || s.lastMono.IsZero() {
		return result
	}
	staleAfter := time.Duration(2.5 * float64(s.interval))
	if staleAfter < 1500*time.Millisecond {
		staleAfter = 1500 * time.Millisecond
	}
	if time.Since(s.lastMono) > staleAfter {
		return Result{
			Enabled:     true,
			Reason:      "stale",
			Timestamp:   result.Timestamp,
			FrameWidth:  result.FrameWidth,
			FrameHeight: result.FrameHeight,
		}
	}
	return result
}

// Status reports the service state for the status/debug endpoints.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:     s.enabled,
		IntervalSec: s.interval.Seconds(),
		Dictionary:  s.dictionary,
		WorkerAlive: s.running,
		QueueSize:   len(s.queue),
		Stats:       s.stats,
		LastResult:  s.lastResult,
	}
}

func (s *Service) workerLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case frame := <-s.queue:
			s.detectFrame(frame)
		}
	}
}

func (s *Service) detectFrame(jpeg []byte) {
	started := time.Now()

	s.mu.Lock()
	s.stats.DetectRuns++
	s.mu.Unlock()

	var result Result
	if s.detector == nil {
		result = Result{Enabled: true, Reason: ErrDetectorUnavailable.Error()}
	} else if frame, err := s.detector.Detect(jpeg); err != nil {
		result = Result{Enabled: true, Reason: err.Error()}
	} else {
		result = Result{
			OK:          true,
			Enabled:     true,
			Reason:      "detected",
			Markers:     frame.Markers,
			Count:       len(frame.Markers),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			FrameWidth:  frame.Width,
			FrameHeight: frame.Height,
		}
	}

	s.mu.Lock()
	s.lastResult = result
	s.lastMono = time.Now()
	if !result.OK {
		s.stats.DetectErrors++
	}
	s.stats.LastDetectDurationMS = float64(time.Since(started).Microseconds()) / 1000
	cb := s.callback
	s.mu.Unlock()

	monitoring.Debugf("vision: detect %s in %s (%d markers)", result.Reason, time.Since(started), result.Count)

	if cb != nil {
		cb(result)
	}
}
