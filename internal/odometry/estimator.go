// Package odometry integrates wheel-encoder deltas and scalar
// distance/angle accumulators into a 2D pose, clamping every motion
// increment against the installed collision geometry and blending in
// externally measured poses.
package odometry

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/jvexiau/roomba-player/internal/geom"
	"github.com/jvexiau/roomba-player/internal/history"
	"github.com/jvexiau/roomba-player/internal/oi"
)

const (
	encoderMax       = 65536
	defaultMMPerTick = 0.445
	wheelBaseMM      = 235.0
	epsilon          = 1e-6
)

// Source selects which sensors feed the estimator.
type Source string

const (
	// SourceEncoders integrates wheel encoder counts.
	SourceEncoders Source = "encoders"
	// SourceDistanceAngle integrates encoder translation but consumes the
	// vendor-reported angle accumulator for rotation.
	SourceDistanceAngle Source = "distance_angle"
	// SourceAuto prefers encoders when present, scalar totals otherwise.
	SourceAuto Source = "auto"
)

// ParseSource normalizes a configured source string, defaulting to encoders.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceDistanceAngle:
		return SourceDistanceAngle
	case SourceAuto:
		return SourceAuto
	default:
		return SourceEncoders
	}
}

// Sink receives every history event the estimator emits. Sink errors never
// propagate into pose integration.
type Sink func(history.Event) error

// Pose is the estimator's public snapshot.
type Pose struct {
	XMM                 float64 `json:"x_mm"`
	YMM                 float64 `json:"y_mm"`
	ThetaDeg            float64 `json:"theta_deg"`
	LastDeltaDistanceMM float64 `json:"last_delta_distance_mm"`
	LastDeltaAngleDeg   float64 `json:"last_delta_angle_deg"`
}

// Params are the estimator's calibration knobs.
type Params struct {
	Source       Source
	MMPerTick    float64
	LinearScale  float64
	AngularScale float64
}

// ResetOptions optionally install accumulator baselines alongside a reset.
type ResetOptions struct {
	BaseTotalDistanceMM    *float64
	BaseTotalAngleDeg      *float64
	BaseLeftEncoderCounts  *int
	BaseRightEncoderCounts *int
}

// Estimator holds the current pose and its integration state. All public
// operations leave theta normalized to (-pi, pi].
type Estimator struct {
	mu sync.Mutex

	x, y     float64
	thetaRad float64

	lastTotalDistanceMM *float64
	lastTotalAngleDeg   *float64
	lastLeftCounts      *int
	lastRightCounts     *int

	lastDeltaDistanceMM float64
	lastDeltaAngleDeg   float64

	source       Source
	mmPerTick    float64
	linearScale  float64
	angularScale float64

	clamper *geom.Clamper
	sink    Sink
	pending []history.Event
}

// New creates an estimator. A nil sink disables history emission.
func New(sink Sink, params Params) *Estimator {
	e := &Estimator{
		sink:         sink,
		source:       params.Source,
		mmPerTick:    params.MMPerTick,
		linearScale:  params.LinearScale,
		angularScale: params.AngularScale,
		clamper:      geom.NewClamper(nil),
	}
	if e.source == "" {
		e.source = SourceEncoders
	}
	if e.mmPerTick <= 0 {
		e.mmPerTick = defaultMMPerTick
	}
	if e.linearScale == 0 {
		e.linearScale = 1
	}
	if e.angularScale == 0 {
		e.angularScale = 1
	}
	return e
}

// SetGeometry installs the collision model used to clamp translations and
// validate poses. Passing nil disables clamping.
func (e *Estimator) SetGeometry(g *geom.Geometry) {
	e.mu.Lock()
	e.clamper = geom.NewClamper(g)
	e.mu.Unlock()
}

// Pose returns the current snapshot.
func (e *Estimator) Pose() Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// normalizeAngle wraps an angle into (-pi, pi].
func normalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	a -= math.Pi
	if a == -math.Pi {
		a = math.Pi
	}
	return a
}

// deltaEncoderCounts returns the shortest signed distance between two
// 16-bit encoder readings. Go's % keeps the dividend's sign, so the
// remainder is shifted positive before recentering.
func deltaEncoderCounts(prev, curr int) int {
	d := (curr - prev + encoderMax/2) % encoderMax
	if d < 0 {
		d += encoderMax
	}
	return d - encoderMax/2
}

func modCounts(v int) int {
	v %= encoderMax
	if v < 0 {
		v += encoderMax
	}
	return v
}

// Reset places the pose directly, optionally installing accumulator
// baselines, and emits a reset event.
func (e *Estimator) Reset(xMM, yMM, thetaDeg float64, opts ResetOptions) Pose {
	e.mu.Lock()
	defer e.flushEvents()
	defer e.mu.Unlock()

	e.x = xMM
	e.y = yMM
	e.thetaRad = normalizeAngle(thetaDeg * math.Pi / 180)
	e.snapPoseToValidLocked()

	e.lastTotalDistanceMM = opts.BaseTotalDistanceMM
	e.lastTotalAngleDeg = opts.BaseTotalAngleDeg
	e.lastLeftCounts = nil
	e.lastRightCounts = nil
	if opts.BaseLeftEncoderCounts != nil {
		v := modCounts(*opts.BaseLeftEncoderCounts)
		e.lastLeftCounts = &v
	}
	if opts.BaseRightEncoderCounts != nil {
		v := modCounts(*opts.BaseRightEncoderCounts)
		e.lastRightCounts = &v
	}
	e.lastDeltaDistanceMM = 0
	e.lastDeltaAngleDeg = 0

	e.emitLocked(history.Event{
		Event:    "reset",
		XMM:      e.x,
		YMM:      e.y,
		ThetaDeg: math.Mod(e.thetaRad*180/math.Pi+360, 360),
	})
	return e.snapshotLocked()
}

// UpdateFromTelemetry integrates one sensor frame. Encoder counts are used
// whenever present; otherwise the scalar totals are differentiated.
func (e *Estimator) UpdateFromTelemetry(t oi.Telemetry) Pose {
	e.mu.Lock()
	defer e.flushEvents()
	defer e.mu.Unlock()

	if t.EncodersSeen {
		var oiAngleDelta *float64
		if e.source == SourceDistanceAngle {
			oiAngleDelta = e.consumeOIAngleDeltaLocked(float64(t.TotalAngleDeg))
		}
		return e.updateFromEncodersLocked(t, oiAngleDelta)
	}

	totalDistance := float64(t.TotalDistanceMM)
	totalAngle := float64(t.TotalAngleDeg)

	if e.lastTotalDistanceMM == nil || e.lastTotalAngleDeg == nil {
		e.lastTotalDistanceMM = &totalDistance
		e.lastTotalAngleDeg = &totalAngle
		return e.snapshotLocked()
	}

	deltaDistance := (totalDistance - *e.lastTotalDistanceMM) * e.linearScale
	deltaAngle := (totalAngle - *e.lastTotalAngleDeg) * e.angularScale
	e.lastTotalDistanceMM = &totalDistance
	e.lastTotalAngleDeg = &totalAngle

	e.lastDeltaDistanceMM = deltaDistance
	e.lastDeltaAngleDeg = deltaAngle

	if deltaDistance != 0 || deltaAngle != 0 {
		dtheta := deltaAngle * math.Pi / 180
		e.thetaRad = normalizeAngle(e.thetaRad + dtheta)
		applied := e.applyTranslationLocked(deltaDistance, "distance_angle", t.Timestamp, deltaAngle)
		e.lastDeltaDistanceMM = applied
		e.lastDeltaAngleDeg = deltaAngle
	}

	return e.snapshotLocked()
}

func (e *Estimator) updateFromEncodersLocked(t oi.Telemetry, oiAngleDelta *float64) Pose {
	dl, dr := e.consumeEncoderWheelsLocked(t.LeftEncoderCounts, t.RightEncoderCounts)

	d := (dl + dr) * 0.5 * e.linearScale
	if (t.BumpLeft || t.BumpRight) && d > 0 {
		// Rotation still integrates while a bump blocks forward motion.
		d = 0
	}

	var angleDeg float64
	if oiAngleDelta != nil {
		angleDeg = *oiAngleDelta * e.angularScale
	} else {
		angleDeg = (dr - dl) / wheelBaseMM * 180 / math.Pi * e.angularScale
	}

	a := angleDeg * math.Pi / 180
	e.thetaRad = normalizeAngle(e.thetaRad + a)

	applied := e.applyTranslationLocked(d, "encoders", t.Timestamp, angleDeg)
	e.lastDeltaDistanceMM = applied
	e.lastDeltaAngleDeg = angleDeg
	return e.snapshotLocked()
}

// applyTranslationLocked runs the theta-then-translate-then-clamp sequence
// shared by both sources, emits the update event, and returns the applied
// signed distance.
func (e *Estimator) applyTranslationLocked(d float64, source, telemetryTS string, angleDeg float64) float64 {
	expectedDX := d * math.Cos(e.thetaRad)
	expectedDY := d * math.Sin(e.thetaRad)

	delta, applied := e.clamper.Apply(r2.Vec{X: e.x, Y: e.y}, e.thetaRad, d)
	e.x += delta.X
	e.y += delta.Y

	if applied != 0 || angleDeg != 0 {
		clamped := math.Abs(delta.X-expectedDX) > 1e-3 || math.Abs(delta.Y-expectedDY) > 1e-3
		e.emitLocked(history.Event{
			Event:            "update",
			DistanceMM:       &applied,
			AngleDeg:         &angleDeg,
			XMM:              e.x,
			YMM:              e.y,
			ThetaDeg:         e.thetaRad * 180 / math.Pi,
			TelemetryTS:      telemetryTS,
			Source:           source,
			CollisionClamped: &clamped,
		})
	}
	return applied
}

func (e *Estimator) consumeEncoderWheelsLocked(left, right int) (float64, float64) {
	left = modCounts(left)
	right = modCounts(right)

	if e.lastLeftCounts == nil || e.lastRightCounts == nil {
		e.lastLeftCounts = &left
		e.lastRightCounts = &right
		return 0, 0
	}

	dl := deltaEncoderCounts(*e.lastLeftCounts, left)
	dr := deltaEncoderCounts(*e.lastRightCounts, right)
	e.lastLeftCounts = &left
	e.lastRightCounts = &right

	return float64(dl) * e.mmPerTick, float64(dr) * e.mmPerTick
}

func (e *Estimator) consumeOIAngleDeltaLocked(total float64) *float64 {
	if e.lastTotalAngleDeg == nil {
		e.lastTotalAngleDeg = &total
		return nil
	}
	delta := total - *e.lastTotalAngleDeg
	e.lastTotalAngleDeg = &total
	return &delta
}

// ApplyExternalPose blends an externally measured pose into the estimate.
// Blend factors are clamped to [0,1]; theta blends along the shortest
// angular difference. Accumulator baselines are untouched.
func (e *Estimator) ApplyExternalPose(xMM, yMM, thetaDeg, blendPos, blendTheta float64, source string) Pose {
	e.mu.Lock()
	defer e.flushEvents()
	defer e.mu.Unlock()

	bp := math.Max(0, math.Min(1, blendPos))
	bt := math.Max(0, math.Min(1, blendTheta))

	e.x += (xMM - e.x) * bp
	e.y += (yMM - e.y) * bp

	currentDeg := e.thetaRad * 180 / math.Pi
	deltaDeg := math.Mod(thetaDeg-currentDeg+180, 360)
	if deltaDeg < 0 {
		deltaDeg += 360
	}
	deltaDeg -= 180
	e.thetaRad = normalizeAngle((currentDeg + deltaDeg*bt) * math.Pi / 180)

	e.snapPoseToValidLocked()
	e.lastDeltaDistanceMM = 0
	e.lastDeltaAngleDeg = 0

	e.emitLocked(history.Event{
		Event:      "external_pose",
		XMM:        e.x,
		YMM:        e.y,
		ThetaDeg:   e.thetaRad * 180 / math.Pi,
		Source:     source,
		BlendPos:   &bp,
		BlendTheta: &bt,
	})
	return e.snapshotLocked()
}

// snapPoseToValidLocked spiral-searches ring by ring for the nearest valid
// point when the current pose has negative clearance.
func (e *Estimator) snapPoseToValidLocked() {
	g := e.clamper.Geometry()
	if !g.Enabled() {
		return
	}
	base := r2.Vec{X: e.x, Y: e.y}
	if g.Clearance(base) >= 0 {
		return
	}

	const ringStep = 20.0
	const angleStepDeg = 12.0
	maxRadius := math.Max(300, g.Radius()*3)
	rings := int(maxRadius / ringStep)

	for ri := 1; ri <= rings; ri++ {
		r := float64(ri) * ringStep
		for angle := 0.0; angle < 360; angle += angleStepDeg {
			ar := angle * math.Pi / 180
			cand := r2.Vec{X: base.X + r*math.Cos(ar), Y: base.Y + r*math.Sin(ar)}
			if g.Clearance(cand) >= 0 {
				// First valid point in the current ring is good enough.
				e.x = cand.X
				e.y = cand.Y
				return
			}
		}
	}
}

func (e *Estimator) snapshotLocked() Pose {
	return Pose{
		XMM:                 e.x,
		YMM:                 e.y,
		ThetaDeg:            e.thetaRad * 180 / math.Pi,
		LastDeltaDistanceMM: e.lastDeltaDistanceMM,
		LastDeltaAngleDeg:   e.lastDeltaAngleDeg,
	}
}

// emitLocked queues an event for emission. Events are handed to the sink by
// flushEvents after the estimator mutex is released; sink errors are
// dropped so journaling can never disturb pose integration.
func (e *Estimator) emitLocked(ev history.Event) {
	if e.sink == nil {
		return
	}
	e.pending = append(e.pending, ev)
}

// flushEvents drains queued events to the sink. Called without the mutex
// held (deferred after the unlock).
func (e *Estimator) flushEvents() {
	e.mu.Lock()
	events := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ev := range events {
		_ = e.sink(ev)
	}
}
