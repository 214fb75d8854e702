package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// clearanceTolMM is the allowed degradation when the starting pose is
// already invalid: moves that do not lose more than this stay accepted so a
// robot pinned against geometry can still slide free.
const clearanceTolMM = 2.0

// slideScales are the tangential step fractions tried, in order, when the
// direct step is blocked.
var slideScales = [...]float64{1.0, 0.7, 0.45, 0.25}

// Clamper applies incremental step-and-slide clamping of a motion increment
// against a Geometry.
type Clamper struct {
	geo *Geometry
}

// NewClamper wraps a collision model. A nil geometry passes all motion
// through untouched.
func NewClamper(geo *Geometry) *Clamper { return &Clamper{geo: geo} }

// Geometry returns the installed collision model, which may be nil.
func (c *Clamper) Geometry() *Geometry { return c.geo }

// acceptClearance decides whether a candidate position is reachable: valid
// positions always are; from an already-invalid start, non-degrading moves
// are allowed so tangential sliding can escape.
func acceptClearance(start, candidate float64) bool {
	if start >= 0 {
		return candidate >= 0
	}
	return candidate >= start-clearanceTolMM
}

// trySlide projects the blocked step onto the tangent of the nearest
// blocking edge and returns the first scaled tangential step that satisfies
// the clearance rule, or false when none does.
func (c *Clamper) trySlide(base, step, probe r2.Vec, startClearance float64) (r2.Vec, bool) {
	e, ok := c.geo.nearestBlockingEdge(probe)
	if !ok {
		e, ok = c.geo.nearestBlockingEdge(base)
	}
	if !ok {
		return r2.Vec{}, false
	}
	dir := r2.Sub(e.b, e.a)
	norm := r2.Norm(dir)
	if norm <= epsilon {
		return r2.Vec{}, false
	}
	tangent := r2.Scale(1/norm, dir)
	along := r2.Dot(step, tangent)
	if math.Abs(along) <= epsilon {
		return r2.Vec{}, false
	}

	for _, scale := range slideScales {
		cand := r2.Scale(along*scale, tangent)
		if acceptClearance(startClearance, c.geo.Clearance(r2.Add(base, cand))) {
			return cand, true
		}
	}
	return r2.Vec{}, false
}

// Apply clamps a desired motion of the given signed distance along heading
// (radians) starting at start. It returns the applied displacement and its
// signed magnitude, negative when the heading was reversed. Without geometry
// the desired step passes through.
func (c *Clamper) Apply(start r2.Vec, heading, desiredDistance float64) (r2.Vec, float64) {
	if math.Abs(desiredDistance) <= epsilon {
		return r2.Vec{}, 0
	}
	if c.geo == nil || !c.geo.Enabled() {
		delta := r2.Vec{
			X: desiredDistance * math.Cos(heading),
			Y: desiredDistance * math.Sin(heading),
		}
		return delta, desiredDistance
	}

	direction := 1.0
	if desiredDistance < 0 {
		direction = -1.0
	}
	distance := math.Abs(desiredDistance)

	maxStep := 20.0
	if r := c.geo.Radius(); r > 0 {
		maxStep = math.Max(5, math.Min(20, r/2))
	}

	unit := r2.Vec{
		X: direction * math.Cos(heading),
		Y: direction * math.Sin(heading),
	}

	cur := start
	startClearance := c.geo.Clearance(cur)
	var moved r2.Vec
	remaining := distance

	for remaining > epsilon {
		stepLen := math.Min(maxStep, remaining)
		step := r2.Scale(stepLen, unit)
		probe := r2.Add(cur, step)

		if acceptClearance(startClearance, c.geo.Clearance(probe)) {
			cur = probe
			moved = r2.Add(moved, step)
			startClearance = c.geo.Clearance(cur)
			remaining -= stepLen
			continue
		}

		slide, ok := c.trySlide(cur, step, probe, startClearance)
		if !ok {
			break
		}
		cur = r2.Add(cur, slide)
		moved = r2.Add(moved, slide)
		startClearance = c.geo.Clearance(cur)
		remaining -= stepLen
	}

	signed := r2.Norm(moved)
	if direction < 0 {
		signed = -signed
	}
	return moved, signed
}
