// Package posesnap derives absolute world poses from detected fiducial
// markers with known plan coordinates and blends them into the
// dead-reckoned estimate. One marker yields a distance estimate from its
// apparent size; two markers additionally use their pixel spacing. Shape
// obliquity (the skew of the detected quadrilateral) corrects both distance
// and heading.
package posesnap

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/jvexiau/roomba-player/internal/odometry"
	"github.com/jvexiau/roomba-player/internal/plan"
	"github.com/jvexiau/roomba-player/internal/vision"
)

const (
	// refSizeMM and refAreaPx anchor the apparent-size distance model: a
	// reference marker of 150 mm shows ~3253 px^2 at the reference distance.
	refSizeMM = 150.0
	refAreaPx = 3253.0

	// Distance estimates are clamped to this plausible range.
	minDistanceMM = 70.0
	maxDistanceMM = 2500.0

	// focalFallbackScale damps the focal-only distance estimate, which runs
	// long on wide-angle camera modules.
	focalFallbackScale = 0.18

	defaultStandoffMM = 250.0

	// Pair-snap eligibility: anchors closer than this in world or pixels
	// give too noisy a baseline.
	minPairWorldMM = 80.0
	minPairPixels  = 2.0
)

// Params configure the snap maths.
type Params struct {
	Enabled             bool
	FocalPx             float64
	DefaultMarkerSizeMM float64
	HeadingGainDeg      float64
	PoseBlendFloor      float64
	ThetaBlendFloor     float64
}

// Target is a derived absolute pose with its blend factors.
type Target struct {
	XMM        float64
	YMM        float64
	ThetaDeg   float64
	BlendPos   float64
	BlendTheta float64
	Source     string
}

// PoseApplier is the estimator-side contract the snapper emits into.
type PoseApplier interface {
	ApplyExternalPose(xMM, yMM, thetaDeg, blendPos, blendTheta float64, source string) odometry.Pose
}

// Snapper consumes detection results and applies derived poses. Consecutive
// results with the same timestamp and marker id set are applied once.
type Snapper struct {
	params    Params
	estimator PoseApplier

	mu      sync.Mutex
	lastKey string
}

// New creates a snapper. Blend floors default to 0.9 when unset.
func New(estimator PoseApplier, params Params) *Snapper {
	if params.PoseBlendFloor <= 0 {
		params.PoseBlendFloor = 0.9
	}
	if params.ThetaBlendFloor <= 0 {
		params.ThetaBlendFloor = 0.9
	}
	if params.DefaultMarkerSizeMM <= 0 {
		params.DefaultMarkerSizeMM = refSizeMM
	}
	return &Snapper{params: params, estimator: estimator}
}

// HandleResult derives and applies a pose from one detection result. No-op
// when snapping is disabled, nothing was detected, no anchors are
// configured, or no detected id matches an anchor.
func (s *Snapper) HandleResult(res vision.Result, p *plan.Plan) {
	if !s.params.Enabled || !res.OK || len(res.Markers) == 0 || p == nil || len(p.ArucoMarkers) == 0 {
		return
	}

	matched := make([]matchedMarker, 0, len(res.Markers))
	for _, det := range res.Markers {
		if anchor, ok := p.MarkerByID(det.ID); ok {
			matched = append(matched, matchedMarker{det: det, anchor: anchor})
		}
	}
	if len(matched) == 0 {
		return
	}

	if s.seen(res.Timestamp, matched) {
		return
	}

	// Largest markers carry the most reliable size signal.
	sort.Slice(matched, func(i, j int) bool { return matched[i].det.AreaPx > matched[j].det.AreaPx })

	target, ok := s.pairTarget(matched, res.FrameWidth)
	if !ok {
		target, ok = s.firstSingleTarget(matched, res.FrameWidth)
	}
	if !ok {
		return
	}

	s.estimator.ApplyExternalPose(target.XMM, target.YMM, target.ThetaDeg, target.BlendPos, target.BlendTheta, target.Source)
}

type matchedMarker struct {
	det    vision.Detection
	anchor plan.Marker
}

// seen deduplicates consecutive identical physical observations by
// (timestamp, sorted ids).
func (s *Snapper) seen(timestamp string, matched []matchedMarker) bool {
	ids := make([]int, len(matched))
	for i, m := range matched {
		ids[i] = m.det.ID
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	key := timestamp + "|" + strings.Join(parts, ",")

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.lastKey {
		return true
	}
	s.lastKey = key
	return false
}

func (s *Snapper) firstSingleTarget(matched []matchedMarker, frameWidth int) (Target, bool) {
	for _, m := range matched {
		if t, ok := s.singleTarget(m, frameWidth); ok {
			return t, true
		}
	}
	return Target{}, false
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// normalizeDeg wraps an angle into (-180, 180].
func normalizeDeg(a float64) float64 {
	a = math.Mod(a+180, 360)
	if a < 0 {
		a += 360
	}
	a -= 180
	if a == -180 {
		a = 180
	}
	return a
}

// shape summarises the detected quadrilateral: obliquity cosine, signed yaw
// in degrees (positive when the right edge is longer, i.e. the right side is
// physically nearer), and the mean edge length in pixels.
type shape struct {
	cos       float64
	yawDeg    float64
	avgEdgePx float64
}

func shapeMetrics(c [4][2]float64) shape {
	dist := func(a, b [2]float64) float64 {
		return math.Hypot(b[0]-a[0], b[1]-a[1])
	}
	e01 := dist(c[0], c[1])
	e12 := dist(c[1], c[2])
	e23 := dist(c[2], c[3])
	e30 := dist(c[3], c[0])

	w := (e01 + e23) / 2
	h := (e12 + e30) / 2
	lo, hi := math.Min(w, h), math.Max(w, h)
	cos := 1.0
	if hi > 0 {
		cos = clampf(lo/hi, 0.08, 1.0)
	}
	yaw := math.Acos(cos) * 180 / math.Pi
	if e12 < e30 {
		yaw = -yaw
	}
	return shape{cos: cos, yawDeg: yaw, avgEdgePx: (e01 + e12 + e23 + e30) / 4}
}

func (m matchedMarker) sizeMM(fallback float64) float64 {
	if m.anchor.SizeMM > 0 {
		return m.anchor.SizeMM
	}
	return fallback
}

// anchorAxis returns the anchor's outward unit axis and base standoff distance:
// toward the snap_pose point when one is declared, else along the anchor's
// orientation with the configured front offset.
func anchorAxis(anchor plan.Marker) (ax, ay, base float64) {
	if anchor.SnapPose != nil {
		dx := anchor.SnapPose.XMM - anchor.XMM
		dy := anchor.SnapPose.YMM - anchor.YMM
		d := math.Hypot(dx, dy)
		if d > 1e-9 {
			return dx / d, dy / d, d
		}
	}
	theta := 0.0
	if anchor.ThetaDeg != nil {
		theta = *anchor.ThetaDeg * math.Pi / 180
	}
	return math.Cos(theta), math.Sin(theta), anchor.FrontOffsetMM
}

// singleTarget derives the pose implied by one marker detection.
func (s *Snapper) singleTarget(m matchedMarker, frameWidth int) (Target, bool) {
	ax, ay, base := anchorAxis(m.anchor)
	size := m.sizeMM(s.params.DefaultMarkerSizeMM)
	sh := shapeMetrics(m.det.Corners)

	areaAnchor := refAreaPx * (size / refSizeMM) * (size / refSizeMM)
	p := 0.0
	if areaAnchor > 0 {
		p = clampf(m.det.AreaPx/areaAnchor, 0, 1)
	}

	var distance float64
	switch {
	case m.det.AreaPx > 1:
		distance = refSizeMM * (size / refSizeMM) * math.Sqrt(areaAnchor/m.det.AreaPx)
		distance *= math.Sqrt(sh.cos)
		distance = clampf(distance, minDistanceMM, maxDistanceMM)
	case sh.avgEdgePx > 0 && s.params.FocalPx > 0:
		distance = clampf(s.params.FocalPx*size/sh.avgEdgePx*focalFallbackScale, minDistanceMM, maxDistanceMM)
	case base > 0:
		distance = base
	default:
		distance = defaultStandoffMM
	}

	tx := m.anchor.XMM + ax*distance
	ty := m.anchor.YMM + ay*distance

	// The robot faces the marker.
	baseHeading := math.Atan2(-ay, -ax) * 180 / math.Pi

	heading := baseHeading
	if frameWidth > 0 {
		offset := m.det.Center[0]/float64(frameWidth) - 0.5
		heading += offset * s.params.HeadingGainDeg * 0.2 * (1 - p)
	}
	heading += sh.yawDeg * 0.33 * (1 - 0.5*p)
	heading = normalizeDeg(heading)

	blendPos, blendTheta := s.blends(sh.cos, p, &heading, baseHeading)

	return Target{
		XMM:        tx,
		YMM:        ty,
		ThetaDeg:   heading,
		BlendPos:   blendPos,
		BlendTheta: blendTheta,
		Source:     "aruco_snap",
	}, true
}

// blends computes the blend factors and, for a frontal view, snaps the
// heading hard back to the base value.
func (s *Snapper) blends(shapeCos, p float64, heading *float64, baseHeading float64) (float64, float64) {
	if shapeCos >= 0.96-0.08*p {
		*heading = normalizeDeg(baseHeading)
		return 1.0, 1.0
	}
	blendPos := clampf(0.88+0.2*p, s.params.PoseBlendFloor, 1.0)
	blendTheta := clampf(0.86+0.25*p, s.params.ThetaBlendFloor, 1.0)
	return blendPos, blendTheta
}

// pairTarget derives the pose implied by the best-scoring pair of detected
// anchors, when one qualifies.
func (s *Snapper) pairTarget(matched []matchedMarker, frameWidth int) (Target, bool) {
	type pair struct {
		a, b  matchedMarker
		score float64
		pxd   float64
	}
	var best *pair
	for i := range matched {
		for j := range matched {
			if i == j {
				continue
			}
			a, b := matched[i], matched[j]
			worldDist := math.Hypot(b.anchor.XMM-a.anchor.XMM, b.anchor.YMM-a.anchor.YMM)
			if worldDist < minPairWorldMM {
				continue
			}
			pxd := math.Hypot(b.det.Center[0]-a.det.Center[0], b.det.Center[1]-a.det.Center[1])
			if pxd < minPairPixels {
				continue
			}
			score := a.det.AreaPx + b.det.AreaPx + 120*pxd
			if best == nil || score > best.score {
				best = &pair{a: a, b: b, score: score, pxd: pxd}
			}
		}
	}
	if best == nil {
		return Target{}, false
	}

	a, b := best.a, best.b
	spacing := math.Hypot(b.anchor.XMM-a.anchor.XMM, b.anchor.YMM-a.anchor.YMM)

	// World tangent from anchor A to B and the outward normal: the candidate
	// whose dot product with the averaged anchor axes is larger.
	tx := (b.anchor.XMM - a.anchor.XMM) / spacing
	ty := (b.anchor.YMM - a.anchor.YMM) / spacing
	axA, ayA, _ := anchorAxis(a.anchor)
	axB, ayB, _ := anchorAxis(b.anchor)
	avgAX, avgAY := (axA+axB)/2, (ayA+ayB)/2
	nx, ny := -ty, tx
	if nx*avgAX+ny*avgAY < 0 {
		nx, ny = -nx, -ny
	}

	shA := shapeMetrics(a.det.Corners)
	shB := shapeMetrics(b.det.Corners)
	avgShapeCos := (shA.cos + shB.cos) / 2
	avgYaw := (shA.yawDeg + shB.yawDeg) / 2
	avgSize := (a.sizeMM(s.params.DefaultMarkerSizeMM) + b.sizeMM(s.params.DefaultMarkerSizeMM)) / 2
	avgSide := (shA.avgEdgePx + shB.avgEdgePx) / 2
	avgArea := (a.det.AreaPx + b.det.AreaPx) / 2

	if s.params.FocalPx <= 0 {
		return Target{}, false
	}
	distance := s.params.FocalPx * spacing / best.pxd
	if avgSide > 0 {
		dSize := s.params.FocalPx * avgSize / avgSide
		distance = 0.75*distance + 0.25*dSize
	}
	if avgArea > 0 {
		dArea := s.params.FocalPx * avgSize / math.Sqrt(avgArea) * math.Sqrt(avgShapeCos)
		distance = 0.85*distance + 0.15*dArea
	}
	distance = clampf(distance, minDistanceMM, maxDistanceMM)

	midX := (a.anchor.XMM + b.anchor.XMM) / 2
	midY := (a.anchor.YMM + b.anchor.YMM) / 2

	avgAreaAnchor := refAreaPx * (avgSize / refSizeMM) * (avgSize / refSizeMM)
	p := 0.0
	if avgAreaAnchor > 0 {
		p = clampf(avgArea/avgAreaAnchor, 0, 1)
	}

	baseHeading := math.Atan2(-ny, -nx) * 180 / math.Pi
	heading := baseHeading
	if frameWidth > 0 {
		midCX := (a.det.Center[0] + b.det.Center[0]) / 2
		offset := midCX/float64(frameWidth) - 0.5
		heading += offset * s.params.HeadingGainDeg * 0.25 * (1 - p)
	}
	heading += avgYaw * 0.22 * (1 - 0.5*p)
	heading = normalizeDeg(heading)

	blendPos, blendTheta := s.blends(avgShapeCos, p, &heading, baseHeading)

	return Target{
		XMM:        midX + nx*distance,
		YMM:        midY + ny*distance,
		ThetaDeg:   heading,
		BlendPos:   blendPos,
		BlendTheta: blendTheta,
		Source:     "aruco_pair_snap",
	}, true
}
