package odometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/jvexiau/roomba-player/internal/geom"
	"github.com/jvexiau/roomba-player/internal/history"
	"github.com/jvexiau/roomba-player/internal/oi"
)

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func totalsTelemetry(distance, angle int) oi.Telemetry {
	return oi.Telemetry{TotalDistanceMM: distance, TotalAngleDeg: angle, Timestamp: "t"}
}

func encoderTelemetry(left, right int) oi.Telemetry {
	return oi.Telemetry{LeftEncoderCounts: left, RightEncoderCounts: right, EncodersSeen: true, Timestamp: "t"}
}

func TestOdometryFromSensorTotals(t *testing.T) {
	odom := New(nil, Params{Source: SourceDistanceAngle})

	odom.UpdateFromTelemetry(totalsTelemetry(0, 0))
	pose := odom.UpdateFromTelemetry(totalsTelemetry(100, 0))
	assert.InDelta(t, 100, pose.XMM, 1e-9)
	assert.InDelta(t, 0, pose.YMM, 1e-9)

	pose = odom.UpdateFromTelemetry(totalsTelemetry(100, 90))
	assert.InDelta(t, 100, pose.XMM, 1e-9)
	assert.InDelta(t, 0, pose.YMM, 1e-9)
	assert.InDelta(t, 90, pose.ThetaDeg, 1e-9)

	pose = odom.UpdateFromTelemetry(totalsTelemetry(200, 90))
	assert.InDelta(t, 100, pose.XMM, 1e-6)
	assert.InDelta(t, 100, pose.YMM, 1e-6)
}

func TestResetAnchorsSensorBaseline(t *testing.T) {
	odom := New(nil, Params{Source: SourceDistanceAngle})
	odom.Reset(4200, 7000, 0, ResetOptions{
		BaseTotalDistanceMM: ptrF(1000),
		BaseTotalAngleDeg:   ptrF(90),
	})
	pose := odom.UpdateFromTelemetry(totalsTelemetry(1000, 90))
	assert.InDelta(t, 4200, pose.XMM, 1e-9)
	assert.InDelta(t, 7000, pose.YMM, 1e-9)
	assert.InDelta(t, 0, pose.ThetaDeg, 1e-9)
}

func TestEncoderForward(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	pose := odom.UpdateFromTelemetry(encoderTelemetry(1100, 1100))
	assert.Greater(t, pose.XMM, 40.0)
	assert.Less(t, math.Abs(pose.YMM), 1.0)
}

func TestEncoderWrapAround(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(65500),
		BaseRightEncoderCounts: ptrI(65500),
	})
	// Counts wrap through zero: delta is +136 per wheel, not -65400.
	pose := odom.UpdateFromTelemetry(encoderTelemetry(100, 100))
	assert.InDelta(t, 136*0.445, pose.XMM, 1e-6)
}

func TestDeltaEncoderCounts(t *testing.T) {
	tests := []struct {
		prev, curr, want int
	}{
		{1000, 1100, 100},
		{1100, 1000, -100},
		{65500, 100, 136},
		{100, 65500, -136},
		{0, 32768, -32768},
	}
	for _, tc := range tests {
		if got := deltaEncoderCounts(tc.prev, tc.curr); got != tc.want {
			t.Errorf("deltaEncoderCounts(%d, %d) = %d, want %d", tc.prev, tc.curr, got, tc.want)
		}
	}
}

func TestBumpFreezesEncoderStep(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	tel := encoderTelemetry(1100, 1100)
	tel.BumpLeft = true
	pose := odom.UpdateFromTelemetry(tel)
	assert.InDelta(t, 0, pose.XMM, 1e-9)
	assert.InDelta(t, 0, pose.YMM, 1e-9)
}

func TestBumpBlocksForwardButKeepsRotation(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	tel := encoderTelemetry(900, 1100)
	tel.BumpRight = true
	pose := odom.UpdateFromTelemetry(tel)
	assert.InDelta(t, 0, pose.XMM, 1e-9)
	assert.InDelta(t, 0, pose.YMM, 1e-9)
	assert.Greater(t, math.Abs(pose.ThetaDeg), 0.1)
}

func TestLinearScaleReducesDistance(t *testing.T) {
	odomA := New(nil, Params{Source: SourceEncoders, LinearScale: 1.0})
	odomB := New(nil, Params{Source: SourceEncoders, LinearScale: 0.5})
	for _, o := range []*Estimator{odomA, odomB} {
		o.Reset(0, 0, 0, ResetOptions{
			BaseLeftEncoderCounts:  ptrI(1000),
			BaseRightEncoderCounts: ptrI(1000),
		})
	}
	poseA := odomA.UpdateFromTelemetry(encoderTelemetry(1200, 1200))
	poseB := odomB.UpdateFromTelemetry(encoderTelemetry(1200, 1200))
	assert.Less(t, poseB.XMM, poseA.XMM)
}

func TestDistanceAngleModeUsesEncoderPose(t *testing.T) {
	odom := New(nil, Params{Source: SourceDistanceAngle})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseTotalDistanceMM:    ptrF(1000),
		BaseTotalAngleDeg:      ptrF(20),
		BaseLeftEncoderCounts:  ptrI(2000),
		BaseRightEncoderCounts: ptrI(2000),
	})
	tel := encoderTelemetry(2100, 2100)
	tel.TotalDistanceMM = 1000
	tel.TotalAngleDeg = 30
	pose := odom.UpdateFromTelemetry(tel)
	assert.Greater(t, pose.XMM, 40.0)
	assert.InDelta(t, 10, pose.ThetaDeg, 1e-6)
}

func TestDistanceAnglePrefersEncoderTranslation(t *testing.T) {
	odom := New(nil, Params{Source: SourceDistanceAngle})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseTotalDistanceMM:    ptrF(1000),
		BaseTotalAngleDeg:      ptrF(0),
		BaseLeftEncoderCounts:  ptrI(2000),
		BaseRightEncoderCounts: ptrI(2000),
	})
	tel := encoderTelemetry(2200, 2200)
	tel.TotalDistanceMM = 1001 // tiny vendor distance delta
	tel.TotalAngleDeg = 0
	pose := odom.UpdateFromTelemetry(tel)
	assert.Greater(t, pose.XMM, 80.0)
}

func TestIdenticalAccumulatorsProduceNoChange(t *testing.T) {
	odom := New(nil, Params{Source: SourceDistanceAngle})
	odom.UpdateFromTelemetry(totalsTelemetry(500, 45))
	first := odom.UpdateFromTelemetry(totalsTelemetry(500, 45))
	second := odom.UpdateFromTelemetry(totalsTelemetry(500, 45))
	assert.Equal(t, first.XMM, second.XMM)
	assert.Equal(t, first.YMM, second.YMM)
	assert.Equal(t, first.ThetaDeg, second.ThetaDeg)
}

func TestThetaStaysNormalized(t *testing.T) {
	odom := New(nil, Params{Source: SourceDistanceAngle})
	odom.UpdateFromTelemetry(totalsTelemetry(0, 0))
	for _, angle := range []int{170, 350, 700, 1080} {
		pose := odom.UpdateFromTelemetry(totalsTelemetry(0, angle))
		theta := pose.ThetaDeg
		assert.True(t, theta > -180 && theta <= 180, "theta %v out of (-180, 180]", theta)
	}
}

func TestResetNormalizesTheta(t *testing.T) {
	odom := New(nil, Params{})
	pose := odom.Reset(0, 0, 450, ResetOptions{})
	assert.InDelta(t, 90, pose.ThetaDeg, 1e-9)
}

func collisionGeometry(contour geom.Polygon, obstacles []geom.Polygon, radius float64) *geom.Geometry {
	return geom.New(contour, obstacles, radius, 1)
}

func TestCollisionGuardBlocksAtRoomWall(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.SetGeometry(collisionGeometry(
		geom.Polygon{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 1000}, {X: 0, Y: 1000}},
		nil, 100))
	odom.Reset(900, 500, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	pose := odom.UpdateFromTelemetry(encoderTelemetry(1200, 1200))
	assert.InDelta(t, 900, pose.XMM, 1e-6)
	assert.InDelta(t, 500, pose.YMM, 1e-6)
}

func TestCollisionGuardStopsAtObstacle(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.SetGeometry(collisionGeometry(
		geom.Polygon{{X: 0, Y: 0}, {X: 1200, Y: 0}, {X: 1200, Y: 1000}, {X: 0, Y: 1000}},
		[]geom.Polygon{{{X: 500, Y: 400}, {X: 700, Y: 400}, {X: 700, Y: 600}, {X: 500, Y: 600}}},
		80))
	odom.Reset(300, 500, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	pose := odom.UpdateFromTelemetry(encoderTelemetry(2000, 2000))
	assert.LessOrEqual(t, pose.XMM, 420.0)
	assert.InDelta(t, 500, pose.YMM, 1e-6)
}

func TestCollisionGuardSlidesAlongWall(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.SetGeometry(collisionGeometry(
		geom.Polygon{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 1000}, {X: 0, Y: 1000}},
		nil, 50))
	odom.Reset(200, 940, 45, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	pose := odom.UpdateFromTelemetry(encoderTelemetry(1200, 1200))
	assert.Greater(t, pose.XMM, 230.0)
	assert.LessOrEqual(t, pose.YMM, 951.0)
}

func TestApplyExternalPoseFullBlendReplaces(t *testing.T) {
	odom := New(nil, Params{})
	odom.Reset(0, 0, 0, ResetOptions{})
	pose := odom.ApplyExternalPose(500, 600, 45, 1.0, 1.0, "test")
	assert.InDelta(t, 500, pose.XMM, 1e-9)
	assert.InDelta(t, 600, pose.YMM, 1e-9)
	assert.InDelta(t, 45, pose.ThetaDeg, 1e-9)
}

func TestApplyExternalPosePartialBlend(t *testing.T) {
	odom := New(nil, Params{})
	odom.Reset(0, 0, 0, ResetOptions{})
	pose := odom.ApplyExternalPose(100, 0, 0, 0.5, 0.5, "test")
	assert.InDelta(t, 50, pose.XMM, 1e-9)
}

func TestApplyExternalPoseBlendsThetaShortestWay(t *testing.T) {
	odom := New(nil, Params{})
	odom.Reset(0, 0, 170, ResetOptions{})
	// 170 -> -170 is 20 degrees the short way through 180.
	pose := odom.ApplyExternalPose(0, 0, -170, 0, 0.5, "test")
	got := pose.ThetaDeg
	if got < 179 && got > -179 {
		t.Errorf("theta = %v, want near the 180 boundary", got)
	}
}

func TestApplyExternalPoseClampsBlends(t *testing.T) {
	odom := New(nil, Params{})
	odom.Reset(0, 0, 0, ResetOptions{})
	pose := odom.ApplyExternalPose(100, 100, 0, 2.0, -1.0, "test")
	assert.InDelta(t, 100, pose.XMM, 1e-9)
	assert.InDelta(t, 100, pose.YMM, 1e-9)
	assert.InDelta(t, 0, pose.ThetaDeg, 1e-9)
}

func TestExternalPoseDoesNotDisturbBaselines(t *testing.T) {
	odom := New(nil, Params{Source: SourceEncoders})
	odom.Reset(0, 0, 0, ResetOptions{
		BaseLeftEncoderCounts:  ptrI(1000),
		BaseRightEncoderCounts: ptrI(1000),
	})
	odom.ApplyExternalPose(500, 500, 0, 1.0, 1.0, "test")
	pose := odom.UpdateFromTelemetry(encoderTelemetry(1100, 1100))
	// The encoder delta still integrates from the unchanged baseline.
	assert.InDelta(t, 500+100*0.445, pose.XMM, 1e-6)
}

func TestSnapPoseToValid(t *testing.T) {
	odom := New(nil, Params{})
	odom.SetGeometry(collisionGeometry(
		geom.Polygon{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 1000}, {X: 0, Y: 1000}},
		nil, 100))
	// Reset outside the room: the pose snaps to a valid point nearby.
	pose := odom.Reset(1100, 500, 0, ResetOptions{})
	g := collisionGeometry(
		geom.Polygon{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 1000}, {X: 0, Y: 1000}},
		nil, 100)
	assert.GreaterOrEqual(t, g.Clearance(r2.Vec{X: pose.XMM, Y: pose.YMM}), 0.0)
}

func TestHistoryEvents(t *testing.T) {
	var events []history.Event
	sink := func(ev history.Event) error {
		events = append(events, ev)
		return nil
	}
	odom := New(sink, Params{Source: SourceDistanceAngle})
	odom.Reset(10, 20, 0, ResetOptions{})
	odom.UpdateFromTelemetry(totalsTelemetry(0, 0))
	odom.UpdateFromTelemetry(totalsTelemetry(30, 5))

	require.NotEmpty(t, events)
	assert.Equal(t, "reset", events[0].Event)
	var sawUpdate bool
	for _, ev := range events {
		if ev.Event == "update" {
			sawUpdate = true
			assert.Equal(t, "distance_angle", ev.Source)
		}
	}
	assert.True(t, sawUpdate)
}

func TestSinkErrorsDoNotPropagate(t *testing.T) {
	sink := func(history.Event) error { return assert.AnError }
	odom := New(sink, Params{})
	assert.NotPanics(t, func() {
		odom.Reset(1, 2, 3, ResetOptions{})
	})
	pose := odom.Pose()
	assert.InDelta(t, 1, pose.XMM, 1e-9)
}
