package geom

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func squareRoom() Polygon {
	return Polygon{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 1000}, {X: 0, Y: 1000}}
}

func TestClearanceInsideRoom(t *testing.T) {
	g := New(squareRoom(), nil, 100, 1)

	// Center of the room: 500 to every wall, minus the radius.
	if got := g.Clearance(r2.Vec{X: 500, Y: 500}); math.Abs(got-400) > 1e-9 {
		t.Errorf("clearance at center = %v, want 400", got)
	}

	// Near the right wall.
	if got := g.Clearance(r2.Vec{X: 950, Y: 500}); math.Abs(got-(-50)) > 1e-9 {
		t.Errorf("clearance near wall = %v, want -50", got)
	}
}

func TestClearanceOutsideRoomIsNegative(t *testing.T) {
	g := New(squareRoom(), nil, 100, 1)
	if got := g.Clearance(r2.Vec{X: 1200, Y: 500}); math.Abs(got-(-200)) > 1e-9 {
		t.Errorf("clearance outside = %v, want -200", got)
	}
}

func TestClearanceWithObstacle(t *testing.T) {
	obstacle := Polygon{{X: 400, Y: 400}, {X: 600, Y: 400}, {X: 600, Y: 600}, {X: 400, Y: 600}}
	g := New(squareRoom(), []Polygon{obstacle}, 50, 1)

	// 100 mm from the obstacle's left edge, minus the radius.
	if got := g.Clearance(r2.Vec{X: 300, Y: 500}); math.Abs(got-50) > 1e-9 {
		t.Errorf("clearance near obstacle = %v, want 50", got)
	}

	// Inside the obstacle: negative edge distance.
	if got := g.Clearance(r2.Vec{X: 500, Y: 500}); math.Abs(got-(-100)) > 1e-9 {
		t.Errorf("clearance inside obstacle = %v, want -100", got)
	}
}

func TestMarginScaleInflatesRadius(t *testing.T) {
	g := New(squareRoom(), nil, 100, 1.5)
	if got := g.Clearance(r2.Vec{X: 500, Y: 500}); math.Abs(got-350) > 1e-9 {
		t.Errorf("clearance with margin scale = %v, want 350", got)
	}
}

func TestPointInPolygon(t *testing.T) {
	poly := squareRoom()
	tests := []struct {
		p    r2.Vec
		want bool
	}{
		{r2.Vec{X: 500, Y: 500}, true},
		{r2.Vec{X: -1, Y: 500}, false},
		{r2.Vec{X: 1500, Y: 500}, false},
		{r2.Vec{X: 0, Y: 500}, true}, // on an edge counts as inside
	}
	for _, tc := range tests {
		if got := pointInPolygon(tc.p, poly); got != tc.want {
			t.Errorf("pointInPolygon(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestDisabledGeometry(t *testing.T) {
	g := New(nil, nil, 100, 1)
	if g.Enabled() {
		t.Error("geometry without a room must be disabled")
	}
	if got := g.Clearance(r2.Vec{X: 0, Y: 0}); !math.IsInf(got, 1) {
		t.Errorf("clearance = %v, want +Inf", got)
	}
}
