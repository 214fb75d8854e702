// Package geom holds the inflated floor plan used to clamp odometry motion:
// the room contour, obstacle polygons in world coordinates, and the robot
// disc radius. A pose is valid when the disc around it lies inside the room
// and outside every obstacle.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

const epsilon = 1e-6

// Polygon is an ordered sequence of vertices, implicitly closed.
type Polygon []r2.Vec

// Geometry is the collision model: room contour, obstacle polygons, and the
// robot radius the clearance checks inflate by.
type Geometry struct {
	room      Polygon
	obstacles []Polygon
	radius    float64
}

// New builds a collision model. A room with fewer than three vertices
// disables all checks (Clearance reports +Inf everywhere). The margin scale
// inflates the effective radius; values <= 0 mean no scaling.
func New(room Polygon, obstacles []Polygon, radiusMM, marginScale float64) *Geometry {
	if len(room) < 3 {
		room = nil
	}
	r := math.Max(0, radiusMM)
	if marginScale > 0 {
		r *= marginScale
	}
	kept := make([]Polygon, 0, len(obstacles))
	for _, o := range obstacles {
		if len(o) >= 3 {
			kept = append(kept, o)
		}
	}
	return &Geometry{room: room, obstacles: kept, radius: r}
}

// Radius returns the effective robot disc radius.
func (g *Geometry) Radius() float64 { return g.radius }

// Enabled reports whether the model carries a usable room contour.
func (g *Geometry) Enabled() bool { return g != nil && len(g.room) >= 3 }

// Clearance returns the signed distance from the robot disc at p to the
// nearest obstructing edge: negative outside the room or inside an obstacle.
func (g *Geometry) Clearance(p r2.Vec) float64 {
	if !g.Enabled() {
		return math.Inf(1)
	}

	roomEdge := distanceToEdges(p, g.room)
	var clearance float64
	if pointInPolygon(p, g.room) {
		clearance = roomEdge - g.radius
	} else {
		clearance = -roomEdge
	}

	for _, obs := range g.obstacles {
		obsEdge := distanceToEdges(p, obs)
		var c float64
		if pointInPolygon(p, obs) {
			c = -obsEdge
		} else {
			c = obsEdge - g.radius
		}
		clearance = math.Min(clearance, c)
	}
	return clearance
}

// Valid reports whether the disc at p has non-negative clearance.
func (g *Geometry) Valid(p r2.Vec) bool { return g.Clearance(p) >= 0 }

// edge is a polygon segment paired with its distance to a query point.
type edge struct {
	a, b r2.Vec
	dist float64
}

// nearestBlockingEdge finds the closest edge that qualifies as blocking from
// p: a room edge within the robot radius, any room edge when p is outside
// the room, or an obstacle edge similarly qualifying.
func (g *Geometry) nearestBlockingEdge(p r2.Vec) (edge, bool) {
	var candidates []edge

	if roomEdge, ok := closestEdge(p, g.room); ok {
		inRoom := pointInPolygon(p, g.room)
		if !inRoom || roomEdge.dist < g.radius {
			candidates = append(candidates, roomEdge)
		}
	}
	for _, obs := range g.obstacles {
		e, ok := closestEdge(p, obs)
		if !ok {
			continue
		}
		if pointInPolygon(p, obs) || e.dist < g.radius {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		return edge{}, false
	}
	best := candidates[0]
	for _, e := range candidates[1:] {
		if e.dist < best.dist {
			best = e
		}
	}
	return best, true
}

func closestEdge(p r2.Vec, poly Polygon) (edge, bool) {
	if len(poly) < 2 {
		return edge{}, false
	}
	var best edge
	found := false
	for i := range poly {
		a := poly[i]
		b := poly[(i+1)%len(poly)]
		d := distancePointSegment(p, a, b)
		if !found || d < best.dist {
			best = edge{a: a, b: b, dist: d}
			found = true
		}
	}
	return best, found
}

func distanceToEdges(p r2.Vec, poly Polygon) float64 {
	if len(poly) < 2 {
		return math.Inf(1)
	}
	best := math.Inf(1)
	for i := range poly {
		a := poly[i]
		b := poly[(i+1)%len(poly)]
		best = math.Min(best, distancePointSegment(p, a, b))
	}
	return best
}

func distancePointSegment(p, a, b r2.Vec) float64 {
	ab := r2.Sub(b, a)
	den := r2.Dot(ab, ab)
	if den <= epsilon {
		return r2.Norm(r2.Sub(p, a))
	}
	t := r2.Dot(r2.Sub(p, a), ab) / den
	t = math.Max(0, math.Min(1, t))
	q := r2.Add(a, r2.Scale(t, ab))
	return r2.Norm(r2.Sub(p, q))
}

// pointOnSegment reports whether p lies on the segment a-b, within a small
// cross-product tolerance.
func pointOnSegment(p, a, b r2.Vec) bool {
	ab := r2.Sub(b, a)
	ap := r2.Sub(p, a)
	if math.Abs(r2.Cross(ab, ap)) > 1e-3 {
		return false
	}
	dot := r2.Dot(ap, ab)
	if dot < -epsilon {
		return false
	}
	if dot-r2.Dot(ab, ab) > epsilon {
		return false
	}
	return true
}

// pointInPolygon applies the crossing-number rule; points collinear on an
// edge count as inside.
func pointInPolygon(p r2.Vec, poly Polygon) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	n := len(poly)
	for i := 0; i < n; i++ {
		a := poly[i]
		b := poly[(i+1)%n]
		if pointOnSegment(p, a, b) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/((b.Y-a.Y)+epsilon)+a.X {
			inside = !inside
		}
	}
	return inside
}
