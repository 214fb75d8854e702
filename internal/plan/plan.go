// Package plan loads and stores the floor plan: the room contour, rigid
// objects, marker anchors, and the optional start pose. Units are
// millimeters throughout. The in-memory representation is normative; the
// file on disk may be YAML or JSON.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jvexiau/roomba-player/internal/geom"
	"gonum.org/v1/gonum/spatial/r2"
)

// ErrPlanInvalid reports a malformed plan document. The in-memory plan is
// left unchanged when a load fails with it.
var ErrPlanInvalid = errors.New("invalid plan")

// maxFileSize bounds plan documents read from disk.
const maxFileSize = 1 << 20

const epsilon = 1e-6

// Point is an [x, y] pair in plan files.
type Point [2]float64

// StartPose is the initial robot pose declared by the plan.
type StartPose struct {
	XMM      float64 `json:"x_mm" yaml:"x_mm"`
	YMM      float64 `json:"y_mm" yaml:"y_mm"`
	ThetaDeg float64 `json:"theta_deg" yaml:"theta_deg"`
}

// SnapPoint is a world position a marker snap should place the robot at.
type SnapPoint struct {
	XMM float64 `json:"x_mm" yaml:"x_mm"`
	YMM float64 `json:"y_mm" yaml:"y_mm"`
}

// Marker is a fiducial anchor with known plan coordinates.
type Marker struct {
	ID            int        `json:"id" yaml:"id"`
	XMM           float64    `json:"x_mm" yaml:"x_mm"`
	YMM           float64    `json:"y_mm" yaml:"y_mm"`
	SizeMM        float64    `json:"size_mm,omitempty" yaml:"size_mm,omitempty"`
	ThetaDeg      *float64   `json:"theta_deg,omitempty" yaml:"theta_deg,omitempty"`
	SnapPose      *SnapPoint `json:"snap_pose,omitempty" yaml:"snap_pose,omitempty"`
	FrontOffsetMM float64    `json:"front_offset_mm,omitempty" yaml:"front_offset_mm,omitempty"`
}

// Shape is a named local contour referenced by objects.
type Shape struct {
	Contour []Point `json:"contour" yaml:"contour"`
}

// Object is a rigid obstacle placed on the plan, either referencing a named
// shape or carrying an inline contour.
type Object struct {
	ShapeRef string  `json:"shape_ref,omitempty" yaml:"shape_ref,omitempty"`
	Contour  []Point `json:"contour,omitempty" yaml:"contour,omitempty"`
	XMM      float64 `json:"x_mm" yaml:"x_mm"`
	YMM      float64 `json:"y_mm" yaml:"y_mm"`
	ThetaDeg float64 `json:"theta_deg,omitempty" yaml:"theta_deg,omitempty"`
}

// Plan is a validated floor plan.
type Plan struct {
	Unit         string           `json:"unit,omitempty" yaml:"unit,omitempty"`
	Contour      []Point          `json:"contour" yaml:"contour"`
	Objects      []Object         `json:"objects,omitempty" yaml:"objects,omitempty"`
	ObjectShapes map[string]Shape `json:"object_shapes,omitempty" yaml:"object_shapes,omitempty"`
	StartPose    *StartPose       `json:"start_pose,omitempty" yaml:"start_pose,omitempty"`
	ArucoMarkers []Marker         `json:"aruco_markers,omitempty" yaml:"aruco_markers,omitempty"`
}

// Validate checks the structural invariants a usable plan must satisfy.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: empty document", ErrPlanInvalid)
	}
	if len(p.Contour) < 3 {
		return fmt.Errorf("%w: contour needs at least 3 points, got %d", ErrPlanInvalid, len(p.Contour))
	}
	for _, m := range p.ArucoMarkers {
		if m.ID < 0 {
			return fmt.Errorf("%w: marker id %d must be non-negative", ErrPlanInvalid, m.ID)
		}
	}
	return nil
}

// MarkerByID returns the anchor with the given id, if configured.
func (p *Plan) MarkerByID(id int) (Marker, bool) {
	for _, m := range p.ArucoMarkers {
		if m.ID == id {
			return m, true
		}
	}
	return Marker{}, false
}

// normalizePolygon converts plan points into a geom polygon, dropping a
// duplicated closing vertex. Polygons shorter than 3 points come back nil.
func normalizePolygon(points []Point) geom.Polygon {
	poly := make(geom.Polygon, 0, len(points))
	for _, p := range points {
		poly = append(poly, r2.Vec{X: p[0], Y: p[1]})
	}
	if len(poly) >= 2 {
		first, last := poly[0], poly[len(poly)-1]
		if math.Abs(first.X-last.X) < epsilon && math.Abs(first.Y-last.Y) < epsilon {
			poly = poly[:len(poly)-1]
		}
	}
	if len(poly) < 3 {
		return nil
	}
	return poly
}

// objectPolygon resolves an object's local contour (inline or by shape
// reference) and transforms it into world coordinates.
func (p *Plan) objectPolygon(obj Object) geom.Polygon {
	var local geom.Polygon
	if len(obj.Contour) > 0 {
		local = normalizePolygon(obj.Contour)
	} else if ref := strings.TrimSpace(obj.ShapeRef); ref != "" {
		if shape, ok := p.ObjectShapes[ref]; ok {
			local = normalizePolygon(shape.Contour)
		}
	}
	if local == nil {
		return nil
	}

	theta := obj.ThetaDeg * math.Pi / 180
	c, s := math.Cos(theta), math.Sin(theta)
	world := make(geom.Polygon, len(local))
	for i, v := range local {
		world[i] = r2.Vec{
			X: obj.XMM + v.X*c - v.Y*s,
			Y: obj.YMM + v.X*s + v.Y*c,
		}
	}
	return world
}

// Polygons returns the room contour and all resolvable obstacle polygons in
// world coordinates, ready for the collision model.
func (p *Plan) Polygons() (geom.Polygon, []geom.Polygon) {
	room := normalizePolygon(p.Contour)
	var obstacles []geom.Polygon
	for _, obj := range p.Objects {
		if poly := p.objectPolygon(obj); poly != nil {
			obstacles = append(obstacles, poly)
		}
	}
	return room, obstacles
}

// Parse decodes a plan document. JSON documents are tried first, then YAML,
// matching the loader's extension fallback.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		p = Plan{}
		if yerr := yaml.Unmarshal(data, &p); yerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, yerr)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and validates a plan file. The extension selects the decoder;
// unknown extensions fall back to JSON-then-YAML.
func Load(path string) (*Plan, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("stat plan file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: file too large: %d bytes (max %d)", ErrPlanInvalid, info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var p Plan
	switch strings.ToLower(filepath.Ext(clean)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
		}
	default:
		return Parse(data)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
