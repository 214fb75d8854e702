package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jvexiau/roomba-player/internal/control"
	"github.com/jvexiau/roomba-player/internal/history"
	"github.com/jvexiau/roomba-player/internal/odometry"
	"github.com/jvexiau/roomba-player/internal/oi"
	"github.com/jvexiau/roomba-player/internal/plan"
	"github.com/jvexiau/roomba-player/internal/serialport"
	"github.com/jvexiau/roomba-player/internal/vision"
)

// Server owns the HTTP and WebSocket surface over the service container.
type Server struct {
	driver      *oi.Driver
	estimator   *odometry.Estimator
	dispatcher  *control.Dispatcher
	plans       *plan.Store
	visionSvc   *vision.Service
	journal     *history.Journal
	broadcaster *Broadcaster
}

// New assembles the server. journal and visionSvc may be nil.
func New(
	driver *oi.Driver,
	estimator *odometry.Estimator,
	dispatcher *control.Dispatcher,
	plans *plan.Store,
	visionSvc *vision.Service,
	journal *history.Journal,
	broadcaster *Broadcaster,
) *Server {
	return &Server{
		driver:      driver,
		estimator:   estimator,
		dispatcher:  dispatcher,
		plans:       plans,
		visionSvc:   visionSvc,
		journal:     journal,
		broadcaster: broadcaster,
	}
}

// ServeMux builds the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/telemetry", s.handleTelemetry)
	mux.HandleFunc("/pose", s.handlePose)
	mux.HandleFunc("/plan", s.handlePlan)
	mux.HandleFunc("/aruco/status", s.handleArucoStatus)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/ws/telemetry", s.handleTelemetryWS)
	mux.HandleFunc("/ws/control", s.handleControlWS)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "roomba-player"})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.broadcaster.Payload())
}

// poseResetRequest optionally re-anchors the accumulator baselines alongside
// the pose.
type poseResetRequest struct {
	XMM                    float64  `json:"x_mm"`
	YMM                    float64  `json:"y_mm"`
	ThetaDeg               float64  `json:"theta_deg"`
	BaseTotalDistanceMM    *float64 `json:"base_total_distance_mm,omitempty"`
	BaseTotalAngleDeg      *float64 `json:"base_total_angle_deg,omitempty"`
	BaseLeftEncoderCounts  *int     `json:"base_left_encoder_counts,omitempty"`
	BaseRightEncoderCounts *int     `json:"base_right_encoder_counts,omitempty"`
}

func (s *Server) handlePose(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.estimator.Pose())
	case http.MethodPost:
		var req poseResetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		pose := s.estimator.Reset(req.XMM, req.YMM, req.ThetaDeg, odometry.ResetOptions{
			BaseTotalDistanceMM:    req.BaseTotalDistanceMM,
			BaseTotalAngleDeg:      req.BaseTotalAngleDeg,
			BaseLeftEncoderCounts:  req.BaseLeftEncoderCounts,
			BaseRightEncoderCounts: req.BaseRightEncoderCounts,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pose": pose})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		current := s.plans.Current()
		if current == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "no plan loaded"})
			return
		}
		writeJSON(w, http.StatusOK, current)
	case http.MethodPost:
		data, err := readBody(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		p, err := plan.Parse(data)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if err := s.plans.Set(p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "history journal disabled"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		pose, ok := s.journal.LastPose()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "last_pose": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "last_pose": map[string]float64{
			"x_mm": pose.XMM, "y_mm": pose.YMM, "theta_deg": pose.ThetaDeg,
		}})
	case http.MethodDelete:
		if err := s.journal.Clear(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleArucoStatus(w http.ResponseWriter, r *http.Request) {
	if s.visionSvc == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.visionSvc.Status())
}

func readBody(r *http.Request) ([]byte, error) {
	const maxBody = 1 << 20
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBody {
		return nil, errors.New("request body too large")
	}
	return data, nil
}

// errorKind classifies a command error for the socket error payload.
func errorKind(err error) string {
	switch {
	case errors.Is(err, control.ErrUnsupportedAction):
		return "unsupported_action"
	case errors.Is(err, serialport.ErrLinkClosed):
		return "link_closed"
	default:
		return "error"
	}
}
