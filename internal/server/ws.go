package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jvexiau/roomba-player/internal/control"
	"github.com/jvexiau/roomba-player/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves a trusted LAN; cross-origin upgrades are allowed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// readyBanner announces the control protocol on connect.
type readyBanner struct {
	Type     string   `json:"type"`
	Protocol string   `json:"protocol"`
	Actions  []string `json:"actions"`
}

type ackMessage struct {
	Type string `json:"type"`
	control.Ack
}

type errorMessage struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	banner := readyBanner{
		Type:     "ready",
		Protocol: "roomba-oi-v1",
		Actions:  []string{"ping", "init", "mode", "drive", "stop", "clean", "dock"},
	}
	if err := conn.WriteJSON(banner); err != nil {
		return
	}

	for {
		var cmd control.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		ack, err := s.dispatcher.Handle(cmd)
		if err != nil {
			msg := errorMessage{Type: "error", Kind: errorKind(err), Error: err.Error()}
			if werr := conn.WriteJSON(msg); werr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(ackMessage{Type: "ack", Ack: ack}); err != nil {
			return
		}
	}
}

func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	// Drop the connection when the client goes away; reads only surface
	// errors here.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for payload := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			monitoring.Logf("server: telemetry push: %v", err)
			return
		}
	}
}
