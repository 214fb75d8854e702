// Package recorder archives telemetry snapshots and poses into a sqlite
// database at broadcast cadence, one row per tick, for offline analysis.
// The recorder is strictly best-effort: open or write failures are reported
// to the caller to log, never to act on.
package recorder

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jvexiau/roomba-player/internal/odometry"
	"github.com/jvexiau/roomba-player/internal/oi"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	ts TEXT NOT NULL,
	state TEXT NOT NULL,
	battery_pct INTEGER NOT NULL,
	bump_left INTEGER NOT NULL,
	bump_right INTEGER NOT NULL,
	wall_seen INTEGER NOT NULL,
	total_distance_mm INTEGER NOT NULL,
	total_angle_deg INTEGER NOT NULL,
	left_encoder_counts INTEGER NOT NULL,
	right_encoder_counts INTEGER NOT NULL,
	x_mm REAL NOT NULL,
	y_mm REAL NOT NULL,
	theta_deg REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_log_session ON telemetry_log(session_id, ts);
`

// Recorder writes one row per telemetry tick under a per-process session id.
type Recorder struct {
	mu        sync.Mutex
	db        *sql.DB
	sessionID string
}

// Open creates or opens the archive database and ensures its schema.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recorder schema: %w", err)
	}
	return &Recorder{db: db, sessionID: uuid.NewString()}, nil
}

// SessionID returns this process's recording session id.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record appends one telemetry/pose row.
func (r *Recorder) Record(t oi.Telemetry, pose odometry.Pose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT INTO telemetry_log (
			session_id, ts, state, battery_pct, bump_left, bump_right,
			wall_seen, total_distance_mm, total_angle_deg,
			left_encoder_counts, right_encoder_counts, x_mm, y_mm, theta_deg
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, t.Timestamp, t.State, t.BatteryPct,
		boolInt(t.BumpLeft), boolInt(t.BumpRight), boolInt(t.WallSeen),
		t.TotalDistanceMM, t.TotalAngleDeg,
		t.LeftEncoderCounts, t.RightEncoderCounts,
		pose.XMM, pose.YMM, pose.ThetaDeg,
	)
	if err != nil {
		return fmt.Errorf("record telemetry row: %w", err)
	}
	return nil
}

// CountSession returns how many rows the given session holds.
func (r *Recorder) CountSession(sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM telemetry_log WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}

// Close closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
