package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bdd", "odometry_history.jsonl")
	j, err := NewJournal(path)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	return j, path
}

func TestAppendAndLastPose(t *testing.T) {
	j, path := newTestJournal(t)

	if err := j.Append(Event{Event: "reset", XMM: 10, YMM: 20, ThetaDeg: 0}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(Event{Event: "update", XMM: 30, YMM: 40, ThetaDeg: 90, Source: "encoders"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("journal has %d lines, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not valid JSON: %v", err)
	}
	if first["event"] != "reset" {
		t.Errorf("event = %v, want reset", first["event"])
	}
	if _, ok := first["ts"]; !ok {
		t.Error("record is missing ts")
	}

	pose, ok := j.LastPose()
	if !ok {
		t.Fatal("LastPose found nothing")
	}
	if pose.XMM != 30 || pose.YMM != 40 || pose.ThetaDeg != 90 {
		t.Errorf("pose = %+v, want (30, 40, 90)", pose)
	}
}

func TestLastPoseSkipsMalformedLines(t *testing.T) {
	j, path := newTestJournal(t)
	if err := j.Append(Event{Event: "reset", XMM: 1, YMM: 2, ThetaDeg: 3}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n{\"other\": true}\n")
	f.Close()

	pose, ok := j.LastPose()
	if !ok {
		t.Fatal("LastPose found nothing")
	}
	if pose.XMM != 1 {
		t.Errorf("pose.XMM = %v, want 1", pose.XMM)
	}
}

func TestClearTruncates(t *testing.T) {
	j, path := newTestJournal(t)
	if err := j.Append(Event{Event: "reset"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("journal not empty after clear: %q", data)
	}
	if _, ok := j.LastPose(); ok {
		t.Error("LastPose after clear should find nothing")
	}
}

func TestLastPoseMissingFile(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "never", "written.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := j.LastPose(); ok {
		t.Error("LastPose on missing file should find nothing")
	}
}
