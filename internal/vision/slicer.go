// Package vision feeds JPEG frames sliced from the camera bytestream into a
// background fiducial-marker detector and publishes the most recent
// detection result. Detector faults are contained here: the serial control
// path never blocks on or fails because of vision.
package vision

import "bytes"

const (
	// tailWindow bounds how much of the stream is retained after a slice or
	// an oversized buffer truncation.
	tailWindow = 64 << 10
	// maxBuffer is the growth cap before the buffer is truncated to the tail.
	maxBuffer = 1 << 20
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FrameSlicer extracts the most recent complete JPEG image from a growing
// bytestream. It is not safe for concurrent use; feed it from one goroutine.
type FrameSlicer struct {
	buf []byte
}

// NewFrameSlicer returns an empty slicer.
func NewFrameSlicer() *FrameSlicer { return &FrameSlicer{} }

// Push appends a chunk and returns the newest complete JPEG found, or nil
// when no start/end marker pair is buffered yet. Memory stays bounded: after
// a slice only a trailing window is retained, and a pair-less buffer is
// truncated once it exceeds the cap.
func (s *FrameSlicer) Push(chunk []byte) []byte {
	s.buf = append(s.buf, chunk...)

	end := bytes.LastIndex(s.buf, jpegEOI)
	if end >= 0 {
		start := bytes.LastIndex(s.buf[:end], jpegSOI)
		if start >= 0 {
			frame := make([]byte, end+2-start)
			copy(frame, s.buf[start:end+2])
			s.retainTail(end + 2)
			return frame
		}
	}

	if len(s.buf) > maxBuffer {
		s.retainTail(0)
	}
	return nil
}

// retainTail drops everything before from and keeps at most the trailing
// window of what remains.
func (s *FrameSlicer) retainTail(from int) {
	tail := s.buf[from:]
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	next := make([]byte, len(tail))
	copy(next, tail)
	s.buf = next
}
