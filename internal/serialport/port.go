// Package serialport owns the byte-level serial connection to the robot. It
// provides the minimal port abstraction the driver needs, the configuration
// used when opening a real port, and a Link wrapper that serialises writes
// and makes Close idempotent. No framing logic lives here.
package serialport

import (
	"io"
	"time"
)

// Port defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPort extends Port with a read timeout. Ports that implement it get
// bounded ReadAvailable calls; others block on the underlying Read.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// DrainPort extends Port with an explicit output flush.
type DrainPort interface {
	Port
	Drain() error
}
