// Package oi implements the robot's Open Interface: command encoding over
// serial, the framed sensor stream parser, the live telemetry snapshot, and
// the stream watchdog. The wire format is bit-exact: single-byte opcodes with
// big-endian 16-bit operands, and recurring sensor frames of the form
// [0x13, len, payload..., checksum] where the sum of all frame bytes is
// 0 mod 256.
package oi

// Open Interface opcodes.
const (
	cmdStart             = 128
	cmdSafe              = 131
	cmdFull              = 132
	cmdClean             = 135
	cmdDrive             = 137
	cmdDock              = 143
	cmdStream            = 148
	cmdPauseResumeStream = 150
)

// Reserved drive radius values with special semantics. These pass through the
// driver unclamped.
const (
	RadiusStraight  = 32768
	RadiusInPlaceCW = -1
	RadiusInPlaceCC = 1
)

// Drive velocity and radius saturation bounds (mm/s and mm).
const (
	maxVelocity = 500
	maxRadius   = 2000
)

const streamHeader = 0x13

// DefaultStreamPackets is the sensor packet subscription StartSensorStream
// issues when called without ids; the stream watchdog falls back to it when
// no subscription has been recorded yet.
var DefaultStreamPackets = []byte{7, 8, 9, 10, 11, 12, 19, 20, 21, 25, 26, 34, 43, 44}

// packetSize maps supported stream packet ids to their payload widths.
var packetSize = map[byte]int{
	7:  1, // bumps and wheel drops
	8:  1, // wall
	9:  1, // cliff left
	10: 1, // cliff front left
	11: 1, // cliff front right
	12: 1, // cliff right
	19: 2, // distance (mm, signed)
	20: 2, // angle (deg, signed)
	21: 1, // charging state
	25: 2, // battery charge (mAh)
	26: 2, // battery capacity (mAh)
	34: 1, // charging sources available
	43: 2, // left encoder counts (unsigned)
	44: 2, // right encoder counts (unsigned)
}

// int16Bytes encodes a signed operand as big-endian two's complement.
func int16Bytes(v int) []byte {
	if v < 0 {
		v = (1 << 16) + v
	}
	return []byte{byte(v >> 8), byte(v)}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampVelocity saturates a drive velocity to the protocol bounds.
func ClampVelocity(v int) int { return clamp(v, -maxVelocity, maxVelocity) }

// ClampRadius saturates a drive radius, letting the reserved special values
// pass through untouched.
func ClampRadius(r int) int {
	switch r {
	case RadiusStraight, RadiusInPlaceCW, RadiusInPlaceCC:
		return r
	}
	return clamp(r, -maxRadius, maxRadius)
}

// encodeDrive builds the drive command bytes with saturation applied.
func encodeDrive(velocity, radius int) []byte {
	cmd := []byte{cmdDrive}
	cmd = append(cmd, int16Bytes(ClampVelocity(velocity))...)
	cmd = append(cmd, int16Bytes(ClampRadius(radius))...)
	return cmd
}

// encodeStream builds the sensor stream subscription command.
func encodeStream(packetIDs []byte) []byte {
	cmd := make([]byte, 0, len(packetIDs)+2)
	cmd = append(cmd, cmdStream, byte(len(packetIDs)))
	return append(cmd, packetIDs...)
}
