package oi

import (
	"fmt"
	"math"
	"time"
)

// chargingState maps charging state codes to their display names.
var chargingState = map[int]string{
	0: "not_charging",
	1: "reconditioning",
	2: "full_charging",
	3: "trickle_charging",
	4: "waiting",
	5: "charging_fault",
}

// ChargingStateName returns the display name for a charging state code.
func ChargingStateName(code int) string {
	if name, ok := chargingState[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", code)
}

// Telemetry is the live sensor snapshot decoded from the stream. It is served
// by value: readers always observe a complete pre-frame or post-frame state.
type Telemetry struct {
	Timestamp       string `json:"timestamp"`
	State           string `json:"state"`
	RoombaConnected bool   `json:"roomba_connected"`

	Bumper          bool `json:"bumper"`
	BumpLeft        bool `json:"bump_left"`
	BumpRight       bool `json:"bump_right"`
	WheelDropLeft   bool `json:"wheel_drop_left"`
	WheelDropRight  bool `json:"wheel_drop_right"`
	WheelDropCaster bool `json:"wheel_drop_caster"`
	WallSeen        bool `json:"wall_seen"`
	CliffLeft       bool `json:"cliff_left"`
	CliffFrontLeft  bool `json:"cliff_front_left"`
	CliffFrontRight bool `json:"cliff_front_right"`
	CliffRight      bool `json:"cliff_right"`

	DockVisible            bool `json:"dock_visible"`
	ChargingSourceHomeBase bool `json:"charging_source_home_base"`
	ChargingSourceInternal bool `json:"charging_source_internal"`

	ChargingStateCode  int `json:"charging_state_code"`
	BatteryChargeMAh   int `json:"battery_charge_mah"`
	BatteryCapacityMAh int `json:"battery_capacity_mah"`
	BatteryPct         int `json:"battery_pct"`

	DistanceMM      int `json:"distance_mm"`
	AngleDeg        int `json:"angle_deg"`
	TotalDistanceMM int `json:"total_distance_mm"`
	TotalAngleDeg   int `json:"total_angle_deg"`

	LeftEncoderCounts  int  `json:"left_encoder_counts"`
	RightEncoderCounts int  `json:"right_encoder_counts"`
	EncodersSeen       bool `json:"-"`
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// applyPacket decodes one sensor packet into the snapshot. Battery percentage
// is re-derived after every packet so charge/capacity arriving in either
// order converge on the same value.
func (t *Telemetry) applyPacket(id byte, data []byte) {
	switch id {
	case 7:
		bits := data[0]
		t.BumpRight = bits&(1<<0) != 0
		t.BumpLeft = bits&(1<<1) != 0
		t.WheelDropRight = bits&(1<<2) != 0
		t.WheelDropLeft = bits&(1<<3) != 0
		t.WheelDropCaster = bits&(1<<4) != 0
		t.Bumper = t.BumpLeft || t.BumpRight
	case 8:
		t.WallSeen = data[0] != 0
	case 9:
		t.CliffLeft = data[0] != 0
	case 10:
		t.CliffFrontLeft = data[0] != 0
	case 11:
		t.CliffFrontRight = data[0] != 0
	case 12:
		t.CliffRight = data[0] != 0
	case 19:
		d := int(int16(uint16(data[0])<<8 | uint16(data[1])))
		t.DistanceMM = d
		t.TotalDistanceMM += d
	case 20:
		a := int(int16(uint16(data[0])<<8 | uint16(data[1])))
		t.AngleDeg = a
		t.TotalAngleDeg += a
	case 21:
		t.ChargingStateCode = int(data[0])
		t.State = ChargingStateName(t.ChargingStateCode)
	case 25:
		t.BatteryChargeMAh = int(uint16(data[0])<<8 | uint16(data[1]))
	case 26:
		t.BatteryCapacityMAh = int(uint16(data[0])<<8 | uint16(data[1]))
	case 34:
		bits := data[0]
		t.ChargingSourceInternal = bits&0x01 != 0
		t.ChargingSourceHomeBase = bits&0x02 != 0
		t.DockVisible = t.ChargingSourceHomeBase
	case 43:
		t.LeftEncoderCounts = int(uint16(data[0])<<8 | uint16(data[1]))
		t.EncodersSeen = true
	case 44:
		t.RightEncoderCounts = int(uint16(data[0])<<8 | uint16(data[1]))
		t.EncodersSeen = true
	}

	if t.BatteryCapacityMAh > 0 {
		pct := math.Round(float64(t.BatteryChargeMAh) * 100.0 / float64(t.BatteryCapacityMAh))
		t.BatteryPct = clamp(int(pct), 0, 100)
	}
}
