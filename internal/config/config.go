// Package config loads the daemon configuration. The file may be JSON or
// YAML; fields omitted from the document keep their defaults, so partial
// configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxFileSize bounds config documents read from disk.
const maxFileSize = 1 << 20

// Config is the full set of recognized options.
type Config struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`

	RoombaSerialPort string  `json:"roomba_serial_port,omitempty" yaml:"roomba_serial_port,omitempty"`
	RoombaBaudrate   int     `json:"roomba_baudrate,omitempty" yaml:"roomba_baudrate,omitempty"`
	RoombaTimeoutSec float64 `json:"roomba_timeout_sec,omitempty" yaml:"roomba_timeout_sec,omitempty"`

	TelemetryIntervalSec float64 `json:"telemetry_interval_sec,omitempty" yaml:"telemetry_interval_sec,omitempty"`

	OdometrySource               string  `json:"odometry_source,omitempty" yaml:"odometry_source,omitempty"`
	OdometryMMPerTick            float64 `json:"odometry_mm_per_tick,omitempty" yaml:"odometry_mm_per_tick,omitempty"`
	OdometryLinearScale          float64 `json:"odometry_linear_scale,omitempty" yaml:"odometry_linear_scale,omitempty"`
	OdometryAngularScale         float64 `json:"odometry_angular_scale,omitempty" yaml:"odometry_angular_scale,omitempty"`
	OdometryRobotRadiusMM        float64 `json:"odometry_robot_radius_mm,omitempty" yaml:"odometry_robot_radius_mm,omitempty"`
	OdometryCollisionMarginScale float64 `json:"odometry_collision_margin_scale,omitempty" yaml:"odometry_collision_margin_scale,omitempty"`
	OdometryHistoryPath          string  `json:"odometry_history_path,omitempty" yaml:"odometry_history_path,omitempty"`

	ArucoEnabled        bool    `json:"aruco_enabled,omitempty" yaml:"aruco_enabled,omitempty"`
	ArucoSnapEnabled    bool    `json:"aruco_snap_enabled,omitempty" yaml:"aruco_snap_enabled,omitempty"`
	ArucoIntervalSec    float64 `json:"aruco_interval_sec,omitempty" yaml:"aruco_interval_sec,omitempty"`
	ArucoDictionary     string  `json:"aruco_dictionary,omitempty" yaml:"aruco_dictionary,omitempty"`
	ArucoFocalPx        float64 `json:"aruco_focal_px,omitempty" yaml:"aruco_focal_px,omitempty"`
	ArucoMarkerSizeCM   float64 `json:"aruco_marker_size_cm,omitempty" yaml:"aruco_marker_size_cm,omitempty"`
	ArucoHeadingGainDeg float64 `json:"aruco_heading_gain_deg,omitempty" yaml:"aruco_heading_gain_deg,omitempty"`
	ArucoPoseBlend      float64 `json:"aruco_pose_blend,omitempty" yaml:"aruco_pose_blend,omitempty"`
	ArucoThetaBlend     float64 `json:"aruco_theta_blend,omitempty" yaml:"aruco_theta_blend,omitempty"`

	PlanDefaultPath string `json:"plan_default_path,omitempty" yaml:"plan_default_path,omitempty"`
	CameraStreamURL string `json:"camera_stream_url,omitempty" yaml:"camera_stream_url,omitempty"`
	RecorderDBPath  string `json:"recorder_db_path,omitempty" yaml:"recorder_db_path,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:                   ":8080",
		RoombaSerialPort:             "/dev/ttyUSB0",
		RoombaBaudrate:               115200,
		RoombaTimeoutSec:             1.0,
		TelemetryIntervalSec:         0.1,
		OdometrySource:               "encoders",
		OdometryMMPerTick:            0.445,
		OdometryLinearScale:          1.0,
		OdometryAngularScale:         1.0,
		OdometryRobotRadiusMM:        180,
		OdometryCollisionMarginScale: 1.0,
		OdometryHistoryPath:          "bdd/odometry_history.jsonl",
		ArucoIntervalSec:             1.0,
		ArucoDictionary:              "DICT_4X4_50",
		ArucoFocalPx:                 700,
		ArucoMarkerSizeCM:            15,
		ArucoHeadingGainDeg:          30,
		ArucoPoseBlend:               0.9,
		ArucoThetaBlend:              0.9,
	}
}

// Normalize fills zero-valued fields with their defaults.
func (c Config) Normalize() Config {
	def := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.RoombaSerialPort == "" {
		c.RoombaSerialPort = def.RoombaSerialPort
	}
	if c.RoombaBaudrate <= 0 {
		c.RoombaBaudrate = def.RoombaBaudrate
	}
	if c.RoombaTimeoutSec <= 0 {
		c.RoombaTimeoutSec = def.RoombaTimeoutSec
	}
	if c.TelemetryIntervalSec <= 0 {
		c.TelemetryIntervalSec = def.TelemetryIntervalSec
	}
	if c.OdometrySource == "" {
		c.OdometrySource = def.OdometrySource
	}
	if c.OdometryMMPerTick <= 0 {
		c.OdometryMMPerTick = def.OdometryMMPerTick
	}
	if c.OdometryLinearScale == 0 {
		c.OdometryLinearScale = def.OdometryLinearScale
	}
	if c.OdometryAngularScale == 0 {
		c.OdometryAngularScale = def.OdometryAngularScale
	}
	if c.OdometryRobotRadiusMM <= 0 {
		c.OdometryRobotRadiusMM = def.OdometryRobotRadiusMM
	}
	if c.OdometryCollisionMarginScale <= 0 {
		c.OdometryCollisionMarginScale = def.OdometryCollisionMarginScale
	}
	if c.OdometryHistoryPath == "" {
		c.OdometryHistoryPath = def.OdometryHistoryPath
	}
	if c.ArucoIntervalSec <= 0 {
		c.ArucoIntervalSec = def.ArucoIntervalSec
	}
	if c.ArucoDictionary == "" {
		c.ArucoDictionary = def.ArucoDictionary
	}
	if c.ArucoFocalPx <= 0 {
		c.ArucoFocalPx = def.ArucoFocalPx
	}
	if c.ArucoMarkerSizeCM <= 0 {
		c.ArucoMarkerSizeCM = def.ArucoMarkerSizeCM
	}
	if c.ArucoHeadingGainDeg == 0 {
		c.ArucoHeadingGainDeg = def.ArucoHeadingGainDeg
	}
	if c.ArucoPoseBlend <= 0 {
		c.ArucoPoseBlend = def.ArucoPoseBlend
	}
	if c.ArucoThetaBlend <= 0 {
		c.ArucoThetaBlend = def.ArucoThetaBlend
	}
	return c
}

// Validate rejects configurations no subsystem could run with.
func (c Config) Validate() error {
	switch c.OdometrySource {
	case "encoders", "distance_angle", "auto":
	default:
		return fmt.Errorf("odometry_source must be encoders, distance_angle, or auto, got %q", c.OdometrySource)
	}
	if c.ArucoPoseBlend > 1 || c.ArucoThetaBlend > 1 {
		return fmt.Errorf("aruco blend factors must be <= 1.0")
	}
	return nil
}

// Load reads a config file, applies defaults, and validates the result.
func Load(path string) (Config, error) {
	clean := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(clean))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("config file must have .json or .yaml extension, got %q", ext)
	}

	info, err := os.Stat(clean)
	if err != nil {
		return Config{}, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if ext == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
