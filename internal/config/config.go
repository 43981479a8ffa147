// Package config defines facegate configuration and its defaults.
package config

import (
	"fmt"
	"time"
)

// Verifier strategies. Exactly one is active per deployment.
const (
	VerifierDistance = "distance"
	VerifierModel    = "model"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// MatchThreshold is the maximum embedding distance accepted as the same identity.
	MatchThreshold float64 `koanf:"match_threshold"`

	// Verifier selects the decision rule: "distance" or "model".
	Verifier string `koanf:"verifier"`

	// Cadence is the frame interval at which the person detector is re-run.
	Cadence int `koanf:"cadence"`

	// DetectionConfidence is the minimum person-detector confidence.
	DetectionConfidence float64 `koanf:"detection_confidence"`

	// FaceScale resizes frames before face work (0.5 halves each side).
	FaceScale float64 `koanf:"face_scale"`

	BilateralDiameter   int     `koanf:"bilateral_diameter"`
	BilateralSigmaColor float64 `koanf:"bilateral_sigma_color"`
	BilateralSigmaSpace float64 `koanf:"bilateral_sigma_space"`

	// ReferencePath is the well-known location of the persisted reference image.
	ReferencePath string `koanf:"reference_path"`

	Python       string `koanf:"python"`
	WorkerScript string `koanf:"worker_script"`

	WorkerTimeoutMS int `koanf:"worker_timeout_ms"`
	FrameTimeoutMS  int `koanf:"frame_timeout_ms"`
	TickIntervalMS  int `koanf:"tick_interval_ms"`

	// Input is a capture device or a video file; InputFormat is the ffmpeg demuxer (v4l2, avfoundation, ...).
	Input       string `koanf:"input"`
	InputFormat string `koanf:"input_format"`

	DBURL          string `koanf:"db_url"`
	MetricsAddr    string `koanf:"metrics_addr"`
	ListenAddr     string `koanf:"listen_addr"`
	DebugFramesDir string `koanf:"debug_frames_dir"`

	// MinIntervalMS drops timeline intervals shorter than this (blips).
	MinIntervalMS int `koanf:"min_interval_ms"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		MatchThreshold:      0.6,
		Verifier:            VerifierDistance,
		Cadence:             5,
		DetectionConfidence: 0.3,
		FaceScale:           0.5,
		BilateralDiameter:   9,
		BilateralSigmaColor: 75,
		BilateralSigmaSpace: 75,
		ReferencePath:       "reference.jpg",
		Python:              "python3",
		WorkerScript:        "python/worker.py",
		WorkerTimeoutMS:     30_000,
		FrameTimeoutMS:      2_000,
		TickIntervalMS:      10,
		Input:               "/dev/video0",
		InputFormat:         "v4l2",
		ListenAddr:          ":8088",
		MinIntervalMS:       100,
	}
}

func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMS) * time.Millisecond
}

func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutMS) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}

// Validate checks value ranges. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.MatchThreshold <= 0 {
		return fmt.Errorf("%w: match_threshold must be > 0, got %f", ErrInvalidConfig, c.MatchThreshold)
	}
	if c.Cadence < 1 {
		return fmt.Errorf("%w: cadence must be >= 1, got %d", ErrInvalidConfig, c.Cadence)
	}
	if c.DetectionConfidence <= 0 || c.DetectionConfidence > 1 {
		return fmt.Errorf("%w: detection_confidence must be in (0, 1], got %f", ErrInvalidConfig, c.DetectionConfidence)
	}
	if c.FaceScale <= 0 || c.FaceScale > 1 {
		return fmt.Errorf("%w: face_scale must be in (0, 1], got %f", ErrInvalidConfig, c.FaceScale)
	}
	if c.Verifier != VerifierDistance && c.Verifier != VerifierModel {
		return fmt.Errorf("%w: verifier must be %q or %q, got %q", ErrInvalidConfig, VerifierDistance, VerifierModel, c.Verifier)
	}
	if c.WorkerTimeoutMS <= 0 || c.FrameTimeoutMS <= 0 || c.TickIntervalMS <= 0 {
		return fmt.Errorf("%w: timeouts and tick interval must be positive", ErrInvalidConfig)
	}
	if c.BilateralDiameter < 1 {
		return fmt.Errorf("%w: bilateral_diameter must be >= 1, got %d", ErrInvalidConfig, c.BilateralDiameter)
	}
	return nil
}
