package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds every tunable threshold of the pipeline. Fields are
// pointers so that a partial file only overrides what it names; the Get*
// methods supply defaults for anything left unset.
type TuningConfig struct {
	// Motion classification
	SmoothingWindow          *int     `json:"smoothing_window,omitempty" yaml:"smoothing_window,omitempty"`
	AccelMotionThreshold     *float64 `json:"accel_motion_threshold,omitempty" yaml:"accel_motion_threshold,omitempty"`
	GyroMotionThreshold      *float64 `json:"gyro_motion_threshold,omitempty" yaml:"gyro_motion_threshold,omitempty"`
	AccelStationaryThreshold *float64 `json:"accel_stationary_threshold,omitempty" yaml:"accel_stationary_threshold,omitempty"`
	GyroStationaryThreshold  *float64 `json:"gyro_stationary_threshold,omitempty" yaml:"gyro_stationary_threshold,omitempty"`
	HandlingGyroThreshold    *float64 `json:"handling_gyro_threshold,omitempty" yaml:"handling_gyro_threshold,omitempty"`
	HandlingLatch            *string  `json:"handling_latch,omitempty" yaml:"handling_latch,omitempty"` // duration string like "3s"

	// Calibration
	CalibrationSamples     *int     `json:"calibration_samples,omitempty" yaml:"calibration_samples,omitempty"`
	CalibrationMinAccuracy *int     `json:"calibration_min_accuracy,omitempty" yaml:"calibration_min_accuracy,omitempty"`
	CalibrationMaxAttempts *int     `json:"calibration_max_attempts,omitempty" yaml:"calibration_max_attempts,omitempty"`
	CalibrationBackoff     *string  `json:"calibration_backoff,omitempty" yaml:"calibration_backoff,omitempty"`
	MaxAccelOffset         *float64 `json:"max_accel_offset,omitempty" yaml:"max_accel_offset,omitempty"`
	MaxGyroOffset          *float64 `json:"max_gyro_offset,omitempty" yaml:"max_gyro_offset,omitempty"`
	AccelVarianceCeiling   *float64 `json:"accel_variance_ceiling,omitempty" yaml:"accel_variance_ceiling,omitempty"`
	GyroVarianceCeiling    *float64 `json:"gyro_variance_ceiling,omitempty" yaml:"gyro_variance_ceiling,omitempty"`

	// Drift monitoring
	DriftCheckInterval  *string  `json:"drift_check_interval,omitempty" yaml:"drift_check_interval,omitempty"`
	DriftAccelTolerance *float64 `json:"drift_accel_tolerance,omitempty" yaml:"drift_accel_tolerance,omitempty"`
	DriftGyroTolerance  *float64 `json:"drift_gyro_tolerance,omitempty" yaml:"drift_gyro_tolerance,omitempty"`

	// Event detection
	EventAccelThreshold *float64 `json:"event_accel_threshold,omitempty" yaml:"event_accel_threshold,omitempty"`
	MinSpeedKmh         *float64 `json:"min_speed_kmh,omitempty" yaml:"min_speed_kmh,omitempty"`
	MinEventDuration    *string  `json:"min_event_duration,omitempty" yaml:"min_event_duration,omitempty"`
	MaxEventDuration    *string  `json:"max_event_duration,omitempty" yaml:"max_event_duration,omitempty"`
	MergeWindow         *string  `json:"merge_window,omitempty" yaml:"merge_window,omitempty"`
	MinStability        *float64 `json:"min_stability,omitempty" yaml:"min_stability,omitempty"`

	// Sessions and storage
	SessionTimeout      *string  `json:"session_timeout,omitempty" yaml:"session_timeout,omitempty"`
	MaxEvents           *int     `json:"max_events,omitempty" yaml:"max_events,omitempty"`
	EvictionTarget      *float64 `json:"eviction_target,omitempty" yaml:"eviction_target,omitempty"`
	RetentionDays       *int     `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	RetentionInterval   *string  `json:"retention_interval,omitempty" yaml:"retention_interval,omitempty"`
	StorageRetries      *int     `json:"storage_retries,omitempty" yaml:"storage_retries,omitempty"`
	StorageRetryBackoff *string  `json:"storage_retry_backoff,omitempty" yaml:"storage_retry_backoff,omitempty"`

	// Ingest
	GPSMaxAge *string `json:"gps_max_age,omitempty" yaml:"gps_max_age,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON (.json) or YAML
// (.yaml, .yml) file of at most 1MB. Fields omitted from the file retain
// their default values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"handling_latch":        c.HandlingLatch,
		"calibration_backoff":   c.CalibrationBackoff,
		"drift_check_interval":  c.DriftCheckInterval,
		"min_event_duration":    c.MinEventDuration,
		"max_event_duration":    c.MaxEventDuration,
		"merge_window":          c.MergeWindow,
		"session_timeout":       c.SessionTimeout,
		"retention_interval":    c.RetentionInterval,
		"storage_retry_backoff": c.StorageRetryBackoff,
		"gps_max_age":           c.GPSMaxAge,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.SmoothingWindow != nil && *c.SmoothingWindow < 1 {
		return fmt.Errorf("smoothing_window must be at least 1, got %d", *c.SmoothingWindow)
	}
	if c.CalibrationSamples != nil && *c.CalibrationSamples < 2 {
		return fmt.Errorf("calibration_samples must be at least 2, got %d", *c.CalibrationSamples)
	}
	if c.CalibrationMinAccuracy != nil && (*c.CalibrationMinAccuracy < 0 || *c.CalibrationMinAccuracy > 3) {
		return fmt.Errorf("calibration_min_accuracy must be between 0 and 3, got %d", *c.CalibrationMinAccuracy)
	}
	if c.CalibrationMaxAttempts != nil && *c.CalibrationMaxAttempts < 1 {
		return fmt.Errorf("calibration_max_attempts must be at least 1, got %d", *c.CalibrationMaxAttempts)
	}
	if c.MinStability != nil && (*c.MinStability < 0 || *c.MinStability > 1) {
		return fmt.Errorf("min_stability must be between 0 and 1, got %f", *c.MinStability)
	}
	if c.MaxEvents != nil && *c.MaxEvents < 1 {
		return fmt.Errorf("max_events must be at least 1, got %d", *c.MaxEvents)
	}
	if c.EvictionTarget != nil && (*c.EvictionTarget <= 0 || *c.EvictionTarget >= 1) {
		return fmt.Errorf("eviction_target must be between 0 and 1 exclusive, got %f", *c.EvictionTarget)
	}
	if c.RetentionDays != nil && *c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", *c.RetentionDays)
	}
	if c.StorageRetries != nil && *c.StorageRetries < 1 {
		return fmt.Errorf("storage_retries must be at least 1, got %d", *c.StorageRetries)
	}
	if c.GetMinEventDuration() >= c.GetMaxEventDuration() {
		return fmt.Errorf("min_event_duration %s must be below max_event_duration %s",
			c.GetMinEventDuration(), c.GetMaxEventDuration())
	}
	if c.GetAccelStationaryThreshold() >= c.GetAccelMotionThreshold() {
		return fmt.Errorf("accel_stationary_threshold must be below accel_motion_threshold")
	}
	if c.GetGyroStationaryThreshold() >= c.GetGyroMotionThreshold() {
		return fmt.Errorf("gyro_stationary_threshold must be below gyro_motion_threshold")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSmoothingWindow returns the moving-average window or the default of 5.
func (c *TuningConfig) GetSmoothingWindow() int { return intOr(c.SmoothingWindow, 5) }

// GetAccelMotionThreshold returns the dynamic acceleration (m/s²) above which
// the accelerometer votes for motion.
func (c *TuningConfig) GetAccelMotionThreshold() float64 {
	return floatOr(c.AccelMotionThreshold, 1.5)
}

// GetGyroMotionThreshold returns the rotation rate (rad/s) above which the
// gyroscope votes for motion.
func (c *TuningConfig) GetGyroMotionThreshold() float64 {
	return floatOr(c.GyroMotionThreshold, 0.1)
}

func (c *TuningConfig) GetAccelStationaryThreshold() float64 {
	return floatOr(c.AccelStationaryThreshold, 0.5)
}

func (c *TuningConfig) GetGyroStationaryThreshold() float64 {
	return floatOr(c.GyroStationaryThreshold, 0.05)
}

func (c *TuningConfig) GetHandlingGyroThreshold() float64 {
	return floatOr(c.HandlingGyroThreshold, 2.0)
}

func (c *TuningConfig) GetHandlingLatch() time.Duration {
	return durationOr(c.HandlingLatch, 3*time.Second)
}

func (c *TuningConfig) GetCalibrationSamples() int { return intOr(c.CalibrationSamples, 100) }

func (c *TuningConfig) GetCalibrationMinAccuracy() int {
	return intOr(c.CalibrationMinAccuracy, 2)
}

func (c *TuningConfig) GetCalibrationMaxAttempts() int {
	return intOr(c.CalibrationMaxAttempts, 5)
}

func (c *TuningConfig) GetCalibrationBackoff() time.Duration {
	return durationOr(c.CalibrationBackoff, 30*time.Second)
}

func (c *TuningConfig) GetMaxAccelOffset() float64 { return floatOr(c.MaxAccelOffset, 5.0) }
func (c *TuningConfig) GetMaxGyroOffset() float64  { return floatOr(c.MaxGyroOffset, 1.0) }

func (c *TuningConfig) GetAccelVarianceCeiling() float64 {
	return floatOr(c.AccelVarianceCeiling, 0.05)
}

func (c *TuningConfig) GetGyroVarianceCeiling() float64 {
	return floatOr(c.GyroVarianceCeiling, 0.001)
}

func (c *TuningConfig) GetDriftCheckInterval() time.Duration {
	return durationOr(c.DriftCheckInterval, time.Minute)
}

func (c *TuningConfig) GetDriftAccelTolerance() float64 {
	return floatOr(c.DriftAccelTolerance, 0.3)
}

func (c *TuningConfig) GetDriftGyroTolerance() float64 {
	return floatOr(c.DriftGyroTolerance, 0.03)
}

// GetEventAccelThreshold returns the vertical dynamic acceleration (m/s²) a
// sample must exceed to become an anomaly candidate.
func (c *TuningConfig) GetEventAccelThreshold() float64 {
	return floatOr(c.EventAccelThreshold, 2.5)
}

func (c *TuningConfig) GetMinSpeedKmh() float64 { return floatOr(c.MinSpeedKmh, 5.0) }

func (c *TuningConfig) GetMinEventDuration() time.Duration {
	return durationOr(c.MinEventDuration, 50*time.Millisecond)
}

func (c *TuningConfig) GetMaxEventDuration() time.Duration {
	return durationOr(c.MaxEventDuration, 500*time.Millisecond)
}

func (c *TuningConfig) GetMergeWindow() time.Duration {
	return durationOr(c.MergeWindow, 500*time.Millisecond)
}

func (c *TuningConfig) GetMinStability() float64 { return floatOr(c.MinStability, 0.5) }

func (c *TuningConfig) GetSessionTimeout() time.Duration {
	return durationOr(c.SessionTimeout, 5*time.Minute)
}

func (c *TuningConfig) GetMaxEvents() int { return intOr(c.MaxEvents, 10000) }

// GetEvictionTarget returns the fraction of MaxEvents that eviction trims
// down to.
func (c *TuningConfig) GetEvictionTarget() float64 { return floatOr(c.EvictionTarget, 0.8) }

func (c *TuningConfig) GetRetentionDays() int { return intOr(c.RetentionDays, 30) }

func (c *TuningConfig) GetRetentionInterval() time.Duration {
	return durationOr(c.RetentionInterval, time.Hour)
}

func (c *TuningConfig) GetStorageRetries() int { return intOr(c.StorageRetries, 3) }

func (c *TuningConfig) GetStorageRetryBackoff() time.Duration {
	return durationOr(c.StorageRetryBackoff, 100*time.Millisecond)
}

func (c *TuningConfig) GetGPSMaxAge() time.Duration {
	return durationOr(c.GPSMaxAge, 2*time.Second)
}
