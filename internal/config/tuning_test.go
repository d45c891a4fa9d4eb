package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg := EmptyTuningConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.GetSmoothingWindow())
	assert.Equal(t, 1.5, cfg.GetAccelMotionThreshold())
	assert.Equal(t, 0.1, cfg.GetGyroMotionThreshold())
	assert.Equal(t, 0.5, cfg.GetAccelStationaryThreshold())
	assert.Equal(t, 0.05, cfg.GetGyroStationaryThreshold())
	assert.Equal(t, 3*time.Second, cfg.GetHandlingLatch())
	assert.Equal(t, 100, cfg.GetCalibrationSamples())
	assert.Equal(t, 30*time.Second, cfg.GetCalibrationBackoff())
	assert.Equal(t, 2.5, cfg.GetEventAccelThreshold())
	assert.Equal(t, 500*time.Millisecond, cfg.GetMergeWindow())
	assert.Equal(t, 5*time.Minute, cfg.GetSessionTimeout())
	assert.Equal(t, 10000, cfg.GetMaxEvents())
	assert.Equal(t, 0.8, cfg.GetEvictionTarget())
	assert.Equal(t, 3, cfg.GetStorageRetries())
	assert.Equal(t, 2*time.Second, cfg.GetGPSMaxAge())
}

func TestDefaultsFileMatchesGetters(t *testing.T) {
	t.Parallel()

	cfg := MustLoadDefaultConfig()
	empty := EmptyTuningConfig()

	assert.Equal(t, empty.GetSmoothingWindow(), cfg.GetSmoothingWindow())
	assert.Equal(t, empty.GetHandlingGyroThreshold(), cfg.GetHandlingGyroThreshold())
	assert.Equal(t, empty.GetCalibrationMinAccuracy(), cfg.GetCalibrationMinAccuracy())
	assert.Equal(t, empty.GetCalibrationMaxAttempts(), cfg.GetCalibrationMaxAttempts())
	assert.Equal(t, empty.GetMaxAccelOffset(), cfg.GetMaxAccelOffset())
	assert.Equal(t, empty.GetMaxGyroOffset(), cfg.GetMaxGyroOffset())
	assert.Equal(t, empty.GetAccelVarianceCeiling(), cfg.GetAccelVarianceCeiling())
	assert.Equal(t, empty.GetGyroVarianceCeiling(), cfg.GetGyroVarianceCeiling())
	assert.Equal(t, empty.GetDriftCheckInterval(), cfg.GetDriftCheckInterval())
	assert.Equal(t, empty.GetDriftAccelTolerance(), cfg.GetDriftAccelTolerance())
	assert.Equal(t, empty.GetDriftGyroTolerance(), cfg.GetDriftGyroTolerance())
	assert.Equal(t, empty.GetMinSpeedKmh(), cfg.GetMinSpeedKmh())
	assert.Equal(t, empty.GetMinEventDuration(), cfg.GetMinEventDuration())
	assert.Equal(t, empty.GetMaxEventDuration(), cfg.GetMaxEventDuration())
	assert.Equal(t, empty.GetMinStability(), cfg.GetMinStability())
	assert.Equal(t, empty.GetRetentionDays(), cfg.GetRetentionDays())
	assert.Equal(t, empty.GetRetentionInterval(), cfg.GetRetentionInterval())
	assert.Equal(t, empty.GetStorageRetryBackoff(), cfg.GetStorageRetryBackoff())
}

func TestLoadTuningConfig_PartialJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "max_events": 500,
  "session_timeout": "90s",
  "event_accel_threshold": 3.0
}`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.GetMaxEvents())
	assert.Equal(t, 90*time.Second, cfg.GetSessionTimeout())
	assert.Equal(t, 3.0, cfg.GetEventAccelThreshold())
	assert.Equal(t, 0.8, cfg.GetEvictionTarget(), "unset fields keep defaults")
}

func TestLoadTuningConfig_YAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
calibration_samples: 50
calibration_backoff: 10s
min_stability: 0.6
gps_max_age: 1500ms
`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.GetCalibrationSamples())
	assert.Equal(t, 10*time.Second, cfg.GetCalibrationBackoff())
	assert.Equal(t, 0.6, cfg.GetMinStability())
	assert.Equal(t, 1500*time.Millisecond, cfg.GetGPSMaxAge())
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"wrong extension", "tuning.txt", `{}`, "extension"},
		{"bad json", "tuning.json", `{"max_events":`, "parse config JSON"},
		{"bad yaml", "tuning.yml", "max_events: [", "parse config YAML"},
		{"bad duration", "tuning.json", `{"merge_window": "soon"}`, "invalid merge_window"},
		{"negative duration", "tuning.json", `{"session_timeout": "-1m"}`, "must be positive"},
		{"stability out of range", "tuning.json", `{"min_stability": 1.5}`, "min_stability"},
		{"eviction target of one", "tuning.json", `{"eviction_target": 1.0}`, "eviction_target"},
		{"inverted duration bounds", "tuning.json", `{"min_event_duration": "600ms"}`, "must be below"},
		{"inverted motion thresholds", "tuning.json", `{"accel_stationary_threshold": 2.0}`, "accel_stationary_threshold"},
		{"accuracy out of range", "tuning.json", `{"calibration_min_accuracy": 4}`, "calibration_min_accuracy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := LoadTuningConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTuningConfig_TooLarge(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "huge.json")
	payload := `{"max_events": 1, "pad": "` + strings.Repeat("x", 1024*1024) + `"}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	_, err := LoadTuningConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadTuningConfig_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat config file")
}
