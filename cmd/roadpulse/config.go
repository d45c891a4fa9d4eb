package main

import (
	"github.com/lettinghenry/roadpulse-sub001/internal/config"
	"github.com/lettinghenry/roadpulse-sub001/internal/detect"
	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
)

func sensorConfig(tc *config.TuningConfig) sensor.Config {
	cfg := sensor.DefaultConfig()
	cfg.SmoothingWindow = tc.GetSmoothingWindow()
	cfg.AccelMotionThreshold = tc.GetAccelMotionThreshold()
	cfg.GyroMotionThreshold = tc.GetGyroMotionThreshold()
	cfg.AccelStationaryThreshold = tc.GetAccelStationaryThreshold()
	cfg.GyroStationaryThreshold = tc.GetGyroStationaryThreshold()
	cfg.HandlingGyroThreshold = tc.GetHandlingGyroThreshold()
	cfg.HandlingLatch = tc.GetHandlingLatch()
	cfg.CalibrationSamples = tc.GetCalibrationSamples()
	cfg.CalibrationMinAccuracy = sensor.Accuracy(tc.GetCalibrationMinAccuracy())
	cfg.CalibrationMaxAttempts = tc.GetCalibrationMaxAttempts()
	cfg.CalibrationBackoff = tc.GetCalibrationBackoff()
	cfg.MaxAccelOffset = tc.GetMaxAccelOffset()
	cfg.MaxGyroOffset = tc.GetMaxGyroOffset()
	cfg.AccelVarianceCeiling = tc.GetAccelVarianceCeiling()
	cfg.GyroVarianceCeiling = tc.GetGyroVarianceCeiling()
	cfg.DriftAccelTolerance = tc.GetDriftAccelTolerance()
	cfg.DriftGyroTolerance = tc.GetDriftGyroTolerance()
	return cfg
}

func detectConfig(tc *config.TuningConfig) detect.Config {
	cfg := detect.DefaultConfig()
	cfg.AccelThreshold = tc.GetEventAccelThreshold()
	cfg.MinSpeedKmh = tc.GetMinSpeedKmh()
	cfg.MinDuration = tc.GetMinEventDuration()
	cfg.MaxDuration = tc.GetMaxEventDuration()
	cfg.MergeWindow = tc.GetMergeWindow()
	cfg.MinStability = tc.GetMinStability()
	return cfg
}

// loadTuning reads path, or returns the built-in defaults when path is empty.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}
