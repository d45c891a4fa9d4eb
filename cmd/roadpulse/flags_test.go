package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lettinghenry/roadpulse-sub001/internal/detect"
	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
	"github.com/lettinghenry/roadpulse-sub001/internal/serialmux"
	"github.com/lettinghenry/roadpulse-sub001/internal/testutil"
)

func TestFlagDefaults(t *testing.T) {
	if *baudRate != serialmux.DefaultBaudRate {
		t.Errorf("baud default = %d, want %d", *baudRate, serialmux.DefaultBaudRate)
	}
	if *replayInterval != 20*time.Millisecond {
		t.Errorf("replay-interval default = %v, want 20ms (50 Hz)", *replayInterval)
	}
	if *dbPath != "roadpulse.db" {
		t.Errorf("db default = %q", *dbPath)
	}
	if *mqttBroker != "" {
		t.Error("MQTT reporting should be off by default")
	}
}

func TestSplitCommands(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"RATE 50", []string{"RATE 50"}},
		{" RATE 50 ; GPS ON;;", []string{"RATE 50", "GPS ON"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitCommands(tt.in)); diff != "" {
			t.Errorf("splitCommands(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

// Built-in defaults must match the thresholds the packages ship with.
func TestDefaultTuningMatchesPackageDefaults(t *testing.T) {
	tc, err := loadTuning("")
	testutil.AssertNoError(t, err)

	if diff := cmp.Diff(sensor.DefaultConfig(), sensorConfig(tc)); diff != "" {
		t.Errorf("sensor config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(detect.DefaultConfig(), detectConfig(tc)); diff != "" {
		t.Errorf("detect config mismatch (-want +got):\n%s", diff)
	}
}

func TestTuningFileOverrides(t *testing.T) {
	path := testutil.WriteFile(t, "tuning.yaml", `
event_accel_threshold: 3.0
merge_window: 750ms
calibration_samples: 150
calibration_min_accuracy: 3
`)
	tc, err := loadTuning(path)
	testutil.AssertNoError(t, err)

	sc := sensorConfig(tc)
	if sc.CalibrationSamples != 150 || sc.CalibrationMinAccuracy != sensor.AccuracyHigh {
		t.Errorf("calibration overrides not applied: %+v", sc)
	}
	if sc.SmoothingWindow != 5 {
		t.Errorf("unset fields keep defaults, got smoothing window %d", sc.SmoothingWindow)
	}

	dc := detectConfig(tc)
	if dc.AccelThreshold != 3.0 || dc.MergeWindow != 750*time.Millisecond {
		t.Errorf("detect overrides not applied: %+v", dc)
	}
}
