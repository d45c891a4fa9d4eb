// Package detect turns processed sensor samples into road anomaly events:
// threshold detection, plausibility validation and merging of candidates
// that belong to the same physical bump.
package detect

import (
	"sort"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
)

// Config holds the detection thresholds.
type Config struct {
	AccelThreshold float64 // m/s² of vertical dynamic acceleration
	MinSpeedKmh    float64
	MinDuration    time.Duration
	MaxDuration    time.Duration
	MergeWindow    time.Duration
	MinStability   float64
	// StabilityGyroScale is the rotation rate at which stability reaches 0.
	StabilityGyroScale float64
	// DurationSamples is the number of inter-sample intervals an impulse is
	// assumed to last.
	DurationSamples int
	// FallbackDuration is used when no previous sample gives an interval.
	FallbackDuration time.Duration
	RecentCapacity   int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		AccelThreshold:     2.5,
		MinSpeedKmh:        5.0,
		MinDuration:        50 * time.Millisecond,
		MaxDuration:        500 * time.Millisecond,
		MergeWindow:        500 * time.Millisecond,
		MinStability:       0.5,
		StabilityGyroScale: 2.0,
		DurationSamples:    5,
		FallbackDuration:   100 * time.Millisecond,
		RecentCapacity:     8,
	}
}

// Detector is the EventDetector. It is not safe for concurrent use.
type Detector struct {
	cfg          Config
	lastSampleAt time.Time
	recent       []DetectedEvent
	// open holds candidates folded out of a full recent buffer. It belongs to
	// the same chain as recent and is emitted together with it.
	open *chain
}

// chain is a running merge of candidates that follow each other within
// MergeWindow.
type chain struct {
	ev     DetectedEvent
	weight float64
	last   time.Time
	n      int
}

// NewDetector returns a Detector with an empty merge window.
func NewDetector(cfg Config) *Detector {
	if cfg.RecentCapacity < 1 {
		cfg.RecentCapacity = 1
	}
	return &Detector{cfg: cfg, recent: make([]DetectedEvent, 0, cfg.RecentCapacity)}
}

// DetectEvent returns a candidate when the sample's vertical dynamic
// acceleration exceeds the threshold while the vehicle is moving at least
// MinSpeedKmh. Samples without a GPS fix never fire.
//
// Duration is an estimate, DurationSamples times the interval since the
// previous sample, not a measurement of the time spent above threshold.
func (d *Detector) DetectEvent(s sensor.ProcessedSample) *DetectedEvent {
	prev := d.lastSampleAt
	d.lastSampleAt = s.Timestamp

	if s.GPS == nil || s.GPS.SpeedKmh() < d.cfg.MinSpeedKmh {
		return nil
	}
	peak := s.VerticalDynamic()
	if peak <= d.cfg.AccelThreshold {
		return nil
	}

	duration := d.cfg.FallbackDuration
	if !prev.IsZero() && s.Timestamp.After(prev) {
		duration = time.Duration(d.cfg.DurationSamples) * s.Timestamp.Sub(prev)
	}

	stability := 0.0
	if !s.Handling {
		stability = clamp01(1 - s.Gyro.Magnitude()/d.cfg.StabilityGyroScale)
	}

	ev := &DetectedEvent{
		Timestamp: s.Timestamp,
		PeakAccel: peak,
		Duration:  duration,
		Location: &Location{
			Lat:        s.GPS.Lat,
			Lon:        s.GPS.Lon,
			AccuracyM:  s.GPS.AccuracyM,
			SpeedKmh:   s.GPS.SpeedKmh(),
			Heading:    s.GPS.Bearing,
			HasHeading: s.GPS.HasBearing,
		},
		Quality: SensorQuality{
			AccelAccuracy: s.AccelAccuracy,
			GyroAccuracy:  s.GyroAccuracy,
			GPSAccuracyM:  s.GPS.AccuracyM,
			Stability:     stability,
		},
	}
	tracef("candidate at %s peak %.2f duration %s stability %.2f",
		ev.Timestamp.Format(time.RFC3339Nano), ev.PeakAccel, ev.Duration, stability)
	return ev
}

// ValidateEvent reports whether an event is plausible as a road impulse.
// Anything too short, too long or recorded while the device was unstable is
// attributed to handling.
func (d *Detector) ValidateEvent(e DetectedEvent) bool {
	if e.Duration < d.cfg.MinDuration || e.Duration > d.cfg.MaxDuration {
		return false
	}
	return e.Quality.Stability >= d.cfg.MinStability
}

// MergeConsecutiveEvents collapses candidates that follow the previous
// candidate within MergeWindow. A merged event starts at the earliest
// timestamp, lasts until the latest end, keeps the highest peak and takes its
// location from the highest-peak event that has one. Quality is averaged,
// weighted by each part's Confidence.
func (d *Detector) MergeConsecutiveEvents(events []DetectedEvent) []DetectedEvent {
	if len(events) == 0 {
		return nil
	}
	sorted := append([]DetectedEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	closed, open := d.extend(nil, sorted)
	return append(closed, open.ev)
}

// extend folds events into c in order and returns the chains that closed on
// the way together with the chain still open.
func (d *Detector) extend(c *chain, events []DetectedEvent) ([]DetectedEvent, *chain) {
	var closed []DetectedEvent
	for _, e := range events {
		if c != nil && e.Timestamp.Sub(c.last) <= d.cfg.MergeWindow {
			c.ev, c.weight = mergePair(c.ev, c.weight, e)
			if e.Timestamp.After(c.last) {
				c.last = e.Timestamp
			}
			c.n++
			continue
		}
		if c != nil {
			closed = append(closed, c.ev)
		}
		c = &chain{ev: e, weight: Confidence(e.Quality), last: e.Timestamp, n: 1}
	}
	return closed, c
}

// mergePair folds b into a. aWeight is the accumulated quality weight of a;
// the returned weight includes b.
func mergePair(a DetectedEvent, aWeight float64, b DetectedEvent) (DetectedEvent, float64) {
	bWeight := Confidence(b.Quality)

	merged := a
	if b.Timestamp.Before(merged.Timestamp) {
		merged.Timestamp = b.Timestamp
	}
	end := a.End()
	if b.End().After(end) {
		end = b.End()
	}
	merged.Duration = end.Sub(merged.Timestamp)

	switch {
	case b.PeakAccel > a.PeakAccel:
		merged.PeakAccel = b.PeakAccel
		if b.Location != nil {
			merged.Location = b.Location
		}
	case merged.Location == nil:
		merged.Location = b.Location
	}

	merged.Quality = weightedQuality(a.Quality, aWeight, b.Quality, bWeight)
	return merged, aWeight + bWeight
}

func weightedQuality(a SensorQuality, wa float64, b SensorQuality, wb float64) SensorQuality {
	if wa+wb <= 0 {
		wa, wb = 1, 1
	}
	avg := func(x, y float64) float64 { return (x*wa + y*wb) / (wa + wb) }

	q := SensorQuality{
		AccelAccuracy: sensor.Accuracy(int(avg(float64(a.AccelAccuracy), float64(b.AccelAccuracy)) + 0.5)),
		GyroAccuracy:  sensor.Accuracy(int(avg(float64(a.GyroAccuracy), float64(b.GyroAccuracy)) + 0.5)),
		Stability:     avg(a.Stability, b.Stability),
	}
	switch {
	case a.GPSAccuracyM > 0 && b.GPSAccuracyM > 0:
		q.GPSAccuracyM = avg(a.GPSAccuracyM, b.GPSAccuracyM)
	case a.GPSAccuracyM > 0:
		q.GPSAccuracyM = a.GPSAccuracyM
	default:
		q.GPSAccuracyM = b.GPSAccuracyM
	}
	return q
}

// Process runs detection on one sample and returns any events whose merge
// window has closed. Candidates failing validation are dropped immediately;
// merged events are validated again before they are returned. A full recent
// buffer is folded into the open chain, so a long impulse still yields one
// event.
func (d *Detector) Process(s sensor.ProcessedSample) []DetectedEvent {
	out := d.Expire(s.Timestamp)

	ev := d.DetectEvent(s)
	if ev == nil {
		return out
	}
	if !d.ValidateEvent(*ev) {
		diagf("discarded candidate at %s: duration %s stability %.2f",
			ev.Timestamp.Format(time.RFC3339Nano), ev.Duration, ev.Quality.Stability)
		return out
	}
	if len(d.recent) == d.cfg.RecentCapacity {
		out = append(out, d.validated(d.fold())...)
	}
	d.recent = append(d.recent, *ev)
	return out
}

// fold moves the recent buffer into the open chain and returns any chains
// that closed while doing so.
func (d *Detector) fold() []DetectedEvent {
	closed, open := d.extend(d.open, d.recent)
	d.open = open
	d.recent = d.recent[:0]
	if open != nil {
		tracef("folded chain: %d candidates, peak %.2f", open.n, open.ev.PeakAccel)
	}
	return closed
}

// Expire returns the merged pending events if more than MergeWindow has
// passed since the last candidate.
func (d *Detector) Expire(now time.Time) []DetectedEvent {
	var last time.Time
	switch {
	case len(d.recent) > 0:
		last = d.recent[len(d.recent)-1].Timestamp
	case d.open != nil:
		last = d.open.last
	default:
		return nil
	}
	if now.Sub(last) <= d.cfg.MergeWindow {
		return nil
	}
	return d.Flush()
}

// Flush merges, validates and returns everything pending.
func (d *Detector) Flush() []DetectedEvent {
	if d.Pending() == 0 {
		return nil
	}
	merged := d.fold()
	if d.open != nil {
		merged = append(merged, d.open.ev)
		d.open = nil
	}
	return d.validated(merged)
}

func (d *Detector) validated(events []DetectedEvent) []DetectedEvent {
	out := events[:0]
	for _, e := range events {
		if d.ValidateEvent(e) {
			out = append(out, e)
			continue
		}
		diagf("discarded merged event at %s: duration %s stability %.2f",
			e.Timestamp.Format(time.RFC3339Nano), e.Duration, e.Quality.Stability)
	}
	return out
}

// Pending reports how many candidates are waiting in the merge window.
func (d *Detector) Pending() int {
	n := len(d.recent)
	if d.open != nil {
		n += d.open.n
	}
	return n
}

// MinSpeedKmh is the speed below which no candidate fires.
func (d *Detector) MinSpeedKmh() float64 { return d.cfg.MinSpeedKmh }

// ClearState drops pending candidates and timing context.
func (d *Detector) ClearState() {
	d.recent = d.recent[:0]
	d.open = nil
	d.lastSampleAt = time.Time{}
}
