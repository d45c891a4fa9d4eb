// Package ingest turns the line stream of the sensor bridge into sensor
// samples. IMU lines become samples; NMEA sentences maintain the current GPS
// fix, which is attached to each sample while it is fresh.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/dustin/go-humanize"

	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
	"github.com/lettinghenry/roadpulse-sub001/internal/units"
)

// DefaultGPSMaxAge is how long a fix stays attached to IMU samples.
const DefaultGPSMaxAge = 2 * time.Second

// hdopToMetres converts GGA horizontal dilution of precision to an
// approximate horizontal accuracy.
const hdopToMetres = 5.0

// Stats counts the lines seen by an Assembler.
type Stats struct {
	IMU       uint64
	NMEA      uint64
	Unknown   uint64
	Malformed uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("imu=%s nmea=%s unknown=%s malformed=%s",
		humanize.Comma(int64(s.IMU)), humanize.Comma(int64(s.NMEA)),
		humanize.Comma(int64(s.Unknown)), humanize.Comma(int64(s.Malformed)))
}

// Assembler keeps the latest GPS fix and builds samples from IMU lines.
type Assembler struct {
	maxAge time.Duration

	mu      sync.Mutex
	fix     *sensor.GPSFix
	hdopM   float64 // latest GGA-derived accuracy, 0 if none
	lastIMU time.Time
	stats   Stats
}

// NewAssembler returns an Assembler. A non-positive maxAge selects
// DefaultGPSMaxAge.
func NewAssembler(maxAge time.Duration) *Assembler {
	if maxAge <= 0 {
		maxAge = DefaultGPSMaxAge
	}
	return &Assembler{maxAge: maxAge}
}

// Stats returns a snapshot of the line counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Fix returns a copy of the latest GPS fix, or nil.
func (a *Assembler) Fix() *sensor.GPSFix {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fix == nil {
		return nil
	}
	f := *a.fix
	return &f
}

// HandleLine consumes one line. It returns a sample and true for a valid IMU
// line. NMEA lines update the fix and return false. Malformed lines return an
// error and are counted; the caller is expected to carry on.
func (a *Assembler) HandleLine(line string) (sensor.SensorSample, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ClassifyLine(line) {
	case LineTypeIMU:
		s, err := ParseIMU(line)
		if err != nil {
			a.stats.Malformed++
			return sensor.SensorSample{}, false, err
		}
		a.stats.IMU++
		a.lastIMU = s.Timestamp
		s.GPS = a.freshFix(s.Timestamp)
		return s, true, nil

	case LineTypeNMEA:
		if err := a.handleNMEA(line); err != nil {
			a.stats.Malformed++
			return sensor.SensorSample{}, false, err
		}
		a.stats.NMEA++
		return sensor.SensorSample{}, false, nil

	default:
		a.stats.Unknown++
		tracef("ignoring line: %q", line)
		return sensor.SensorSample{}, false, nil
	}
}

func (a *Assembler) freshFix(at time.Time) *sensor.GPSFix {
	if a.fix == nil {
		return nil
	}
	age := at.Sub(a.fix.Time)
	if age < 0 {
		age = -age
	}
	if age >= a.maxAge {
		return nil
	}
	f := *a.fix
	return &f
}

func (a *Assembler) handleNMEA(line string) error {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return fmt.Errorf("parse nmea: %w", err)
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			if a.fix != nil {
				diagf("gps fix lost")
			}
			a.fix = nil
			return nil
		}
		fix := &sensor.GPSFix{
			Time:       a.fixTime(m.Date, m.Time),
			Lat:        m.Latitude,
			Lon:        m.Longitude,
			AccuracyM:  a.hdopM,
			SpeedMPS:   units.KnotsToMPS(m.Speed),
			Bearing:    units.NormalizeHeading(m.Course),
			HasBearing: m.Course != 0 || m.Speed > 0,
		}
		if a.fix == nil {
			diagf("gps fix acquired at %.5f,%.5f", fix.Lat, fix.Lon)
		}
		a.fix = fix

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality == nmea.Invalid || m.HDOP <= 0 {
			a.hdopM = 0
			return nil
		}
		a.hdopM = m.HDOP * hdopToMetres
		if a.fix != nil {
			a.fix.AccuracyM = a.hdopM
		}
	}
	return nil
}

// fixTime builds the fix timestamp from the RMC date and time. Without a
// complete date it falls back to the latest IMU timestamp.
func (a *Assembler) fixTime(d nmea.Date, t nmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return a.lastIMU
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// Run reads lines until ctx is done or lines is closed, sending each
// assembled sample to out. It closes out on return.
func (a *Assembler) Run(ctx context.Context, lines <-chan string, out chan<- sensor.SensorSample) error {
	defer close(out)
	defer func() { diagf("ingest stopped: %s", a.Stats()) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s, ok, err := a.HandleLine(line)
			if err != nil {
				opsf("dropping malformed line: %v", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
