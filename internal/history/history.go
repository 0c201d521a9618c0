// Package history keeps a bounded per-device time series of sensor
// snapshots for chart replay.
package history

import (
	"sync"
	"time"

	"greenhouse-broker/internal/state"
)

// DefaultCap is 24 hours of points at the 5-second reporting cadence.
const DefaultCap = 24 * 60 * 60 / 5

// DefaultMaxPoints is the rolling chart window the dashboard displays.
const DefaultMaxPoints = 24

// Point is one retained sensor snapshot.
type Point struct {
	Timestamp time.Time     `json:"timestamp"`
	Sensors   state.Sensors `json:"sensors"`
}

// series is a fixed-capacity ring buffer of points in append order.
type series struct {
	points []Point
	head   int // index of the oldest point
	count  int
}

func (r *series) append(p Point, cap int) {
	if len(r.points) < cap {
		r.points = append(r.points, p)
		r.count++
		return
	}
	// Full: overwrite the oldest slot.
	r.points[r.head] = p
	r.head = (r.head + 1) % cap
}

// chronological returns the points oldest-first.
func (r *series) chronological() []Point {
	out := make([]Point, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.points[(r.head+i)%len(r.points)])
	}
	return out
}

// Log holds one bounded series per device.
type Log struct {
	mu     sync.RWMutex
	series map[string]*series
	cap    int
}

// NewLog creates a log retaining at most cap points per device.
// A cap of 0 uses DefaultCap.
func NewLog(cap int) *Log {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Log{series: make(map[string]*series), cap: cap}
}

// Append records one point, evicting the oldest when the cap is exceeded.
func (l *Log) Append(deviceID string, p Point) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.series[deviceID]
	if !ok {
		s = &series{}
		l.series[deviceID] = s
	}
	s.append(p, l.cap)
}

// Query returns the points within the trailing window, oldest first,
// downsampled to at most maxPoints by bucketed averaging. maxPoints <= 0
// uses DefaultMaxPoints.
func (l *Log) Query(deviceID string, window time.Duration, maxPoints int) []Point {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}

	l.mu.RLock()
	s, ok := l.series[deviceID]
	var pts []Point
	if ok {
		pts = s.chronological()
	}
	l.mu.RUnlock()

	if len(pts) == 0 {
		return nil
	}

	if window > 0 {
		cutoff := time.Now().Add(-window)
		// Points are chronological; find the first one inside the window.
		lo := 0
		for lo < len(pts) && pts[lo].Timestamp.Before(cutoff) {
			lo++
		}
		pts = pts[lo:]
	}

	return downsample(pts, maxPoints)
}

// Dump returns a device's full series for persistence, oldest first.
func (l *Log) Dump(deviceID string) []Point {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.series[deviceID]
	if !ok {
		return nil
	}
	return s.chronological()
}

// DeviceIDs lists the devices with recorded history.
func (l *Log) DeviceIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.series))
	for id := range l.series {
		ids = append(ids, id)
	}
	return ids
}

// Restore seeds a device's series from persisted points. Points beyond the
// cap are dropped from the oldest end.
func (l *Log) Restore(deviceID string, pts []Point) {
	if len(pts) > l.cap {
		pts = pts[len(pts)-l.cap:]
	}
	s := &series{points: make([]Point, len(pts)), count: len(pts)}
	copy(s.points, pts)

	l.mu.Lock()
	l.series[deviceID] = s
	l.mu.Unlock()
}

// Sweep drops points older than the retention window across all devices.
func (l *Log) Sweep(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.series {
		pts := s.chronological()
		lo := 0
		for lo < len(pts) && pts[lo].Timestamp.Before(cutoff) {
			lo++
		}
		kept := pts[lo:]
		l.series[id] = &series{points: append([]Point(nil), kept...), count: len(kept)}
	}
}

// downsample reduces pts to at most max points by averaging fixed-size
// buckets. Each bucket's timestamp is that of its last raw point, so the
// series stays chronological.
func downsample(pts []Point, max int) []Point {
	if len(pts) <= max {
		return append([]Point(nil), pts...)
	}

	out := make([]Point, 0, max)
	bucket := float64(len(pts)) / float64(max)
	for i := 0; i < max; i++ {
		start := int(float64(i) * bucket)
		end := int(float64(i+1) * bucket)
		if end > len(pts) {
			end = len(pts)
		}
		if start >= end {
			continue
		}
		out = append(out, averagePoints(pts[start:end]))
	}
	return out
}

func averagePoints(pts []Point) Point {
	avg := Point{Timestamp: pts[len(pts)-1].Timestamp}

	type acc struct {
		sum float64
		n   int
	}
	var at, ah, sm, st, li acc
	add := func(a *acc, v *float64) {
		if v != nil {
			a.sum += *v
			a.n++
		}
	}
	for _, p := range pts {
		add(&at, p.Sensors.AirTemperature)
		add(&ah, p.Sensors.AirHumidity)
		add(&sm, p.Sensors.SoilMoisture)
		add(&st, p.Sensors.SoilTemperature)
		add(&li, p.Sensors.LightIntensity)
	}
	mean := func(a acc) *float64 {
		if a.n == 0 {
			return nil
		}
		m := a.sum / float64(a.n)
		return &m
	}
	avg.Sensors = state.Sensors{
		AirTemperature:  mean(at),
		AirHumidity:     mean(ah),
		SoilMoisture:    mean(sm),
		SoilTemperature: mean(st),
		LightIntensity:  mean(li),
	}
	return avg
}
