package kevent

import (
	"sync"
	"time"
)

// counters are maintained under the queue mutex, whether or not metrics are
// enabled.
type counters struct {
	activations uint64
	drops       uint64
	harvested   uint64
	scans       uint64
	sleeps      uint64
}

// Metrics accumulates the optional statistics enabled by [WithMetrics].
type Metrics struct {
	p50, p90, p99  quantile
	mu             sync.Mutex
	registrations  uint64
	registerErrors uint64
	scanCount      uint64
	scanMax        time.Duration
	batchMax       int
}

func newMetrics() *Metrics {
	m := &Metrics{}
	m.p50.init(0.50)
	m.p90.init(0.90)
	m.p99.init(0.99)
	return m
}

func (m *Metrics) recordRegister(err error) {
	m.mu.Lock()
	m.registrations++
	if err != nil {
		m.registerErrors++
	}
	m.mu.Unlock()
}

func (m *Metrics) recordScan(d time.Duration, n int) {
	m.mu.Lock()
	v := float64(d)
	m.p50.observe(v)
	m.p90.observe(v)
	m.p99.observe(v)
	m.scanCount++
	m.scanMax = max(m.scanMax, d)
	m.batchMax = max(m.batchMax, n)
	m.mu.Unlock()
}

// LatencySnapshot summarizes scan pass latency, excluding time spent
// blocked.
type LatencySnapshot struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Count uint64
}

// MetricsSnapshot is a point in time copy of a queue's statistics.
type MetricsSnapshot struct {
	ScanLatency LatencySnapshot
	// Activations counts knote activations, including those of queued
	// knotes.
	Activations uint64
	Drops       uint64
	Harvested   uint64
	Scans       uint64
	Sleeps      uint64
	// Registrations and RegisterErrors are only counted with metrics
	// enabled.
	Registrations  uint64
	RegisterErrors uint64
	// Ready is the current ready count, Knotes the registration count.
	Ready    int
	Knotes   int
	MaxBatch int
}

// Metrics returns the queue's statistics. The latency and registration
// figures are zero unless the queue was created with [WithMetrics].
func (q *Queue) Metrics() MetricsSnapshot {
	q.mu.Lock()
	s := MetricsSnapshot{
		Activations: q.stats.activations,
		Drops:       q.stats.drops,
		Harvested:   q.stats.harvested,
		Scans:       q.stats.scans,
		Sleeps:      q.stats.sleeps,
		Ready:       q.count,
		Knotes:      q.arena.live,
	}
	q.mu.Unlock()

	if m := q.metrics; m != nil {
		m.mu.Lock()
		s.Registrations = m.registrations
		s.RegisterErrors = m.registerErrors
		s.MaxBatch = m.batchMax
		s.ScanLatency = LatencySnapshot{
			P50:   time.Duration(m.p50.value()),
			P90:   time.Duration(m.p90.value()),
			P99:   time.Duration(m.p99.value()),
			Max:   m.scanMax,
			Count: m.scanCount,
		}
		m.mu.Unlock()
	}
	return s
}

// quantile is a streaming estimator of one quantile, using the P-square
// algorithm (Jain and Chlamtac, 1985): five markers track the minimum, the
// maximum, the target quantile and the two midpoints, and are adjusted with
// piecewise parabolic interpolation. It is not safe for concurrent use.
type quantile struct {
	height  [5]float64
	pos     [5]float64
	want    [5]float64
	incr    [5]float64
	p       float64
	samples int
}

func (x *quantile) init(p float64) {
	x.p = p
	x.incr = [5]float64{0, p / 2, p, (1 + p) / 2, 1}
}

func (x *quantile) observe(v float64) {
	if x.samples < 5 {
		// insertion sort of the first five samples
		i := x.samples
		for i > 0 && x.height[i-1] > v {
			x.height[i] = x.height[i-1]
			i--
		}
		x.height[i] = v
		x.samples++
		if x.samples == 5 {
			for i := range x.pos {
				x.pos[i] = float64(i)
			}
			x.want = [5]float64{0, 2 * x.p, 4 * x.p, 2 + 2*x.p, 4}
		}
		return
	}
	x.samples++

	var k int
	switch {
	case v < x.height[0]:
		x.height[0] = v
		k = 0
	case v >= x.height[4]:
		x.height[4] = v
		k = 3
	default:
		for k = 0; k < 3 && v >= x.height[k+1]; k++ {
		}
	}
	for i := k + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.want {
		x.want[i] += x.incr[i]
	}

	for i := 1; i < 4; i++ {
		d := x.want[i] - x.pos[i]
		if (d >= 1 && x.pos[i+1]-x.pos[i] > 1) || (d <= -1 && x.pos[i-1]-x.pos[i] < -1) {
			s := 1.0
			if d < 0 {
				s = -1
			}
			h := x.parabolic(i, s)
			if x.height[i-1] < h && h < x.height[i+1] {
				x.height[i] = h
			} else {
				j := i + int(s)
				x.height[i] += s * (x.height[j] - x.height[i]) / (x.pos[j] - x.pos[i])
			}
			x.pos[i] += s
		}
	}
}

func (x *quantile) parabolic(i int, s float64) float64 {
	n0, n1, n2 := x.pos[i-1], x.pos[i], x.pos[i+1]
	q0, q1, q2 := x.height[i-1], x.height[i], x.height[i+1]
	return q1 + s/(n2-n0)*((n1-n0+s)*(q2-q1)/(n2-n1)+(n2-n1-s)*(q1-q0)/(n1-n0))
}

func (x *quantile) value() float64 {
	switch {
	case x.samples == 0:
		return 0
	case x.samples < 5:
		// exact, from the sorted samples
		idx := int(x.p * float64(x.samples-1))
		return x.height[idx]
	default:
		return x.height[2]
	}
}
