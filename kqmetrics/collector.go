// Package kqmetrics exports queue statistics as Prometheus metrics.
package kqmetrics

import (
	"sync"

	kevent "github.com/joeycumines/go-kevent"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kevent"

// Collector is a [prometheus.Collector] over a set of named queues. Each
// metric carries a "queue" label. The scan latency summary is only
// populated for queues created with [kevent.WithMetrics].
type Collector struct {
	queues map[string]*kevent.Queue
	mu     sync.RWMutex

	activations    *prometheus.Desc
	drops          *prometheus.Desc
	harvested      *prometheus.Desc
	scans          *prometheus.Desc
	sleeps         *prometheus.Desc
	registrations  *prometheus.Desc
	registerErrors *prometheus.Desc
	ready          *prometheus.Desc
	knotes         *prometheus.Desc
	scanLatency    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// New returns a collector with no queues.
func New() *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"queue"}, nil)
	}
	return &Collector{
		queues:         make(map[string]*kevent.Queue),
		activations:    desc("activations_total", "Knote activations."),
		drops:          desc("drops_total", "Registrations removed."),
		harvested:      desc("harvested_events_total", "Events delivered by scans."),
		scans:          desc("scans_total", "Scan passes over the ready list."),
		sleeps:         desc("sleeps_total", "Scans that blocked for events."),
		registrations:  desc("registrations_total", "Changes applied."),
		registerErrors: desc("registration_errors_total", "Changes that failed."),
		ready:          desc("ready_events", "Current ready count."),
		knotes:         desc("registrations", "Current registration count."),
		scanLatency:    desc("scan_latency_seconds", "Scan pass latency, excluding time blocked."),
	}
}

// Add exports q under name, replacing any queue previously added under it.
func (c *Collector) Add(name string, q *kevent.Queue) {
	c.mu.Lock()
	c.queues[name] = q
	c.mu.Unlock()
}

// Remove stops exporting the queue added under name.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	delete(c.queues, name)
	c.mu.Unlock()
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activations
	ch <- c.drops
	ch <- c.harvested
	ch <- c.scans
	ch <- c.sleeps
	ch <- c.registrations
	ch <- c.registerErrors
	ch <- c.ready
	ch <- c.knotes
	ch <- c.scanLatency
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, q := range c.queues {
		s := q.Metrics()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
		}
		counter(c.activations, s.Activations)
		counter(c.drops, s.Drops)
		counter(c.harvested, s.Harvested)
		counter(c.scans, s.Scans)
		counter(c.sleeps, s.Sleeps)
		counter(c.registrations, s.Registrations)
		counter(c.registerErrors, s.RegisterErrors)
		ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, float64(s.Ready), name)
		ch <- prometheus.MustNewConstMetric(c.knotes, prometheus.GaugeValue, float64(s.Knotes), name)

		l := s.ScanLatency
		ch <- prometheus.MustNewConstSummary(c.scanLatency, l.Count, 0, map[float64]float64{
			0.5:  l.P50.Seconds(),
			0.9:  l.P90.Seconds(),
			0.99: l.P99.Seconds(),
		}, name)
	}
}
