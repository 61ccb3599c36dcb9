// Package metrics exports engine statistics in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
)

const namespace = "tcpin"

// Collector implements prometheus.Collector over a core.Stats. Every engine
// counter becomes a tcpin_<name>_total counter; connection states tracked
// with SetConns become the tcpin_connections gauge.
type Collector struct {
	stats *core.Stats
	descs map[core.Counter]*prometheus.Desc
	conns *prometheus.Desc

	mu     sync.Mutex
	states map[string]int
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading stats.
func NewCollector(stats *core.Stats) *Collector {
	c := &Collector{
		stats:  stats,
		descs:  make(map[core.Counter]*prometheus.Desc),
		states: make(map[string]int),
		conns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections"),
			"Connections by TCP state.",
			[]string{"state"}, nil,
		),
	}
	for _, k := range core.Counters() {
		c.descs[k] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", k.String()+"_total"),
			fmt.Sprintf("Engine counter %s.", k),
			nil, nil,
		)
	}
	return c
}

// SetConns replaces the per-state connection counts.
func (c *Collector) SetConns(states map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[string]int, len(states))
	for s, n := range states {
		c.states[s] = n
	}
}

// Describe is part of the implementation of prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, k := range core.Counters() {
		ch <- c.descs[k]
	}
	ch <- c.conns
}

// Collect is part of the implementation of prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, k := range core.Counters() {
		ch <- prometheus.MustNewConstMetric(c.descs[k], prometheus.CounterValue, float64(c.stats.Load(k)))
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.states))
	for s := range c.states {
		names = append(names, s)
	}
	sort.Strings(names)
	for _, s := range names {
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(c.states[s]), s)
	}
	c.mu.Unlock()
}

// NewRegistry returns a registry holding only the engine collector.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

// Write gathers g and writes it to w in the text exposition format.
func Write(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("could not gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("could not encode metric %v: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Handler serves g at any path.
func Handler(g prometheus.Gatherer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := Write(w, g); err != nil {
			logging.Errorf("metrics: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
		}
	})
}
