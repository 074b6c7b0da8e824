/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics is a Prometheus-backed collaborators.MetricsRegistry.
// Every handle is registered against a registry the caller constructs
// and owns; nothing here reaches for the global prometheus.DefaultRegisterer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
)

const namespace = "fleetcore"

// Registry is a collaborators.MetricsRegistry backed by a
// caller-supplied *prometheus.Registry. Handles are created lazily and
// cached per (name, label-values) pair so repeated Counter/Timer/Gauge
// calls with the same arguments return the same vec member instead of
// re-registering a collector.
type Registry struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	timers   map[string]*prometheus.HistogramVec
	gauges   map[string]*prometheus.GaugeVec
}

// New constructs a Registry backed by reg. reg is never replaced with
// prometheus.DefaultRegisterer; callers that want process-wide
// /metrics exposition register reg with their own HTTP handler.
func New(reg *prometheus.Registry) *Registry {
	return &Registry{
		reg:      reg,
		counters: map[string]*prometheus.CounterVec{},
		timers:   map[string]*prometheus.HistogramVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
	}
}

// DurationBuckets mirrors the coarse second-scale buckets used
// throughout the rest of this tree's latency histograms.
func DurationBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
}

func (r *Registry) Counter(name string, labels ...string) collaborators.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, []string{"label"})
		r.reg.MustRegister(vec)
		r.counters[name] = vec
	}
	return counterHandle{vec.WithLabelValues(joinLabels(labels))}
}

func (r *Registry) Timer(name string, labels ...string) collaborators.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.timers[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   DurationBuckets(),
		}, []string{"label"})
		r.reg.MustRegister(vec)
		r.timers[name] = vec
	}
	return timerHandle{vec.WithLabelValues(joinLabels(labels))}
}

func (r *Registry) Gauge(name string, labels ...string) collaborators.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, []string{"label"})
		r.reg.MustRegister(vec)
		r.gauges[name] = vec
	}
	return gaugeHandle{vec.WithLabelValues(joinLabels(labels))}
}

func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	out := labels[0]
	for _, l := range labels[1:] {
		out += "," + l
	}
	return out
}

type counterHandle struct{ c prometheus.Counter }

func (h counterHandle) Inc()              { h.c.Inc() }
func (h counterHandle) Add(delta float64) { h.c.Add(delta) }

type timerHandle struct{ o prometheus.Observer }

func (h timerHandle) ObserveSeconds(seconds float64) { h.o.Observe(seconds) }

type gaugeHandle struct{ g prometheus.Gauge }

func (h gaugeHandle) Set(value float64) { h.g.Set(value) }
