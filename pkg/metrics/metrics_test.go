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

package metrics_test

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbusfleet/fleetcore/pkg/metrics"
)

func gather(reg *prometheus.Registry, name string) *dto.MetricFamily {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, f := range families {
		if f.GetName() == "fleetcore_"+name {
			return f
		}
	}
	return nil
}

var _ = Describe("Registry", func() {
	It("registers a counter against the supplied registry, not the global one", func() {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		m.Counter("tasks_placed_total", "g1").Inc()
		m.Counter("tasks_placed_total", "g1").Add(2)

		f := gather(reg, "tasks_placed_total")
		Expect(f).NotTo(BeNil())
		Expect(f.GetMetric()[0].GetCounter().GetValue()).To(Equal(3.0))
	})

	It("returns the same vec member for repeated calls with the same labels", func() {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		m.Gauge("queue_depth", "g1").Set(5)
		m.Gauge("queue_depth", "g1").Set(7)

		f := gather(reg, "queue_depth")
		Expect(f.GetMetric()).To(HaveLen(1))
		Expect(f.GetMetric()[0].GetGauge().GetValue()).To(Equal(7.0))
	})

	It("records timer observations into a histogram", func() {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		m.Timer("placement_iteration_seconds").ObserveSeconds(0.02)

		f := gather(reg, "placement_iteration_seconds")
		Expect(f.GetMetric()[0].GetHistogram().GetSampleCount()).To(Equal(uint64(1)))
	})
})
