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

package constraints_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/constraints"
)

type nameHard struct {
	name string
	ok   bool
}

func (n nameHard) Name() string { return n.name }
func (n nameHard) Evaluate(*fleetv1alpha1.Task, fleetv1alpha1.Agent, constraints.EvalContext) (bool, string) {
	if n.ok {
		return true, ""
	}
	return false, n.name + " rejected"
}

type zoneAffinity struct{}

func (zoneAffinity) Name() string { return "zone-affinity" }
func (zoneAffinity) Evaluate(t *fleetv1alpha1.Task, a fleetv1alpha1.Agent, _ constraints.EvalContext) (bool, string) {
	if a.Zone() == "preferred" {
		return true, ""
	}
	return false, "zone mismatch"
}

type constScore struct {
	name  string
	score float64
}

func (c constScore) Name() string { return c.name }
func (c constScore) Score(*fleetv1alpha1.Task, fleetv1alpha1.Agent, constraints.EvalContext) float64 {
	return c.score
}

func agentWithCPU(id string, cpu float64, zone string) fleetv1alpha1.Agent {
	return fleetv1alpha1.Agent{
		ID:         id,
		Attributes: map[string]string{fleetv1alpha1.AttrZone: zone},
		Total:      fleetv1alpha1.Resources{CPU: cpu},
	}
}

var _ = Describe("Registry", func() {
	It("rejects when a fleet-global hard constraint fails", func() {
		r := constraints.NewRegistry(nameHard{name: "global", ok: false}, nil)
		task := &fleetv1alpha1.Task{ID: "t1", Request: fleetv1alpha1.Resources{CPU: 1}}
		agent := agentWithCPU("a1", 4, "preferred")
		ok, reason, _ := r.Evaluate(task, agent, agent.Total, constraints.EvalContext{})
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("global rejected"))
	})

	It("rejects when a named per-task hard constraint fails", func() {
		r := constraints.NewRegistry(nil, nil)
		r.RegisterHard(zoneAffinity{})
		task := &fleetv1alpha1.Task{ID: "t1", Request: fleetv1alpha1.Resources{CPU: 1}, HardConstraints: []string{"zone-affinity"}}
		agent := agentWithCPU("a1", 4, "other")
		ok, reason, _ := r.Evaluate(task, agent, agent.Total, constraints.EvalContext{})
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("zone mismatch"))
	})

	It("rejects on insufficient remaining resources even with passing hard constraints", func() {
		r := constraints.NewRegistry(nil, nil)
		task := &fleetv1alpha1.Task{ID: "t1", Request: fleetv1alpha1.Resources{CPU: 8}}
		agent := agentWithCPU("a1", 4, "preferred")
		ok, reason, _ := r.Evaluate(task, agent, agent.Total, constraints.EvalContext{})
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("insufficient resources"))
	})

	It("combines the global soft constraint and named soft constraints as a weighted average", func() {
		r := constraints.NewRegistry(nil, constScore{name: "global-soft", score: 1.0})
		r.RegisterSoft(constScore{name: "pack", score: 0.0}, 1.0)
		task := &fleetv1alpha1.Task{ID: "t1", Request: fleetv1alpha1.Resources{CPU: 1}, SoftConstraints: []string{"pack"}}
		agent := agentWithCPU("a1", 4, "preferred")
		ok, _, score := r.Evaluate(task, agent, agent.Total, constraints.EvalContext{})
		Expect(ok).To(BeTrue())
		Expect(score).To(Equal(0.5))
	})

	It("scores 1 when no soft constraints are registered or referenced", func() {
		r := constraints.NewRegistry(nil, nil)
		task := &fleetv1alpha1.Task{ID: "t1", Request: fleetv1alpha1.Resources{CPU: 1}}
		agent := agentWithCPU("a1", 4, "preferred")
		ok, _, score := r.Evaluate(task, agent, agent.Total, constraints.EvalContext{})
		Expect(ok).To(BeTrue())
		Expect(score).To(Equal(1.0))
	})
})

var _ = Describe("Best", func() {
	It("picks the highest score", func() {
		candidates := []constraints.Candidate{
			{Agent: fleetv1alpha1.Agent{ID: "a1"}, Score: 0.4},
			{Agent: fleetv1alpha1.Agent{ID: "a2"}, Score: 0.9},
		}
		best, ok := constraints.Best("t1", candidates)
		Expect(ok).To(BeTrue())
		Expect(best.Agent.ID).To(Equal("a2"))
	})

	It("breaks a score tie by fewer assigned this iteration", func() {
		candidates := []constraints.Candidate{
			{Agent: fleetv1alpha1.Agent{ID: "a1"}, Score: 0.5, AssignedInIter: 2},
			{Agent: fleetv1alpha1.Agent{ID: "a2"}, Score: 0.5, AssignedInIter: 0},
		}
		best, ok := constraints.Best("t1", candidates)
		Expect(ok).To(BeTrue())
		Expect(best.Agent.ID).To(Equal("a2"))
	})

	It("breaks a score and assigned-count tie by larger remaining CPU", func() {
		candidates := []constraints.Candidate{
			{Agent: fleetv1alpha1.Agent{ID: "a1"}, Score: 0.5, RemainingCPU: 1},
			{Agent: fleetv1alpha1.Agent{ID: "a2"}, Score: 0.5, RemainingCPU: 3},
		}
		best, ok := constraints.Best("t1", candidates)
		Expect(ok).To(BeTrue())
		Expect(best.Agent.ID).To(Equal("a2"))
	})

	It("breaks a full tie deterministically by stable hash", func() {
		candidates := []constraints.Candidate{
			{Agent: fleetv1alpha1.Agent{ID: "a1"}, Score: 0.5},
			{Agent: fleetv1alpha1.Agent{ID: "a2"}, Score: 0.5},
		}
		first, _ := constraints.Best("t1", append([]constraints.Candidate{}, candidates...))
		second, _ := constraints.Best("t1", append([]constraints.Candidate{}, candidates...))
		Expect(first.Agent.ID).To(Equal(second.Agent.ID))

		wantFirst := "a1"
		if constraints.StableHash("a2", "t1") < constraints.StableHash("a1", "t1") {
			wantFirst = "a2"
		}
		Expect(first.Agent.ID).To(Equal(wantFirst))
	})

	It("returns false for an empty candidate list", func() {
		_, ok := constraints.Best("t1", nil)
		Expect(ok).To(BeFalse())
	})
})
