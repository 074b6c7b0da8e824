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

// Package constraints implements pluggable hard constraints (binary
// admit/reject) and soft scorers (fitness in [0,1]), composed per task
// and evaluated against a fleet-global pair that always runs first.
package constraints

import (
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
)

// EvalContext carries iteration-scoped state a constraint may need:
// how many tasks have already been assigned to each agent so far this
// iteration, and the iteration's wall-clock start.
type EvalContext struct {
	IterationStartUnixMS int64
	AssignedThisIteration map[string]int // agentID -> count
}

// HardConstraint admits or rejects a (task, agent) pairing outright.
type HardConstraint interface {
	Name() string
	Evaluate(task *fleetv1alpha1.Task, agent fleetv1alpha1.Agent, ctx EvalContext) (ok bool, reason string)
}

// SoftConstraint scores a (task, agent) pairing in [0,1]; higher is
// better.
type SoftConstraint interface {
	Name() string
	Score(task *fleetv1alpha1.Task, agent fleetv1alpha1.Agent, ctx EvalContext) float64
}

// GlobalPreparer is implemented by a fleet-global hard constraint that
// needs a per-iteration prepare hook, run once before any agent is
// evaluated.
type GlobalPreparer interface {
	Prepare(ctx EvalContext) error
}

// WeightedSoft pairs a SoftConstraint with its composition weight.
type WeightedSoft struct {
	Constraint SoftConstraint
	Weight     float64
}

// Registry holds the named hard and soft constraints a task may
// reference (Task.HardConstraints / Task.SoftConstraints), plus the
// fleet-global pair that is always applied first.
type Registry struct {
	GlobalHard HardConstraint
	GlobalSoft SoftConstraint

	hard map[string]HardConstraint
	soft map[string]WeightedSoft
}

// NewRegistry constructs a registry with the given fleet-global hard
// and soft constraints. Either may be nil.
func NewRegistry(globalHard HardConstraint, globalSoft SoftConstraint) *Registry {
	return &Registry{
		GlobalHard: globalHard,
		GlobalSoft: globalSoft,
		hard:       map[string]HardConstraint{},
		soft:       map[string]WeightedSoft{},
	}
}

// RegisterHard adds a named hard constraint tasks may opt into.
func (r *Registry) RegisterHard(c HardConstraint) {
	r.hard[c.Name()] = c
}

// RegisterSoft adds a named soft constraint and its weight.
func (r *Registry) RegisterSoft(c SoftConstraint, weight float64) {
	r.soft[c.Name()] = WeightedSoft{Constraint: c, Weight: weight}
}

// Candidate is one agent's admissibility and fitness for a task.
type Candidate struct {
	Agent          fleetv1alpha1.Agent
	Score          float64
	AssignedInIter int
	RemainingCPU   float64
}

// Evaluate runs the fleet-global and per-task hard constraints (AND),
// then the fleet-global and per-task soft constraints (weighted sum,
// normalized) for one agent. ok is false if any hard constraint
// rejects; reason is the first rejecting constraint's own reason text
// (or "insufficient resources" when the remaining resources do not fit).
func (r *Registry) Evaluate(task *fleetv1alpha1.Task, agent fleetv1alpha1.Agent, remaining fleetv1alpha1.Resources, evalCtx EvalContext) (ok bool, reason string, score float64) {
	if r.GlobalHard != nil {
		if ok, reason := r.GlobalHard.Evaluate(task, agent, evalCtx); !ok {
			return false, reason, 0
		}
	}
	for _, name := range task.HardConstraints {
		c, known := r.hard[name]
		if !known {
			return false, fmt.Sprintf("unknown hard constraint %q", name), 0
		}
		if ok, reason := c.Evaluate(task, agent, evalCtx); !ok {
			return false, reason, 0
		}
	}
	if !remaining.Fits(task.Request) {
		return false, "insufficient resources", 0
	}

	var totalWeight float64
	var weightedSum float64
	if r.GlobalSoft != nil {
		weightedSum += r.GlobalSoft.Score(task, agent, evalCtx)
		totalWeight++
	}
	for _, name := range task.SoftConstraints {
		ws, known := r.soft[name]
		if !known {
			continue
		}
		weightedSum += ws.Weight * ws.Constraint.Score(task, agent, evalCtx)
		totalWeight += ws.Weight
	}
	if totalWeight == 0 {
		return true, "", 1
	}
	return true, "", clamp01(weightedSum / totalWeight)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Best selects the admissible agent with the highest score, breaking
// ties in order: (1) fewer currently assigned tasks this iteration,
// (2) larger remaining CPU, (3) stable hash of (agentID, taskID). It
// returns false if candidates is empty.
func Best(taskID string, candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.AssignedInIter != b.AssignedInIter {
			return a.AssignedInIter < b.AssignedInIter
		}
		if a.RemainingCPU != b.RemainingCPU {
			return a.RemainingCPU > b.RemainingCPU
		}
		return StableHash(a.Agent.ID, taskID) < StableHash(b.Agent.ID, taskID)
	})
	return candidates[0], true
}

// StableHash returns a deterministic hash of (agentID, taskID) used as
// the final placement tie-break.
func StableHash(agentID, taskID string) uint64 {
	h, err := hashstructure.Hash([2]string{agentID, taskID}, hashstructure.FormatV2, nil)
	if err != nil {
		// hashstructure only errors on unsupported types; [2]string
		// is always supported, so this is unreachable in practice.
		return 0
	}
	return h
}
