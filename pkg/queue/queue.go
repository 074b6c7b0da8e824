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

// Package queue implements the tiered task queue: an ordered,
// multi-tier holding area for tasks awaiting placement, with per-tier
// capacity-group fair share.
package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/ferrors"
)

// tierOrder lists tiers from highest to lowest priority. Critical is
// drained to exhaustion before Flex is considered.
var tierOrder = []fleetv1alpha1.Tier{fleetv1alpha1.TierCritical, fleetv1alpha1.TierFlex}

// bucket is one tier's FIFO-per-capacity-group holding area.
type bucket struct {
	// byGroup preserves FIFO order within each capacity group.
	byGroup map[string][]*fleetv1alpha1.Task
}

func newBucket() *bucket { return &bucket{byGroup: map[string][]*fleetv1alpha1.Task{}} }

func (b *bucket) push(t *fleetv1alpha1.Task) {
	b.byGroup[t.CapacityGroup] = append(b.byGroup[t.CapacityGroup], t)
}

func (b *bucket) peek(group string) *fleetv1alpha1.Task {
	q := b.byGroup[group]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (b *bucket) pop(group string) *fleetv1alpha1.Task {
	q := b.byGroup[group]
	if len(q) == 0 {
		return nil
	}
	t := q[0]
	b.byGroup[group] = q[1:]
	return t
}

func (b *bucket) removeByID(taskID string) bool {
	for group, q := range b.byGroup {
		for i, t := range q {
			if t.ID == taskID {
				b.byGroup[group] = append(q[:i:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (b *bucket) groupsWithWork() []string {
	return lo.Filter(lo.Keys(b.byGroup), func(g string, _ int) bool { return len(b.byGroup[g]) > 0 })
}

// Queue is the tiered, capacity-group-fair-share task queue.
type Queue struct {
	mu       sync.Mutex
	buckets  map[fleetv1alpha1.Tier]*bucket
	slas     map[string]fleetv1alpha1.CapacityGroupSLA
	consumed map[string]float64 // group -> current consumption, reported externally
	shutdown bool
}

// New constructs an empty queue.
func New() *Queue {
	q := &Queue{
		buckets:  map[fleetv1alpha1.Tier]*bucket{},
		slas:     map[string]fleetv1alpha1.CapacityGroupSLA{},
		consumed: map[string]float64{},
	}
	for _, t := range tierOrder {
		q.buckets[t] = newBucket()
	}
	return q
}

// Enqueue places a task into its tier's bucket. Fails if the task is
// invalid, its tier is unknown, or the queue is shut down.
func (q *Queue) Enqueue(t *fleetv1alpha1.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ferrors.ErrInvalidInput, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return ferrors.ErrShutdownInProgress
	}
	b, ok := q.buckets[t.Tier]
	if !ok {
		return fmt.Errorf("%w: unknown tier %v", ferrors.ErrInvalidInput, t.Tier)
	}
	t.State = fleetv1alpha1.TaskQueued
	b.push(t.Clone())
	return nil
}

// Remove idempotently removes a task by id from the given tier,
// reporting whether it was present. hostname is accepted for parity
// with the source protocol's per-host removal hint but is not
// currently used to disambiguate (tasks carry a single identity).
func (q *Queue) Remove(taskID string, tier fleetv1alpha1.Tier, hostname ...string) bool {
	_ = hostname
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.buckets[tier]
	if !ok {
		return false
	}
	return b.removeByID(taskID)
}

// SetSLA atomically replaces the current per-group SLAs. The next
// iteration's drain uses the new SLAs.
func (q *Queue) SetSLA(slas []fleetv1alpha1.CapacityGroupSLA) error {
	next := make(map[string]fleetv1alpha1.CapacityGroupSLA, len(slas))
	for _, s := range slas {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: %s", ferrors.ErrInvalidInput, err)
		}
		next[s.Name] = s
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.slas = next
	return nil
}

// ReportConsumption adjusts the tracked current consumption for a
// capacity group by delta (positive when a task launches into the
// group, negative when one finishes/fails). This is the signal the
// fair-share policy compares against each SLA's guaranteed and
// max-with-buffer thresholds.
func (q *Queue) ReportConsumption(group string, delta float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumed[group] += delta
	if q.consumed[group] < 0 {
		q.consumed[group] = 0
	}
}

// ConsumptionReport returns, per known capacity group, its current
// consumption against guaranteed and max-with-buffer.
func (q *Queue) ConsumptionReport() []fleetv1alpha1.Consumption {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]fleetv1alpha1.Consumption, 0, len(q.slas))
	for name, sla := range q.slas {
		c := q.consumed[name]
		out = append(out, fleetv1alpha1.Consumption{
			Group:           name,
			Tier:            sla.Tier,
			Current:         c,
			Guaranteed:      sla.Guaranteed,
			MaxWithBuffer:   sla.MaxWithBuffer(),
			BelowGuaranteed: c < sla.Guaranteed,
			BelowMax:        c < sla.MaxWithBuffer(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Shutdown marks the queue closed; subsequent Enqueue calls fail.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
}

// DrainForIteration produces a snapshot, ordered by (tier ascending,
// FIFO within tier, capacity-group fair-share), for the placement
// engine to match in one iteration. It does not remove tasks from the
// queue; callers remove a task once it is actually assigned or
// otherwise resolved, via Remove.
func (q *Queue) DrainForIteration() []*fleetv1alpha1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*fleetv1alpha1.Task
	for _, tier := range tierOrder {
		out = append(out, q.drainTier(tier)...)
	}
	return out
}

// drainTier runs the round-robin fair-share policy over one tier's
// bucket. Each round takes one task from every eligible group, in
// group-name order; the SLA thresholds decide which groups are
// eligible, but groups carry no weights, so an eligible group never
// receives more than one task per round. It operates on a scratch copy of per-group queues and
// a scratch copy of the consumption tally seeded from the externally
// reported values, so the ordering decision accounts for tasks
// "dequeued" earlier in the same drain.
func (q *Queue) drainTier(tier fleetv1alpha1.Tier) []*fleetv1alpha1.Task {
	b := q.buckets[tier]
	groups := b.groupsWithWork()
	if len(groups) == 0 {
		return nil
	}
	sort.Strings(groups) // deterministic tie-break by group name

	scratch := make(map[string]float64, len(groups))
	for _, g := range groups {
		scratch[g] = q.consumed[g]
	}

	remaining := map[string][]*fleetv1alpha1.Task{}
	for _, g := range groups {
		remaining[g] = append([]*fleetv1alpha1.Task(nil), b.byGroup[g]...)
	}

	var out []*fleetv1alpha1.Task
	underGuaranteed := true
	for {
		eligible := q.eligibleGroups(groups, remaining, scratch, underGuaranteed)
		if len(eligible) == 0 {
			if underGuaranteed {
				// every group has reached its guaranteed share (or is
				// out of work); move to the max-with-buffer phase.
				underGuaranteed = false
				continue
			}
			break
		}
		for _, g := range eligible {
			t := remaining[g][0]
			remaining[g] = remaining[g][1:]
			out = append(out, t)
			scratch[g] += q.dimensionValue(g, t)
		}
	}
	return out
}

func (q *Queue) eligibleGroups(groups []string, remaining map[string][]*fleetv1alpha1.Task, scratch map[string]float64, underGuaranteed bool) []string {
	var eligible []string
	for _, g := range groups {
		if len(remaining[g]) == 0 {
			continue
		}
		sla, known := q.slas[g]
		if !known {
			// No SLA registered: treat as always eligible, unmetered.
			eligible = append(eligible, g)
			continue
		}
		if underGuaranteed {
			if scratch[g] < sla.Guaranteed {
				eligible = append(eligible, g)
			}
			continue
		}
		if scratch[g] < sla.MaxWithBuffer() {
			eligible = append(eligible, g)
		}
	}
	return eligible
}

func (q *Queue) dimensionValue(group string, t *fleetv1alpha1.Task) float64 {
	sla, ok := q.slas[group]
	if !ok {
		return t.Request.CPU
	}
	return sla.DimensionValue(t.Request)
}
