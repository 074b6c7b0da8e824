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

// Package autoscaling implements per-instance-group scale-up and
// scale-down decisions with hysteresis and cool-downs, delegating
// execution to an external cluster management collaborator.
package autoscaling

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
	"github.com/nimbusfleet/fleetcore/pkg/offers"
)

// GroupCount is the observed instance count for one instance group at
// the end of a placement iteration. IdleInstanceIDs lists the agents
// counted in Idle, so a scale-down decision has ids to terminate.
type GroupCount struct {
	Total           int
	Idle            int
	IdleInstanceIDs []string
}

// ScaleDownOrderEvaluator orders an instance group's idle instance ids
// from most to least preferred termination candidate.
type ScaleDownOrderEvaluator interface {
	Order(groupID string, idleInstanceIDs []string) []string
}

// ScaleDownConstraintEvaluator scores an instance's eligibility for
// termination in [0,1]; the combined weighted average across all
// evaluators must be >= 0.5 for the instance to be terminated.
type ScaleDownConstraintEvaluator interface {
	Name() string
	Score(groupID, instanceID string) float64
}

type weightedConstraint struct {
	eval   ScaleDownConstraintEvaluator
	weight float64
}

// defaultOrder terminates in ascending instance-id order, a stable,
// arbitrary-but-deterministic default.
type defaultOrder struct{}

func (defaultOrder) Order(_ string, ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// Options configures hysteresis and cool-down behavior.
type Options struct {
	DelayAutoscaleUpSecs   int64
	DelayAutoscaleDownSecs int64
}

// Controller evaluates scale-up and scale-down triggers for a set of
// instance groups once per placement iteration.
type Controller struct {
	opts    Options
	cluster collaborators.ClusterManager
	pool    *offers.Pool
	clock   func() time.Time

	orderEval   ScaleDownOrderEvaluator
	constraints []weightedConstraint

	mu            sync.Mutex
	groups        map[string]fleetv1alpha1.InstanceGroup
	lastScaledAt  map[string]time.Time
	shortfallSeen map[string]time.Time
	idleSeen      map[string]time.Time
}

// NewController constructs an autoscaler controller. pool may be nil
// if re-enabling not-terminated instances is not desired.
func NewController(cluster collaborators.ClusterManager, pool *offers.Pool, opts Options) *Controller {
	c := &Controller{
		opts:          opts,
		cluster:       cluster,
		pool:          pool,
		clock:         time.Now,
		orderEval:     defaultOrder{},
		groups:        map[string]fleetv1alpha1.InstanceGroup{},
		lastScaledAt:  map[string]time.Time{},
		shortfallSeen: map[string]time.Time{},
		idleSeen:      map[string]time.Time{},
	}
	if cluster != nil {
		go c.watchGroups(cluster.Events())
	}
	return c
}

func (c *Controller) watchGroups(events <-chan collaborators.InstanceGroupEvent) {
	for ev := range events {
		c.mu.Lock()
		switch ev.Kind {
		case collaborators.InstanceGroupRemoved:
			delete(c.groups, ev.Group.ID)
		default:
			c.groups[ev.Group.ID] = ev.Group
		}
		c.mu.Unlock()
	}
}

// SetScaleDownOrderEvaluator overrides the default termination-order
// policy.
func (c *Controller) SetScaleDownOrderEvaluator(e ScaleDownOrderEvaluator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderEval = e
}

// AddScaleDownConstraint registers a weighted eligibility evaluator.
func (c *Controller) AddScaleDownConstraint(e ScaleDownConstraintEvaluator, weight float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constraints = append(c.constraints, weightedConstraint{eval: e, weight: weight})
}

// SetGroup registers or replaces the InstanceGroup configuration used
// for scaling decisions; used by callers that don't wire a
// ClusterManager event stream.
func (c *Controller) SetGroup(g fleetv1alpha1.InstanceGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ID] = g
}

// Evaluate runs the scale-up and scale-down triggers for every known
// instance group against this iteration's shortfall and idle counts.
func (c *Controller) Evaluate(ctx context.Context, shortfall map[string]fleetv1alpha1.Resources, counts map[string]GroupCount) error {
	c.mu.Lock()
	groups := make([]fleetv1alpha1.InstanceGroup, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	now := c.clock()
	for _, g := range groups {
		count := counts[g.ID]
		if err := c.evaluateScaleUp(ctx, g, shortfall[g.ID], count, now); err != nil {
			return err
		}
		c.evaluateScaleDown(ctx, g, count, now)
	}
	return nil
}

func (c *Controller) evaluateScaleUp(ctx context.Context, g fleetv1alpha1.InstanceGroup, demand fleetv1alpha1.Resources, count GroupCount, now time.Time) error {
	c.mu.Lock()
	if demand.CPU <= 0 {
		delete(c.shortfallSeen, g.ID)
		c.mu.Unlock()
		return nil
	}
	since, seen := c.shortfallSeen[g.ID]
	if !seen {
		c.shortfallSeen[g.ID] = now
		c.mu.Unlock()
		return nil
	}
	delay := time.Duration(c.opts.DelayAutoscaleUpSecs) * time.Second
	if now.Sub(since) < delay {
		c.mu.Unlock()
		return nil
	}
	if last, ok := c.lastScaledAt[g.ID]; ok && now.Sub(last) < time.Duration(g.CoolDownSec)*time.Second {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	slot := g.TypicalSlotCPU
	if slot <= 0 {
		slot = 1
	}
	target := int(math.Ceil(demand.CPU/slot) * g.ShortfallAdjustingFactor)
	if target < count.Total {
		target = count.Total
	}
	if target > g.MaxSize {
		target = g.MaxSize
	}
	delta := target - count.Total
	if delta <= 0 {
		return nil
	}

	if c.cluster == nil {
		return nil
	}
	if err := c.cluster.ScaleUp(ctx, g.ID, delta); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastScaledAt[g.ID] = now
	delete(c.shortfallSeen, g.ID)
	c.mu.Unlock()
	log.FromContext(ctx).Info("scaled up instance group", "group", g.ID, "delta", delta, "target", target)
	return nil
}

func (c *Controller) evaluateScaleDown(ctx context.Context, g fleetv1alpha1.InstanceGroup, count GroupCount, now time.Time) {
	c.mu.Lock()
	if count.Idle <= g.MaxIdleToKeep {
		delete(c.idleSeen, g.ID)
		c.mu.Unlock()
		return
	}
	since, seen := c.idleSeen[g.ID]
	if !seen {
		c.idleSeen[g.ID] = now
		c.mu.Unlock()
		return
	}
	delay := time.Duration(c.opts.DelayAutoscaleDownSecs) * time.Second
	if now.Sub(since) < delay {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	floor := g.FloorIdle()
	removable := count.Idle - g.MaxIdleToKeep
	if count.Total-removable < floor {
		removable = count.Total - floor
	}
	if removable <= 0 {
		return
	}
	if c.cluster == nil {
		return
	}

	candidates := c.ScaleDownCandidates(g.ID, count.IdleInstanceIDs, removable)
	if len(candidates) == 0 {
		return
	}
	if err := c.TerminateAndReenable(ctx, g.ID, candidates); err != nil {
		log.FromContext(ctx).Error(err, "scale-down failed", "group", g.ID, "candidates", candidates)
		return
	}
	c.mu.Lock()
	delete(c.idleSeen, g.ID)
	c.mu.Unlock()
	log.FromContext(ctx).Info("scaled down instance group", "group", g.ID, "count", len(candidates), "ids", candidates)
}

// ScaleDownCandidates filters idleInstanceIDs through the registered
// order and constraint evaluators, returning the ids eligible for
// termination, most-preferred first, capped at limit.
func (c *Controller) ScaleDownCandidates(groupID string, idleInstanceIDs []string, limit int) []string {
	c.mu.Lock()
	order := c.orderEval
	evals := append([]weightedConstraint(nil), c.constraints...)
	c.mu.Unlock()

	ordered := order.Order(groupID, idleInstanceIDs)
	var eligible []string
	for _, id := range ordered {
		if len(eligible) >= limit {
			break
		}
		if c.eligible(groupID, id, evals) {
			eligible = append(eligible, id)
		}
	}
	return eligible
}

func (c *Controller) eligible(groupID, instanceID string, evals []weightedConstraint) bool {
	if len(evals) == 0 {
		return true
	}
	var totalWeight, weightedSum float64
	for _, wc := range evals {
		weightedSum += wc.weight * wc.eval.Score(groupID, instanceID)
		totalWeight += wc.weight
	}
	if totalWeight == 0 {
		return true
	}
	return weightedSum/totalWeight >= 0.5
}

// TerminateAndReenable executes ScaleDown for the given instance ids
// and re-enables any not-terminated instance back into the offer pool.
func (c *Controller) TerminateAndReenable(ctx context.Context, groupID string, instanceIDs []string) error {
	if c.cluster == nil {
		return nil
	}
	_, notTerminated, err := c.cluster.ScaleDown(ctx, groupID, instanceIDs)
	if err != nil {
		return err
	}
	if c.pool != nil {
		for _, id := range notTerminated {
			c.pool.Enable(id)
		}
	}
	return nil
}
