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

// Package simfleet is a synthetic fleet standing in for a real offer
// wire protocol, job store and cloud API, the way cmd/controller-kwok's
// fake cloud provider stands in for a real one. It implements every
// collaborators interface in memory so the demo binary can drive the
// full placement and reconciliation pipeline without any external
// dependency.
package simfleet

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
)

// instance is one simulated agent machine, launched by ScaleUp and
// torn down by ScaleDown.
type instance struct {
	id      string
	groupID string
	total   fleetv1alpha1.Resources
}

// Fleet is an in-memory OfferSource, JobStore and ClusterManager. Its
// zero value is not usable; construct with New.
type Fleet struct {
	mu sync.Mutex
	rng *rand.Rand

	groups    map[string]groupSpec
	instances map[string]*instance

	rescissions chan string
	groupEvents chan collaborators.InstanceGroupEvent

	jobs map[string]*fleetv1alpha1.EntityHolder
}

type groupSpec struct {
	group fleetv1alpha1.InstanceGroup
	slot  fleetv1alpha1.Resources
}

// New constructs an empty simulated fleet.
func New(seed int64) *Fleet {
	return &Fleet{
		rng:         rand.New(rand.NewSource(seed)),
		groups:      map[string]groupSpec{},
		instances:   map[string]*instance{},
		rescissions: make(chan string, 32),
		groupEvents: make(chan collaborators.InstanceGroupEvent, 32),
		jobs:        map[string]*fleetv1alpha1.EntityHolder{},
	}
}

// RegisterGroup teaches the simulated fleet the per-instance resource
// slot for an instance group, and announces it as added.
func (f *Fleet) RegisterGroup(group fleetv1alpha1.InstanceGroup, slot fleetv1alpha1.Resources) {
	f.mu.Lock()
	f.groups[group.ID] = groupSpec{group: group, slot: slot}
	f.mu.Unlock()
	select {
	case f.groupEvents <- collaborators.InstanceGroupEvent{Kind: collaborators.InstanceGroupAdded, Group: group}:
	default:
	}
}

// ScaleUp launches count simulated instances for groupID.
func (f *Fleet) ScaleUp(ctx context.Context, groupID string, count int) error {
	if count <= 0 {
		return nil
	}
	f.mu.Lock()
	spec, ok := f.groups[groupID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("simfleet: no group registered for %s", groupID)
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-i%04d", groupID, f.rng.Intn(1_000_000))
		f.instances[id] = &instance{id: id, groupID: groupID, total: spec.slot}
		ids = append(ids, id)
	}
	f.mu.Unlock()
	log.FromContext(ctx).Info("simfleet: launched instances", "group", groupID, "count", count, "ids", ids)
	return nil
}

// ScaleDown retires every requested instance immediately; the
// simulation never fails a termination.
func (f *Fleet) ScaleDown(ctx context.Context, groupID string, instanceIDs []string) (terminated, notTerminated []string, err error) {
	f.mu.Lock()
	for _, id := range instanceIDs {
		delete(f.instances, id)
	}
	f.mu.Unlock()
	log.FromContext(ctx).Info("simfleet: terminated instances", "group", groupID, "ids", instanceIDs)
	return instanceIDs, nil, nil
}

// Events implements collaborators.ClusterManager.
func (f *Fleet) Events() <-chan collaborators.InstanceGroupEvent { return f.groupEvents }

// RejectLease implements collaborators.OfferSource: the simulation has
// nothing durable to release, it only logs.
func (f *Fleet) RejectLease(ctx context.Context, offerID string, reason string) error {
	log.FromContext(ctx).V(1).Info("simfleet: offer rejected", "offer", offerID, "reason", reason)
	return nil
}

// LaunchTasks implements collaborators.OfferSource, accepting every
// requested launch — the simulation never declines.
func (f *Fleet) LaunchTasks(ctx context.Context, launches []collaborators.LaunchRequest) ([]collaborators.LaunchResult, error) {
	out := make([]collaborators.LaunchResult, 0, len(launches))
	for _, l := range launches {
		out = append(out, collaborators.LaunchResult{TaskID: l.Task.ID, Accepted: true})
	}
	log.FromContext(ctx).Info("simfleet: launched tasks", "count", len(launches))
	return out, nil
}

// Rescissions implements collaborators.OfferSource. The simulation
// never rescinds; a real offer source would push ids or RescindAll
// here when an agent drops out from under an outstanding offer.
func (f *Fleet) Rescissions() <-chan string { return f.rescissions }

// Store implements collaborators.JobStore.
func (f *Fleet) Store(ctx context.Context, task *fleetv1alpha1.Task) error {
	log.FromContext(ctx).V(1).Info("simfleet: store task", "task", task.ID, "state", task.State)
	return nil
}

// Replace implements collaborators.JobStore.
func (f *Fleet) Replace(ctx context.Context, oldTask, newTask *fleetv1alpha1.Task) error {
	log.FromContext(ctx).V(1).Info("simfleet: replace task", "task", newTask.ID, "state", newTask.State)
	return nil
}

// Remove implements collaborators.JobStore.
func (f *Fleet) Remove(ctx context.Context, taskID string) error {
	log.FromContext(ctx).V(1).Info("simfleet: remove task", "task", taskID)
	return nil
}

// UpdateJob implements collaborators.JobStore.
func (f *Fleet) UpdateJob(ctx context.Context, root *fleetv1alpha1.EntityHolder) error {
	f.mu.Lock()
	f.jobs[root.ID] = root
	f.mu.Unlock()
	log.FromContext(ctx).V(1).Info("simfleet: durable job snapshot written", "job", root.ID, "children", len(root.Children))
	return nil
}

// GenerateOffers fabricates one offer per simulated instance,
// advertising the instance's full total whether or not tasks already
// run on it, the stand-in for an agent's periodic resource-offer
// announcement over the real wire protocol.
func (f *Fleet) GenerateOffers(now time.Time) []fleetv1alpha1.Offer {
	f.mu.Lock()
	defer f.mu.Unlock()
	offers := make([]fleetv1alpha1.Offer, 0, len(f.instances))
	for _, inst := range f.instances {
		offers = append(offers, fleetv1alpha1.Offer{
			ID:             fmt.Sprintf("offer-%s-%d", inst.id, now.UnixNano()),
			AgentID:        inst.id,
			Available:      inst.total,
			Attributes:     map[string]string{fleetv1alpha1.AttrInstanceGroup: inst.groupID},
			IssuedAtUnixMS: now.UnixMilli(),
			ExpiresAtMS:    now.Add(30 * time.Second).UnixMilli(),
		})
	}
	return offers
}
