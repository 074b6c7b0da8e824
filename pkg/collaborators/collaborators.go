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

// Package collaborators declares the small interfaces the core is
// engineered against. The core never depends on a concrete wire
// protocol, store engine or cluster API; it only calls these.
// Sibling packages build on them: pkg/offers holds an in-memory offer
// pool that consumes an OfferSource (it does not implement one), and
// pkg/clustermanager/aws implements a real ClusterManager.
package collaborators

import (
	"context"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
)

// LaunchRequest pairs a task with the offer the placement engine
// intends to consume for it.
type LaunchRequest struct {
	Task  *fleetv1alpha1.Task
	Offer *fleetv1alpha1.Offer
}

// LaunchResult is the offer source's verdict on one LaunchRequest; it
// may reject individual assignments (e.g. a task cancelled mid
// iteration) without failing the whole batch.
type LaunchResult struct {
	TaskID   string
	Accepted bool
	Reason   string
}

// OfferSource is the abstract agent/offer protocol collaborator. The
// core never assumes a wire format for it.
type OfferSource interface {
	// RejectLease releases an unused offer back to its agent.
	RejectLease(ctx context.Context, offerID string, reason string) error
	// LaunchTasks asks the offer source to start containers for the
	// given launch requests, returning one LaunchResult per request.
	LaunchTasks(ctx context.Context, launches []LaunchRequest) ([]LaunchResult, error)
	// Rescissions returns a channel of rescinded offer ids; the
	// sentinel "ALL" rescinds every outstanding offer for the source.
	Rescissions() <-chan string
}

// RescindAll is the sentinel value OfferSource.Rescissions uses to
// mean "every outstanding offer is gone".
const RescindAll = "ALL"

// JobStore persists task and job state durably. Every method returns
// once the store has (or has failed to) acknowledge the write.
type JobStore interface {
	Store(ctx context.Context, task *fleetv1alpha1.Task) error
	Replace(ctx context.Context, oldTask, newTask *fleetv1alpha1.Task) error
	Remove(ctx context.Context, taskID string) error
	UpdateJob(ctx context.Context, root *fleetv1alpha1.EntityHolder) error
}

// ClusterManager executes autoscaler decisions against the underlying
// fleet. ScaleDown returns the subset of requested instance ids that
// were NOT terminated; the autoscaler controller re-enables those in
// the offer pool.
type ClusterManager interface {
	ScaleUp(ctx context.Context, groupID string, count int) error
	ScaleDown(ctx context.Context, groupID string, instanceIDs []string) (terminated, notTerminated []string, err error)
	// Events streams instance-group add/update/remove notifications
	// together with the group's current AutoScaleRule (InstanceGroup).
	Events() <-chan InstanceGroupEvent
}

// InstanceGroupEventKind distinguishes the three shapes of
// ClusterManager.Events notifications.
type InstanceGroupEventKind int

const (
	InstanceGroupAdded InstanceGroupEventKind = iota
	InstanceGroupUpdated
	InstanceGroupRemoved
)

// InstanceGroupEvent is one notification from ClusterManager.Events.
type InstanceGroupEvent struct {
	Kind  InstanceGroupEventKind
	Group fleetv1alpha1.InstanceGroup
}

// AgentStatus is the health classification AgentStatusMonitor reports.
type AgentStatus int

const (
	AgentHealthy AgentStatus = iota
	AgentUnhealthy
)

// AgentStatusChange is one record emitted by AgentStatusMonitor.
type AgentStatusChange struct {
	InstanceID string
	Status     AgentStatus
	// DisableMS is how long (from receipt) to disable the agent for
	// when Status == AgentUnhealthy; ignored otherwise.
	DisableMS int64
}

// AgentStatusMonitor emits per-instance health records that the offer
// pool uses to enable/disable agents.
type AgentStatusMonitor interface {
	Changes() <-chan AgentStatusChange
}

// MetricsRegistry provides counter, timer and gauge handles. The core
// holds monotonically increasing counters and last-observation gauges;
// it never reaches for process-wide singleton state.
type MetricsRegistry interface {
	Counter(name string, labels ...string) Counter
	Timer(name string, labels ...string) Timer
	Gauge(name string, labels ...string) Gauge
}

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Timer records durations, typically iteration or action latencies.
type Timer interface {
	ObserveSeconds(seconds float64)
}

// Gauge is a last-observation value, e.g. queue depth or idle count.
type Gauge interface {
	Set(value float64)
}
