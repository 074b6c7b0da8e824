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

package placement_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/autoscaling"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
	"github.com/nimbusfleet/fleetcore/pkg/constraints"
	"github.com/nimbusfleet/fleetcore/pkg/ferrors"
	"github.com/nimbusfleet/fleetcore/pkg/offers"
	"github.com/nimbusfleet/fleetcore/pkg/placement"
	"github.com/nimbusfleet/fleetcore/pkg/queue"
)

// fakeOfferSource accepts every launch and never rescinds.
type fakeOfferSource struct {
	mu       sync.Mutex
	launched []collaborators.LaunchRequest
	reject   map[string]bool // taskID -> reject
}

func newFakeOfferSource() *fakeOfferSource {
	return &fakeOfferSource{reject: map[string]bool{}}
}

func (f *fakeOfferSource) RejectLease(ctx context.Context, offerID string, reason string) error {
	return nil
}

func (f *fakeOfferSource) LaunchTasks(ctx context.Context, launches []collaborators.LaunchRequest) ([]collaborators.LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, launches...)
	out := make([]collaborators.LaunchResult, len(launches))
	for i, l := range launches {
		out[i] = collaborators.LaunchResult{TaskID: l.Task.ID, Accepted: !f.reject[l.Task.ID], Reason: "rejected by fake source"}
	}
	return out, nil
}

func (f *fakeOfferSource) Rescissions() <-chan string { return nil }

func task(id, group string, cpu float64) *fleetv1alpha1.Task {
	return &fleetv1alpha1.Task{
		ID:            id,
		JobID:         "job-" + id,
		Request:       fleetv1alpha1.Resources{CPU: cpu, MemoryMB: 100},
		Tier:          fleetv1alpha1.TierCritical,
		CapacityGroup: group,
	}
}

func offer(id, agentID string, cpu float64) fleetv1alpha1.Offer {
	return fleetv1alpha1.Offer{ID: id, AgentID: agentID, Available: fleetv1alpha1.Resources{CPU: cpu, MemoryMB: 4096}}
}

func newEngine(q *queue.Queue, pool *offers.Pool, reg *constraints.Registry, scaler *autoscaling.Controller, source *fakeOfferSource, opts placement.Options) *placement.Engine {
	return placement.NewEngine(q, pool, reg, scaler, source, nil, opts)
}

var _ = Describe("Engine", func() {
	var (
		q      *queue.Queue
		pool   *offers.Pool
		reg    *constraints.Registry
		source *fakeOfferSource
		ctx    context.Context
	)

	BeforeEach(func() {
		q = queue.New()
		pool = offers.NewPool(nil)
		reg = constraints.NewRegistry(nil, nil)
		source = newFakeOfferSource()
		ctx = context.Background()
	})

	It("places a single task onto the single agent with enough capacity", func() {
		Expect(q.Enqueue(task("t1", "g1", 2))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(1))
		Expect(result.Assignments[0].Task.ID).To(Equal("t1"))
		Expect(result.Assignments[0].Agent.ID).To(Equal("a1"))
		Expect(source.launched).To(HaveLen(1))
	})

	It("resolves contention for a single offer by admitting one task and failing the other", func() {
		Expect(q.Enqueue(task("t1", "g1", 3))).To(Succeed())
		Expect(q.Enqueue(task("t2", "g1", 3))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(1))
		Expect(result.Failures).To(HaveLen(1))

		var cv *ferrors.ConstraintViolationError
		for _, failErr := range result.Failures {
			Expect(failErr).To(BeAssignableToTypeOf(cv))
			Expect(failErr.(*ferrors.ConstraintViolationError).Reason).To(Equal("insufficient cpu"))
		}
	})

	It("never assigns more than one offer's worth of resources across tasks in one iteration", func() {
		Expect(q.Enqueue(task("t1", "g1", 2))).To(Succeed())
		Expect(q.Enqueue(task("t2", "g1", 2))).To(Succeed())
		Expect(q.Enqueue(task("t3", "g1", 2))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())

		var totalCPU float64
		for _, a := range result.Assignments {
			totalCPU += a.Task.Request.CPU
		}
		Expect(totalCPU).To(BeNumerically("<=", 4))
	})

	It("respects capacity-group fair share when draining the queue", func() {
		Expect(q.SetSLA([]fleetv1alpha1.CapacityGroupSLA{
			{Name: "gold", Tier: fleetv1alpha1.TierCritical, Dimension: fleetv1alpha1.DimensionCPU, Guaranteed: 10, Max: 10, BufferFactor: 0},
			{Name: "silver", Tier: fleetv1alpha1.TierCritical, Dimension: fleetv1alpha1.DimensionCPU, Guaranteed: 1, Max: 1, BufferFactor: 0},
		})).To(Succeed())
		Expect(q.Enqueue(task("gold-1", "gold", 1))).To(Succeed())
		Expect(q.Enqueue(task("silver-1", "silver", 1))).To(Succeed())
		Expect(q.Enqueue(task("silver-2", "silver", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o2", "a2", 1))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(2))

		placed := map[string]bool{}
		for _, a := range result.Assignments {
			placed[a.Task.ID] = true
		}
		Expect(placed["gold-1"]).To(BeTrue())
		Expect(placed["silver-1"]).To(BeTrue())
		Expect(placed["silver-2"]).To(BeFalse())
	})

	It("excludes a disabled agent's offers from placement", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())
		pool.Disable("a1", 60000)

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(BeEmpty())
		Expect(result.Failures).To(HaveKey("t1"))
	})

	It("re-enables a disabled agent's offers once enabled", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())
		pool.Disable("a1", 60000)
		pool.Enable("a1")

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(1))
	})

	It("retires an offer whole under the keep-together default even when a task only partially uses it", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(q.Enqueue(task("t2", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{MultiTaskPerOfferEnabled: false})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(1))
		Expect(result.Failures).To(HaveLen(1))
	})

	It("splits one offer across multiple tasks when multi-task-per-offer is enabled", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(q.Enqueue(task("t2", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{MultiTaskPerOfferEnabled: true})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(2))
		Expect(result.Assignments[0].Offer.ID).To(Equal("o1"))
		Expect(result.Assignments[1].Offer.ID).To(Equal("o1"))
	})

	It("removes a placed task from the queue so it is not considered again", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		_, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())

		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(BeEmpty())
	})

	It("leaves the offer and task available for retry when the offer source rejects a launch", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())
		source.reject["t1"] = true

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(BeEmpty())
		Expect(result.Failures).To(HaveKey("t1"))

		source.reject["t1"] = false
		result, err = eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(1))
	})

	It("invokes a registered failure callback with the task's outcome", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		// No offers: t1 cannot place.

		eng := newEngine(q, pool, reg, nil, source, placement.Options{})
		var gotErr error
		var called bool
		Expect(eng.RegisterFailureCallback("t1", func(taskID string, err error) {
			called = true
			gotErr = err
		})).To(Succeed())

		_, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(called).To(BeTrue())
		Expect(gotErr).To(HaveOccurred())
	})

	It("short-circuits agent evaluation once a candidate meets FitnessGoodEnough", func() {
		Expect(q.Enqueue(task("t1", "g1", 1))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o1", "a1", 4))).To(Succeed())
		Expect(pool.AddOffer(ctx, offer("o2", "a2", 4))).To(Succeed())

		eng := newEngine(q, pool, reg, nil, source, placement.Options{FitnessGoodEnough: 0.5})
		result, err := eng.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Assignments).To(HaveLen(1))
	})
})
