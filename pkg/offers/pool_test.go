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

package offers_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
	"github.com/nimbusfleet/fleetcore/pkg/offers"
)

type fakeSource struct {
	mu       sync.Mutex
	rejected []string
}

func (f *fakeSource) RejectLease(_ context.Context, offerID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, offerID)
	return nil
}
func (f *fakeSource) LaunchTasks(context.Context, []collaborators.LaunchRequest) ([]collaborators.LaunchResult, error) {
	return nil, nil
}
func (f *fakeSource) Rescissions() <-chan string { return nil }

func (f *fakeSource) rejectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rejected...)
}

var _ = Describe("Pool", func() {
	var (
		ctx    context.Context
		src    *fakeSource
		pool   *offers.Pool
		offer1 fleetv1alpha1.Offer
	)

	BeforeEach(func() {
		ctx = context.Background()
		src = &fakeSource{}
		pool = offers.NewPool(src)
		offer1 = fleetv1alpha1.Offer{
			ID:             "offer-1",
			AgentID:        "agent-1",
			Available:      fleetv1alpha1.Resources{CPU: 4, MemoryMB: 4096},
			IssuedAtUnixMS: 1000,
			ExpiresAtMS:    1_000_000_000_000,
		}
	})

	It("adds an offer and surfaces it in Snapshot", func() {
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		states := pool.Snapshot(ctx, 0)
		Expect(states).To(HaveLen(1))
		Expect(states[0].Agent.ID).To(Equal("agent-1"))
		Expect(states[0].Offers).To(HaveLen(1))
		Expect(states[0].Disabled).To(BeFalse())
	})

	It("round-trips: add then reject leaves the pool empty", func() {
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		Expect(pool.RejectOffer(ctx, offer1.ID, "test")).To(Succeed())
		Expect(pool.Snapshot(ctx, 0)).To(HaveLen(1))
		Expect(pool.Snapshot(ctx, 0)[0].Offers).To(BeEmpty())
		Expect(src.rejectedIDs()).To(ContainElement("offer-1"))
	})

	It("excludes offers past their expiry from Snapshot and rejects them", func() {
		offer1.ExpiresAtMS = 1 // already expired relative to real clock
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		states := pool.Snapshot(ctx, 0)
		Expect(states[0].Offers).To(BeEmpty())
		Expect(src.rejectedIDs()).To(ContainElement("offer-1"))
	})

	It("marks a disabled agent's offers present but Disabled", func() {
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		pool.Disable("agent-1", 60_000)
		states := pool.Snapshot(ctx, 0)
		Expect(states[0].Disabled).To(BeTrue())
		Expect(states[0].Offers).To(HaveLen(1), "offers remain until expiry even while disabled")
	})

	It("re-enables an agent via Enable", func() {
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		pool.Disable("agent-1", 60_000)
		pool.Enable("agent-1")
		states := pool.Snapshot(ctx, 0)
		Expect(states[0].Disabled).To(BeFalse())
	})

	It("removes a consumed offer without notifying the source", func() {
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		pool.ConsumeOffer(offer1.ID)
		Expect(pool.Snapshot(ctx, 0)[0].Offers).To(BeEmpty())
		Expect(src.rejectedIDs()).To(BeEmpty())
	})

	It("bulk rejects every offer for an agent via ExpireAllFor", func() {
		Expect(pool.AddOffer(ctx, offer1)).To(Succeed())
		Expect(pool.AddOffer(ctx, fleetv1alpha1.Offer{
			ID: "offer-2", AgentID: "agent-1", ExpiresAtMS: 1_000_000_000_000,
		})).To(Succeed())
		Expect(pool.ExpireAllFor(ctx, "agent-1")).To(Succeed())
		Expect(pool.Snapshot(ctx, 0)[0].Offers).To(BeEmpty())
		Expect(src.rejectedIDs()).To(ConsistOf("offer-1", "offer-2"))
	})
})
