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

// Package offers implements the offer pool: the set of currently live
// resource offers advertised by the agent fleet, exposed to the
// placement engine as per-agent snapshots.
package offers

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
)

// DefaultCleanupInterval is the disabled-agent cache's eviction
// cadence. Eviction only drops cache entries; it does not affect when
// an agent is treated as re-enabled.
const DefaultCleanupInterval = 10 * time.Second

// AgentState is a consistent, read-only view of one agent and its
// currently live offers, as returned by Snapshot for one placement
// iteration.
type AgentState struct {
	Agent    fleetv1alpha1.Agent
	Offers   []fleetv1alpha1.Offer
	Disabled bool
}

// Pool tracks live offers per agent with TTL-based expiry.
type Pool struct {
	source collaborators.OfferSource
	clock  func() time.Time

	mu      sync.RWMutex
	agents  map[string]*fleetv1alpha1.Agent
	offers  map[string]*fleetv1alpha1.Offer // offerID -> offer
	byAgent map[string]map[string]struct{}  // agentID -> set of offerIDs

	// disabledCache mirrors agent.DisabledUntilMS with a matching TTL.
	// Nothing reads it; an agent counts as re-enabled once its
	// DisabledUntilMS deadline passes (Agent.DisabledAt).
	disabledCache *gocache.Cache
}

// NewPool constructs an offer pool backed by source, the abstract
// OfferSource collaborator that ultimately owns the offers' wire
// representation.
func NewPool(source collaborators.OfferSource) *Pool {
	return &Pool{
		source:        source,
		clock:         time.Now,
		agents:        map[string]*fleetv1alpha1.Agent{},
		offers:        map[string]*fleetv1alpha1.Offer{},
		byAgent:       map[string]map[string]struct{}{},
		disabledCache: gocache.New(gocache.NoExpiration, DefaultCleanupInterval),
	}
}

func (p *Pool) now() time.Time { return p.clock() }

// AddOffer inserts a new offer into the pool. If the offer's agent is
// unknown it is created. If the agent carries a disabled-until in the
// future, the offer is still held and listed by Snapshot, with the
// agent's state marked Disabled until re-enabled.
func (p *Pool) AddOffer(ctx context.Context, offer fleetv1alpha1.Offer) error {
	if offer.ID == "" || offer.AgentID == "" {
		return fmt.Errorf("offer pool: offer id and agent id must be set")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[offer.AgentID]; !ok {
		p.agents[offer.AgentID] = &fleetv1alpha1.Agent{
			ID:         offer.AgentID,
			Attributes: cloneAttrs(offer.Attributes),
			Total:      offer.Available,
		}
	}
	stored := offer
	p.offers[offer.ID] = &stored
	if p.byAgent[offer.AgentID] == nil {
		p.byAgent[offer.AgentID] = map[string]struct{}{}
	}
	p.byAgent[offer.AgentID][offer.ID] = struct{}{}
	log.FromContext(ctx).V(1).Info("added offer", "offer", offer.ID, "agent", offer.AgentID)
	return nil
}

// RejectOffer removes an offer and emits a rejection callback to the
// external offer source.
func (p *Pool) RejectOffer(ctx context.Context, id string, reason string) error {
	p.mu.Lock()
	offer, ok := p.offers[id]
	if ok {
		delete(p.offers, id)
		if set := p.byAgent[offer.AgentID]; set != nil {
			delete(set, id)
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if p.source == nil {
		return nil
	}
	return p.source.RejectLease(ctx, id, reason)
}

// ExpireAllFor bulk-rejects every live offer for an agent.
func (p *Pool) ExpireAllFor(ctx context.Context, agentID string) error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.byAgent[agentID]))
	for id := range p.byAgent[agentID] {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := p.RejectOffer(ctx, id, "agent expiring all offers"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Enable clears an agent's disabled-until marker.
func (p *Pool) Enable(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[agentID]; ok {
		a.DisabledUntilMS = 0
	}
	p.disabledCache.Delete(agentID)
}

// Disable marks an agent unavailable for placement for durationMs.
// Its offers remain in the pool until they expire on their own.
func (p *Pool) Disable(agentID string, durationMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.now().UnixMilli() + durationMs
	if a, ok := p.agents[agentID]; ok {
		a.DisabledUntilMS = until
	} else {
		p.agents[agentID] = &fleetv1alpha1.Agent{ID: agentID, DisabledUntilMS: until}
	}
	p.disabledCache.Set(agentID, until, time.Duration(durationMs)*time.Millisecond)
}

// Snapshot returns a consistent list of current agent states:
// available offers per agent, minus anything expired or past
// leaseOfferExpirySecs. A disabled agent's offers are still listed;
// its state carries Disabled=true so the matcher can skip it. This is
// the view the placement engine matches tasks against for one
// iteration.
func (p *Pool) Snapshot(ctx context.Context, leaseOfferExpirySecs int64) []AgentState {
	nowMS := p.now().UnixMilli()

	p.mu.Lock()
	expired := make([]string, 0)
	for id, o := range p.offers {
		if o.Expired(nowMS, leaseOfferExpirySecs) {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		if err := p.RejectOffer(ctx, id, "offer expired"); err != nil {
			log.FromContext(ctx).Error(err, "failed rejecting expired offer", "offer", id)
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make([]AgentState, 0, len(p.agents))
	for agentID, agent := range p.agents {
		offerIDs := lo.Keys(p.byAgent[agentID])
		agentOffers := make([]fleetv1alpha1.Offer, 0, len(offerIDs))
		for _, id := range offerIDs {
			if o, ok := p.offers[id]; ok {
				agentOffers = append(agentOffers, *o)
			}
		}
		states = append(states, AgentState{
			Agent:    *agent.Clone(),
			Offers:   agentOffers,
			Disabled: agent.DisabledAt(nowMS),
		})
	}
	return states
}

// ConsumeOffer removes an accepted offer from the pool without
// notifying the offer source (the source already knows, having
// granted the launch). An offer consumed by fewer tasks than its
// capacity is still retired as a whole unless the caller explicitly
// supports multi-task-per-offer splitting.
func (p *Pool) ConsumeOffer(offerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.offers[offerID]; ok {
		delete(p.offers, offerID)
		if set := p.byAgent[o.AgentID]; set != nil {
			delete(set, offerID)
		}
	}
}

// WatchAgentStatus drains monitor's change stream until ctx is
// cancelled, enabling/disabling agents as health reports arrive.
func (p *Pool) WatchAgentStatus(ctx context.Context, monitor collaborators.AgentStatusMonitor) {
	if monitor == nil {
		return
	}
	ch := monitor.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			switch change.Status {
			case collaborators.AgentHealthy:
				p.Enable(change.InstanceID)
			case collaborators.AgentUnhealthy:
				p.Disable(change.InstanceID, change.DisableMS)
			}
		}
	}
}

func cloneAttrs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
