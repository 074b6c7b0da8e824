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

// Package placement implements the periodic matching loop that drains
// the tiered task queue against the offer pool, applying constraints
// and capacity-group fair share, and hands accepted assignments to the
// launch collaborator.
package placement

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/autoscaling"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
	"github.com/nimbusfleet/fleetcore/pkg/constraints"
	"github.com/nimbusfleet/fleetcore/pkg/ferrors"
	"github.com/nimbusfleet/fleetcore/pkg/offers"
	"github.com/nimbusfleet/fleetcore/pkg/queue"
)

// State is the engine's coarse lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "Running"
	}
	return "Idle"
}

// Options configures one Engine. Zero values are replaced by the
// documented defaults in NewEngine.
type Options struct {
	// SchedulerIterationIntervalMs is the minimum delay between
	// placement iterations.
	SchedulerIterationIntervalMs int64
	// MaxDelayMsBetweenIterations rate-limits the loop when no
	// assignments were possible in the prior iteration. Default 5000.
	MaxDelayMsBetweenIterations int64
	// LeaseOfferExpirySecs: offers older than this are rejected before
	// the iteration considers them.
	LeaseOfferExpirySecs int64
	// TaskFailuresQueueCapacity bounds pending placement-failure
	// callback registrations. Default 5.
	TaskFailuresQueueCapacity int
	// FitnessGoodEnough short-circuits soft-constraint evaluation of
	// additional agents once a candidate scores at or above it. Zero
	// disables the short-circuit.
	FitnessGoodEnough float64
	// ExitOnSchedulingErrorEnabled triggers a best-effort state dump
	// and process termination (code 3) on a fatal aggregate error.
	ExitOnSchedulingErrorEnabled bool
	// MultiTaskPerOfferEnabled allows more than one task in the same
	// iteration to consume the same offer, splitting its resources.
	// When false (the default) an offer is retired whole on first use.
	MultiTaskPerOfferEnabled bool
}

func (o Options) withDefaults() Options {
	if o.MaxDelayMsBetweenIterations == 0 {
		o.MaxDelayMsBetweenIterations = 5000
	}
	if o.TaskFailuresQueueCapacity == 0 {
		o.TaskFailuresQueueCapacity = 5
	}
	return o
}

// FailureCallback is registered by a caller interested in a specific
// task's placement outcome for the next iteration. It is invoked with
// nil if the task placed successfully or was not considered, or with a
// *ferrors.ConstraintViolationError if it failed to place.
type FailureCallback func(taskID string, err error)

// Assignment is one accepted task-to-offer pairing produced by an
// iteration's Match phase.
type Assignment struct {
	Task  *fleetv1alpha1.Task
	Offer fleetv1alpha1.Offer
	Agent fleetv1alpha1.Agent
}

// Engine is the placement loop: Idle -> Running -> Idle per iteration.
type Engine struct {
	opts Options

	queue   *queue.Queue
	offers  *offers.Pool
	reg     *constraints.Registry
	scaler  *autoscaling.Controller
	source  collaborators.OfferSource
	metrics collaborators.MetricsRegistry

	mu           sync.Mutex
	state        State
	failureQueue []pendingFailureCallback
}

type pendingFailureCallback struct {
	taskID string
	cb     FailureCallback
}

// NewEngine constructs a placement engine over the given queue, offer
// pool, constraint registry and autoscaler controller. source receives
// accepted launch requests; metrics may be nil, in which case
// iteration timing is not recorded.
func NewEngine(q *queue.Queue, pool *offers.Pool, reg *constraints.Registry, scaler *autoscaling.Controller, source collaborators.OfferSource, metrics collaborators.MetricsRegistry, opts Options) *Engine {
	return &Engine{
		opts:    opts.withDefaults(),
		queue:   q,
		offers:  pool,
		reg:     reg,
		scaler:  scaler,
		source:  source,
		metrics: metrics,
		state:   StateIdle,
	}
}

// RegisterFailureCallback arranges for cb to be invoked once after the
// next iteration completes, reporting taskID's placement outcome. It
// returns ferrors.ErrCapacityExceeded if the pending queue is full.
func (e *Engine) RegisterFailureCallback(taskID string, cb FailureCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.failureQueue) >= e.opts.TaskFailuresQueueCapacity {
		return ferrors.ErrCapacityExceeded
	}
	e.failureQueue = append(e.failureQueue, pendingFailureCallback{taskID: taskID, cb: cb})
	return nil
}

// State returns the engine's current coarse state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run executes the iteration loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	logger := log.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		result, err := e.RunOnce(ctx)
		elapsed := time.Since(start)
		if e.metrics != nil {
			e.metrics.Timer("placement_iteration_seconds").ObserveSeconds(elapsed.Seconds())
		}
		if err != nil {
			logger.Error(err, "placement iteration failed")
			if fatal, ok := err.(*ferrors.FatalSchedulerError); ok && e.opts.ExitOnSchedulingErrorEnabled {
				e.dumpStateBestEffort(ctx, fatal)
				os.Exit(3)
			}
		}

		delay := time.Duration(e.opts.SchedulerIterationIntervalMs) * time.Millisecond
		if result != nil && len(result.Assignments) == 0 {
			maxDelay := time.Duration(e.opts.MaxDelayMsBetweenIterations) * time.Millisecond
			if maxDelay > delay {
				delay = maxDelay
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Engine) dumpStateBestEffort(ctx context.Context, fatal *ferrors.FatalSchedulerError) {
	budget := time.Duration(e.opts.SchedulerIterationIntervalMs) * 3 * time.Millisecond
	dumpCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	logger := log.FromContext(dumpCtx)
	logger.Error(fatal, "fatal scheduler error, dumping best-effort state before exit",
		"state", e.State(), "causes", len(fatal.Causes))
}

// IterationResult summarizes one RunOnce call.
type IterationResult struct {
	Assignments []Assignment
	Failures    map[string]error
}

// RunOnce executes exactly one iteration: PreHook, Snapshot, Match,
// Assign, AutoscaleDecision, Callbacks. The iteration timer metric is
// recorded by Run around each call, not by RunOnce.
func (e *Engine) RunOnce(ctx context.Context) (*IterationResult, error) {
	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
	}()

	evalCtx := constraints.EvalContext{
		IterationStartUnixMS:  time.Now().UnixMilli(),
		AssignedThisIteration: map[string]int{},
	}
	if prep, ok := e.reg.GlobalHard.(constraints.GlobalPreparer); ok {
		if err := prep.Prepare(evalCtx); err != nil {
			return nil, fmt.Errorf("prehook: %w", err)
		}
	}

	tasks := e.queue.DrainForIteration()
	agentStates := e.offers.Snapshot(ctx, e.opts.LeaseOfferExpirySecs)

	working := newWorkingSet(agentStates, e.opts.MultiTaskPerOfferEnabled)

	result := &IterationResult{Failures: map[string]error{}}
	shortfall := map[string]fleetv1alpha1.Resources{}
	var evalErrs error

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			break
		}
		assignment, failErr, err := e.matchOne(ctx, task, working, evalCtx)
		if err != nil {
			evalErrs = multierr.Append(evalErrs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if failErr != nil {
			result.Failures[task.ID] = failErr
			shortfall[task.CapacityGroup] = shortfall[task.CapacityGroup].Add(task.Request)
			continue
		}
		result.Assignments = append(result.Assignments, *assignment)
		evalCtx.AssignedThisIteration[assignment.Agent.ID]++
	}

	e.assign(ctx, result)
	e.autoscale(ctx, working, shortfall)
	e.drainCallbacks(result)

	if evalErrs != nil {
		return result, &ferrors.FatalSchedulerError{Causes: multierr.Errors(evalErrs)}
	}
	return result, nil
}

// matchOne evaluates task against every agent in working concurrently
// (one errgroup goroutine per agent, with no concurrency limit),
// short-circuiting outstanding evaluations once
// a candidate reaches FitnessGoodEnough, then serially picks and
// consumes the winning agent's offer.
func (e *Engine) matchOne(ctx context.Context, task *fleetv1alpha1.Task, working *workingSet, evalCtx constraints.EvalContext) (*Assignment, error, error) {
	ids := make([]string, 0, len(working.agents))
	for id := range working.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	goodEnoughCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates := make([]constraints.Candidate, len(ids))
	found := make([]bool, len(ids))
	starved := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(goodEnoughCtx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			entry := working.agents[id]
			if entry.state.Disabled {
				return nil
			}
			remaining := entry.remaining()
			if remaining.IsZero() {
				starved[i] = true
				return nil
			}
			ok, reason, score := e.reg.Evaluate(task, entry.state.Agent, remaining, evalCtx)
			if !ok {
				if reason == "insufficient resources" {
					starved[i] = true
				}
				return nil
			}
			candidates[i] = constraints.Candidate{
				Agent:          entry.state.Agent,
				Score:          score,
				AssignedInIter: evalCtx.AssignedThisIteration[id],
				RemainingCPU:   remaining.CPU,
			}
			found[i] = true
			if e.opts.FitnessGoodEnough > 0 && score >= e.opts.FitnessGoodEnough {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	flat := make([]constraints.Candidate, 0, len(candidates))
	for i, ok := range found {
		if ok {
			flat = append(flat, candidates[i])
		}
	}

	best, ok := constraints.Best(task.ID, flat)
	if !ok {
		reason := "no admissible agent"
		for _, s := range starved {
			if s {
				reason = "insufficient cpu"
				break
			}
		}
		return nil, &ferrors.ConstraintViolationError{TaskID: task.ID, Reason: reason}, nil
	}

	entry := working.agents[best.Agent.ID]
	offer, ok := entry.consume(task.Request, working.multiPerOffer)
	if !ok {
		return nil, &ferrors.ConstraintViolationError{TaskID: task.ID, Reason: "insufficient cpu"}, nil
	}

	assigned := task.Clone()
	assigned.State = fleetv1alpha1.TaskLaunched
	assigned.AssignedAgentID = best.Agent.ID
	assigned.AssignedOfferID = offer.ID
	return &Assignment{Task: assigned, Offer: offer, Agent: best.Agent}, nil, nil
}

func (e *Engine) assign(ctx context.Context, result *IterationResult) {
	if len(result.Assignments) == 0 || e.source == nil {
		return
	}
	launches := make([]collaborators.LaunchRequest, len(result.Assignments))
	for i, a := range result.Assignments {
		offer := a.Offer
		launches[i] = collaborators.LaunchRequest{Task: a.Task, Offer: &offer}
	}
	results, err := e.source.LaunchTasks(ctx, launches)
	if err != nil {
		log.FromContext(ctx).Error(err, "launch tasks failed")
		return
	}
	accepted := result.Assignments[:0]
	for i, r := range results {
		if r.Accepted {
			accepted = append(accepted, result.Assignments[i])
			e.offers.ConsumeOffer(result.Assignments[i].Offer.ID)
			e.queue.Remove(result.Assignments[i].Task.ID, result.Assignments[i].Task.Tier)
		} else {
			result.Failures[r.TaskID] = &ferrors.ConstraintViolationError{TaskID: r.TaskID, Reason: r.Reason}
		}
	}
	result.Assignments = accepted
}

func (e *Engine) autoscale(ctx context.Context, working *workingSet, shortfall map[string]fleetv1alpha1.Resources) {
	if e.scaler == nil {
		return
	}
	counts := working.countsByInstanceGroup()
	if err := e.scaler.Evaluate(ctx, shortfall, counts); err != nil {
		log.FromContext(ctx).Error(err, "autoscale decision failed")
	}
}

func (e *Engine) drainCallbacks(result *IterationResult) {
	e.mu.Lock()
	pending := e.failureQueue
	e.failureQueue = nil
	e.mu.Unlock()

	for _, p := range pending {
		err := result.Failures[p.taskID]
		p.cb(p.taskID, err)
	}
}

// workingSet tracks the per-agent remaining resources during one
// iteration's Match phase, so two tasks in the same iteration never
// over-commit an offer.
type workingSet struct {
	agents        map[string]*workingAgent
	multiPerOffer bool
}

// workingAgent tracks, per offer currently advertised by one agent,
// how much of it remains uncommitted during this iteration's Match
// phase. Matching is scoped to offers, not an agent's total capacity:
// only resources actually advertised this iteration are assignable.
type workingAgent struct {
	state          offers.AgentState
	offerRemaining []fleetv1alpha1.Resources // parallel to state.Offers
	offerUsed      []bool
}

func newWorkingSet(states []offers.AgentState, multiPerOffer bool) *workingSet {
	w := &workingSet{agents: make(map[string]*workingAgent, len(states)), multiPerOffer: multiPerOffer}
	for _, s := range states {
		sort.Slice(s.Offers, func(i, j int) bool { return s.Offers[i].ID < s.Offers[j].ID })
		remaining := make([]fleetv1alpha1.Resources, len(s.Offers))
		for i, o := range s.Offers {
			remaining[i] = o.Available
		}
		w.agents[s.Agent.ID] = &workingAgent{state: s, offerRemaining: remaining, offerUsed: make([]bool, len(s.Offers))}
	}
	return w
}

// remaining sums every not-yet-retired offer's uncommitted resources.
func (a *workingAgent) remaining() fleetv1alpha1.Resources {
	var sum fleetv1alpha1.Resources
	for i, r := range a.offerRemaining {
		if !a.offerUsed[i] {
			sum = sum.Add(r)
		}
	}
	return sum
}

// consume picks the first not-retired offer able to cover req. Under
// the keep-together default (multiPerOffer false) the whole offer is
// retired on first use; otherwise only req is deducted and the offer
// is retired once its remainder reaches zero.
func (a *workingAgent) consume(req fleetv1alpha1.Resources, multiPerOffer bool) (fleetv1alpha1.Offer, bool) {
	for i, o := range a.state.Offers {
		if a.offerUsed[i] {
			continue
		}
		if !a.offerRemaining[i].Fits(req) {
			continue
		}
		if multiPerOffer {
			a.offerRemaining[i] = a.offerRemaining[i].Sub(req)
			if a.offerRemaining[i].IsZero() {
				a.offerUsed[i] = true
			}
		} else {
			a.offerUsed[i] = true
		}
		return o, true
	}
	return fleetv1alpha1.Offer{}, false
}

// countsByInstanceGroup tallies total and idle agent counts per
// instance group, as read off each agent's instance-group attribute.
func (w *workingSet) countsByInstanceGroup() map[string]autoscaling.GroupCount {
	counts := map[string]autoscaling.GroupCount{}
	for _, a := range w.agents {
		group := a.state.Agent.InstanceGroup()
		if group == "" {
			continue
		}
		c := counts[group]
		c.Total++
		if len(a.state.Agent.RunningTaskIDs) == 0 {
			c.Idle++
			c.IdleInstanceIDs = append(c.IdleInstanceIDs, a.state.Agent.ID)
		}
		counts[group] = c
	}
	return counts
}
