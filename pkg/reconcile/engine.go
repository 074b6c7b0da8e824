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

// Package reconcile implements one reconciliation engine per root
// entity: three EntityHolder trees (Reference, Running, Store) brought
// into agreement one trigger at a time by applying ModelUpdateActions
// produced either by externally submitted ChangeActions or, when the
// external queue is empty, by diffing Running against Reference.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/multierr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
	"github.com/nimbusfleet/fleetcore/pkg/ferrors"
)

// Op identifies the kind of mutation a ModelUpdateAction performs.
type Op int

const (
	OpAdd Op = iota
	OpRemove
	OpUpdate
	OpTag
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "Add"
	case OpRemove:
		return "Remove"
	case OpUpdate:
		return "Update"
	case OpTag:
		return "Tag"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// ModelUpdateAction is a tagged-variant transform applied to exactly
// one of an engine's three models by the pure applyUpdate function.
// Path names the target child for Remove/Update. For Tag, Payload is a
// TagValue carrying both the tag key and value; Path is not used. For
// Add, Payload is the *fleetv1alpha1.EntityHolder to insert.
type ModelUpdateAction struct {
	TargetModel fleetv1alpha1.Model
	Op          Op
	Path        string
	Payload     any

	// OriginalTaskID scopes the Retryer bookkeeping tag written while a
	// Store-targeted update is being retried. Empty means untracked.
	OriginalTaskID string
}

// TagValue is the Payload shape for an OpTag ModelUpdateAction.
type TagValue struct {
	Key   string
	Value any
}

// RetryPolicy names the backoff shape behind a Retryer.
type RetryPolicy int

const (
	RetryPolicyNone RetryPolicy = iota
	RetryPolicyExponentialBackoff
)

// Retryer is the per-task retry state attached as a tag on the Store
// model's root holder, keyed by retryerTagKey(originalTaskID).
type Retryer struct {
	Attempts  int
	NextDelay time.Duration
	Policy    RetryPolicy
}

func retryerTagKey(originalTaskID string) string { return "retryer:" + originalTaskID }

// RetryerFor reads back the Retryer tag for originalTaskID from a
// Store model snapshot, if any retry has occurred.
func RetryerFor(store *fleetv1alpha1.EntityHolder, originalTaskID string) (Retryer, bool) {
	v, ok := store.Tag(retryerTagKey(originalTaskID))
	if !ok {
		return Retryer{}, false
	}
	r, ok := v.(Retryer)
	return r, ok
}

// ActionResult is what a ChangeAction resolves with once its
// asynchronous work completes.
type ActionResult struct {
	Updates []ModelUpdateAction
	Err     error
}

// ChangeAction is an external or internally-diffed request to mutate
// one engine's models. Start must return immediately; the work itself
// runs on the goroutine feeding the returned channel, so the
// reconciliation loop never blocks waiting for it.
type ChangeAction interface {
	ID() string
	Start(ctx context.Context) <-chan ActionResult
}

// FuncAction adapts a plain function into a ChangeAction running on
// its own goroutine, for callers with no existing async primitive.
type FuncAction struct {
	ActionID string
	Fn       func(ctx context.Context) ([]ModelUpdateAction, error)
}

func (f FuncAction) ID() string { return f.ActionID }

func (f FuncAction) Start(ctx context.Context) <-chan ActionResult {
	out := make(chan ActionResult, 1)
	go func() {
		updates, err := f.Fn(ctx)
		out <- ActionResult{Updates: updates, Err: err}
	}()
	return out
}

// DiffFunc computes the reconciler actions needed to converge running
// toward reference. It is invoked only when the external change queue
// is empty.
type DiffFunc func(reference, running *fleetv1alpha1.EntityHolder) []ChangeAction

// Options configures one Engine. Zero values are replaced by the
// documented defaults in NewEngine.
type Options struct {
	// StoreUpdateTimeoutMs bounds a single store-write attempt. Default 5000.
	StoreUpdateTimeoutMs int64
	// StoreWriteMaxAttempts bounds the retries made against the store
	// for one Store-targeted update before it is treated as a timeout
	// and rolled back. Default 3.
	StoreWriteMaxAttempts uint
	// StoreWriteBaseDelay is the first retry's delay; later retries
	// back off exponentially from it. Default 50ms.
	StoreWriteBaseDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.StoreUpdateTimeoutMs == 0 {
		o.StoreUpdateTimeoutMs = 5000
	}
	if o.StoreWriteMaxAttempts == 0 {
		o.StoreWriteMaxAttempts = 3
	}
	if o.StoreWriteBaseDelay == 0 {
		o.StoreWriteBaseDelay = 50 * time.Millisecond
	}
	return o
}

type inFlight struct {
	action ChangeAction
	result <-chan ActionResult
}

// Engine reconciles one root entity's Reference, Running and Store
// models, one trigger at a time; it has no pointer back to the
// framework that owns it.
type Engine struct {
	opts Options

	rootID   string
	jobStore collaborators.JobStore
	diff     DiffFunc

	mu        sync.Mutex
	reference *fleetv1alpha1.EntityHolder
	running   *fleetv1alpha1.EntityHolder
	store     *fleetv1alpha1.EntityHolder

	externalQueue []ChangeAction
	current       *inFlight
	shutdownFlag  bool

	events      chan fleetv1alpha1.Event
	lastEventNS int64
}

// NewEngine constructs a reconciliation engine for one root entity.
// bootstrap seeds all three models identically. jobStore may be nil if
// no update in this engine's lifetime targets Store. diff may be nil,
// in which case the engine only ever processes externally submitted
// changes.
func NewEngine(rootID string, bootstrap *fleetv1alpha1.EntityHolder, jobStore collaborators.JobStore, diff DiffFunc, opts Options) *Engine {
	return &Engine{
		opts:      opts.withDefaults(),
		rootID:    rootID,
		jobStore:  jobStore,
		diff:      diff,
		reference: bootstrap,
		running:   bootstrap,
		store:     bootstrap,
		events:    make(chan fleetv1alpha1.Event, 64),
	}
}

// RootID returns the entity id this engine owns.
func (e *Engine) RootID() string { return e.rootID }

// Reference returns the current Reference model snapshot.
func (e *Engine) Reference() *fleetv1alpha1.EntityHolder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reference
}

// Running returns the current Running model snapshot.
func (e *Engine) Running() *fleetv1alpha1.EntityHolder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Store returns the current Store model snapshot.
func (e *Engine) Store() *fleetv1alpha1.EntityHolder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// ChangeReferenceModel enqueues an externally submitted change
// request. External requests are always processed before reconciler
// actions derived from diffing Running against Reference.
func (e *Engine) ChangeReferenceModel(action ChangeAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdownFlag {
		return ferrors.ErrShutdownInProgress
	}
	e.externalQueue = append(e.externalQueue, action)
	return nil
}

// Events returns the engine's event stream. It closes once Shutdown
// completes; subscribing after the engine has started does not replay
// past events.
func (e *Engine) Events() <-chan fleetv1alpha1.Event { return e.events }

// TriggerEvents runs one reconciliation cycle: it applies the result
// of any action that has completed since the last trigger, then
// starts the next action if none is currently running. It reports the
// aggregate state the framework needs to decide its own pacing.
func (e *Engine) TriggerEvents(ctx context.Context) (hasModelUpdates bool, runningChangeActions bool) {
	logger := log.FromContext(ctx)

	e.mu.Lock()
	current := e.current
	e.mu.Unlock()

	if current != nil {
		select {
		case result, ok := <-current.result:
			if !ok {
				result = ActionResult{Err: fmt.Errorf("reconcile: action %s: result channel closed with no value", current.action.ID())}
			}
			hasModelUpdates = len(result.Updates) > 0
			e.applyActionResult(ctx, current.action, result)
			e.mu.Lock()
			e.current = nil
			e.mu.Unlock()
		default:
			return false, true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var next ChangeAction
	if len(e.externalQueue) > 0 {
		next = e.externalQueue[0]
		e.externalQueue = e.externalQueue[1:]
	} else if e.diff != nil {
		if actions := e.diff(e.reference, e.running); len(actions) > 0 {
			next = actions[0]
		}
	}
	if next == nil {
		return hasModelUpdates, false
	}

	e.emitLocked(fleetv1alpha1.EventChangeStarted, fleetv1alpha1.ModelNone, next.ID(), nil)
	e.current = &inFlight{action: next, result: next.Start(ctx)}
	logger.V(1).Info("started change action", "root", e.rootID, "action", next.ID())
	return hasModelUpdates, true
}

// applyActionResult applies one completed action's updates as a group:
// all succeed and commit together, or the whole group is discarded and
// nothing in any model changes. Only the commit step takes the lock;
// the per-update transforms run against local scratch copies.
func (e *Engine) applyActionResult(ctx context.Context, action ChangeAction, result ActionResult) {
	logger := log.FromContext(ctx)

	if result.Err != nil {
		e.mu.Lock()
		e.emitLocked(fleetv1alpha1.EventChangeFailed, fleetv1alpha1.ModelNone, action.ID(), result.Err)
		e.mu.Unlock()
		logger.Error(result.Err, "change action failed", "root", e.rootID, "action", action.ID())
		return
	}
	if len(result.Updates) == 0 {
		e.mu.Lock()
		e.emitLocked(fleetv1alpha1.EventChangeCompleted, fleetv1alpha1.ModelNone, action.ID(), nil)
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	reference, running, store := e.reference, e.running, e.store
	e.mu.Unlock()

	// Structurally validate every Reference/Running/Tag update in the
	// group up front, against read-only scratch copies, before a single
	// Store write is attempted. applyUpdate is pure, so this costs
	// nothing but a throwaway tree build per update; its payoff is
	// catching every independent precondition failure in the group
	// (not just the first) so a doomed group never starts retrying an
	// expensive Store write it was always going to have to unwind.
	var preErr error
	for _, u := range result.Updates {
		if u.TargetModel == fleetv1alpha1.ModelStore {
			continue // the store write itself is the only way to validate a Store update
		}
		var err error
		switch u.TargetModel {
		case fleetv1alpha1.ModelReference:
			_, err = applyUpdate(reference, u)
		case fleetv1alpha1.ModelRunning:
			_, err = applyUpdate(running, u)
		default:
			err = fmt.Errorf("reconcile: update names no target model")
		}
		if err != nil {
			preErr = multierr.Append(preErr, fmt.Errorf("%s %s: %w", u.Op, u.Path, err))
		}
	}
	if preErr != nil {
		e.mu.Lock()
		e.emitLocked(fleetv1alpha1.EventChangeFailed, fleetv1alpha1.ModelNone, action.ID(), preErr)
		e.mu.Unlock()
		logger.Error(preErr, "change action group failed validation, nothing applied", "root", e.rootID, "action", action.ID(), "errors", len(multierr.Errors(preErr)))
		return
	}

	applied := make([]ModelUpdateAction, 0, len(result.Updates))
	var groupErr error
	for _, u := range result.Updates {
		var next *fleetv1alpha1.EntityHolder
		var err error
		switch u.TargetModel {
		case fleetv1alpha1.ModelReference:
			next, err = applyUpdate(reference, u)
			if err == nil {
				reference = next
			}
		case fleetv1alpha1.ModelRunning:
			next, err = applyUpdate(running, u)
			if err == nil {
				running = next
			}
		case fleetv1alpha1.ModelStore:
			next, err = e.applyStoreUpdate(ctx, store, u)
			if err == nil {
				store = next
			}
		default:
			err = fmt.Errorf("reconcile: update names no target model")
		}
		if err != nil {
			groupErr = err
			break
		}
		applied = append(applied, u)
	}

	if groupErr != nil {
		// The whole group is discarded: reference/running/store here
		// are local scratch copies never written back to e.*, which is
		// what rolls back a Reference change already computed earlier
		// in the same group when a later Store write in the group
		// times out.
		e.mu.Lock()
		e.emitLocked(fleetv1alpha1.EventChangeFailed, fleetv1alpha1.ModelNone, action.ID(), groupErr)
		e.mu.Unlock()
		logger.Error(groupErr, "change action group apply failed, group reverted", "root", e.rootID, "action", action.ID(), "appliedBeforeFailure", len(applied))
		return
	}

	e.mu.Lock()
	e.reference, e.running, e.store = reference, running, store
	for _, u := range applied {
		e.emitLocked(fleetv1alpha1.EventModelUpdate, u.TargetModel, fmt.Sprintf("%s %s", u.Op, u.Path), nil)
	}
	e.emitLocked(fleetv1alpha1.EventChangeCompleted, fleetv1alpha1.ModelNone, action.ID(), nil)
	e.mu.Unlock()
}

// applyStoreUpdate writes u through the JobStore collaborator with
// bounded retries, recording a Retryer tag on store for visibility,
// then applies the pure transform to store's own tree once the write
// is acknowledged. A store write that never acks within the
// configured attempts surfaces as *ferrors.StoreTimeoutError.
func (e *Engine) applyStoreUpdate(ctx context.Context, store *fleetv1alpha1.EntityHolder, u ModelUpdateAction) (*fleetv1alpha1.EntityHolder, error) {
	if e.jobStore == nil {
		return nil, fmt.Errorf("reconcile: update targets Store but no JobStore collaborator is configured")
	}
	timeout := time.Duration(e.opts.StoreUpdateTimeoutMs) * time.Millisecond
	attempts := 0

	err := retry.Do(
		func() error {
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return e.writeStore(writeCtx, store, u)
		},
		retry.Attempts(e.opts.StoreWriteMaxAttempts),
		retry.Delay(e.opts.StoreWriteBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, _ error) {
			attempts = int(n) + 1
			if u.OriginalTaskID != "" {
				store = store.WithTag(retryerTagKey(u.OriginalTaskID), Retryer{
					Attempts:  attempts,
					NextDelay: e.opts.StoreWriteBaseDelay << n,
					Policy:    RetryPolicyExponentialBackoff,
				})
			}
		}),
	)
	if err != nil {
		return nil, &ferrors.StoreTimeoutError{RootID: e.rootID, TimeoutMS: e.opts.StoreUpdateTimeoutMs}
	}
	if u.OriginalTaskID != "" && attempts > 0 {
		store = store.WithTag(retryerTagKey(u.OriginalTaskID), Retryer{Attempts: attempts, Policy: RetryPolicyExponentialBackoff})
	}
	return applyUpdate(store, u)
}

func (e *Engine) writeStore(ctx context.Context, store *fleetv1alpha1.EntityHolder, u ModelUpdateAction) error {
	switch u.Op {
	case OpAdd:
		task, ok := u.Payload.(*fleetv1alpha1.EntityHolder)
		if !ok {
			return fmt.Errorf("reconcile: store add: payload must be *fleetv1alpha1.EntityHolder")
		}
		t, ok := task.Entity.(*fleetv1alpha1.Task)
		if !ok {
			return fmt.Errorf("reconcile: store add: holder entity must be *fleetv1alpha1.Task")
		}
		return e.jobStore.Store(ctx, t)
	case OpUpdate:
		newTask, ok := u.Payload.(*fleetv1alpha1.Task)
		if !ok {
			return fmt.Errorf("reconcile: store update: payload must be *fleetv1alpha1.Task")
		}
		var oldTask *fleetv1alpha1.Task
		if existing := store.Child(u.Path); existing != nil {
			oldTask, _ = existing.Entity.(*fleetv1alpha1.Task)
		}
		if oldTask != nil {
			return e.jobStore.Replace(ctx, oldTask, newTask)
		}
		return e.jobStore.Store(ctx, newTask)
	case OpRemove:
		return e.jobStore.Remove(ctx, u.Path)
	case OpTag:
		return e.jobStore.UpdateJob(ctx, store)
	default:
		return fmt.Errorf("reconcile: store: unsupported op %s", u.Op)
	}
}

// applyUpdate is the pure transform interpreting one ModelUpdateAction
// against a single tree. Applying the same action twice yields the
// same tree.
func applyUpdate(tree *fleetv1alpha1.EntityHolder, u ModelUpdateAction) (*fleetv1alpha1.EntityHolder, error) {
	switch u.Op {
	case OpAdd:
		child, ok := u.Payload.(*fleetv1alpha1.EntityHolder)
		if !ok {
			return nil, fmt.Errorf("reconcile: add: payload must be *fleetv1alpha1.EntityHolder")
		}
		return tree.WithChild(child), nil
	case OpRemove:
		if tree.Child(u.Path) == nil {
			return tree, nil
		}
		return tree.WithoutChild(u.Path), nil
	case OpUpdate:
		existing := tree.Child(u.Path)
		if existing == nil {
			return nil, fmt.Errorf("reconcile: update: unknown child %q", u.Path)
		}
		return tree.WithChild(existing.WithEntity(u.Payload)), nil
	case OpTag:
		tv, ok := u.Payload.(TagValue)
		if !ok {
			return nil, fmt.Errorf("reconcile: tag: payload must be TagValue")
		}
		return tree.WithTag(tv.Key, tv.Value), nil
	default:
		return nil, fmt.Errorf("reconcile: unknown op %s", u.Op)
	}
}

// emitLocked appends an event, assigning it a timestamp strictly later
// than the previous one this engine emitted. Callers must hold e.mu.
// A full event buffer drops the event rather than blocking the
// reconciliation loop on a slow subscriber.
func (e *Engine) emitLocked(kind fleetv1alpha1.EventKind, model fleetv1alpha1.Model, summary string, err error) {
	ts := time.Now().UnixNano()
	if ts <= e.lastEventNS {
		ts = e.lastEventNS + 1
	}
	e.lastEventNS = ts
	ev := fleetv1alpha1.Event{TimestampUnixNano: ts, EngineRootID: e.rootID, Kind: kind, Model: model, ChangeSummary: summary, Err: err}
	select {
	case e.events <- ev:
	default:
	}
}

// Shutdown drains any in-flight action up to ctx's deadline, then
// closes the event stream. Subsequent ChangeReferenceModel calls fail
// with ferrors.ErrShutdownInProgress.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.shutdownFlag = true
	current := e.current
	e.mu.Unlock()

	if current != nil {
		select {
		case result := <-current.result:
			e.applyActionResult(ctx, current.action, result)
		case <-ctx.Done():
			log.FromContext(ctx).Info("shutdown: in-flight action drain deadline exceeded", "root", e.rootID, "action", current.action.ID())
		}
	}

	e.mu.Lock()
	e.current = nil
	close(e.events)
	e.mu.Unlock()
}
