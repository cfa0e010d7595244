package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/health"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/scheduler"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	// ErrEmptyDescription is returned by Submit for blank descriptions.
	ErrEmptyDescription = errors.New("work item description is required")
	// ErrInvalidContext is returned by Submit for unknown context values.
	ErrInvalidContext = errors.New("invalid action context")
)

// SubmitRequest is what a producer sends to create a work item.
type SubmitRequest struct {
	Description string               `json:"description" yaml:"description"`
	DependsOn   []string             `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Action      string               `json:"action,omitempty" yaml:"action,omitempty"`
	Agent       string               `json:"agent,omitempty" yaml:"agent,omitempty"`
	Context     models.ActionContext `json:"context" yaml:"context,omitempty"`
}

// Dispatcher moves work items from submission to a terminal status.
type Dispatcher struct {
	graph    *graph.DependencyGraph
	sched    *scheduler.Scheduler
	scorer   *confidence.Scorer
	gate     *gate.Gate
	breakers *breaker.Supervisor
	store    state.Store
	recorder confidence.OutcomeRecorder
	executor Executor

	approvals *ApprovalManager
	observer  Observer
	events    *EventEmitter
	pause     *PauseController
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	interval  time.Duration

	baseBatch int
	batch     atomic.Int64

	// submitMu serializes graph edits with their persistence.
	submitMu sync.Mutex

	mu           sync.Mutex
	held         map[string]time.Time
	inflight     map[string]struct{}
	blocked      map[string]struct{}
	breakerDirty bool
	wg           sync.WaitGroup
	wake         chan struct{}
}

// New creates a Dispatcher from required collaborators and options.
func New(req RequiredConfig, opts ...Option) (*Dispatcher, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	o := &dispatcherOptions{
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.interval <= 0 {
		o.interval = DefaultInterval
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.approvals == nil {
		o.approvals = NewApprovalManager(DefaultApprovalTimeout, o.logger)
	}
	if o.pause == nil {
		o.pause = NewPauseController(o.logger)
	}

	d := &Dispatcher{
		graph:     req.Graph,
		scorer:    req.Scorer,
		gate:      req.Gate,
		breakers:  req.Breakers,
		store:     req.Store,
		recorder:  req.Scorer.Recorder(req.Store),
		executor:  req.Executor,
		approvals: o.approvals,
		observer:  o.observer,
		events:    o.events,
		pause:     o.pause,
		logger:    o.logger.Named("dispatcher"),
		metrics:   o.metrics,
		now:       o.now,
		interval:  o.interval,
		baseBatch: o.batchSize,
		held:      make(map[string]time.Time),
		inflight:  make(map[string]struct{}),
		blocked:   make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
	}
	d.batch.Store(int64(o.batchSize))
	d.sched = scheduler.New(req.Graph, scheduler.WithLogger(o.logger), scheduler.WithMetrics(o.metrics))
	return d, nil
}

// Approvals returns the approval manager.
func (d *Dispatcher) Approvals() *ApprovalManager { return d.approvals }

// PauseController returns the pause controller.
func (d *Dispatcher) PauseController() *PauseController { return d.pause }

// Graph returns the dependency graph.
func (d *Dispatcher) Graph() *graph.DependencyGraph { return d.graph }

// Restore loads persisted items into the graph. Items left running by a
// previous process are requeued first.
func (d *Dispatcher) Restore(ctx context.Context) error {
	requeued, err := d.store.RequeueInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("requeue interrupted items: %w", err)
	}
	n, err := d.Load(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("restored work items", zap.Int("items", n), zap.Strings("requeued", requeued))
	return nil
}

// Load reads every persisted item into the graph without touching running
// items. It is meant for tools editing the store next to a live dispatcher.
func (d *Dispatcher) Load(ctx context.Context) (int, error) {
	items, err := d.store.QueryWorkItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("load work items: %w", err)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if err := d.graph.Load(items); err != nil {
		return 0, fmt.Errorf("load graph: %w", err)
	}
	d.graph.RefreshPriorities()
	return len(items), nil
}

// Submit creates a work item. Every dependency must already exist; a rejected
// submission leaves both the graph and the store unchanged.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.WorkItem, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, ErrEmptyDescription
	}
	if !req.Context.Valid() {
		return nil, fmt.Errorf("%w: urgency=%q complexity=%q", ErrInvalidContext, req.Context.Urgency, req.Context.Complexity)
	}

	now := d.now()
	item := &models.WorkItem{
		ID:          uuid.NewString(),
		Description: req.Description,
		Status:      models.WorkItemStatusPending,
		DependsOn:   append([]string(nil), req.DependsOn...),
		Agent:       req.Agent,
		Action:      req.Action,
		Context:     req.Context.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	d.submitMu.Lock()
	if err := d.graph.Add(item); err != nil {
		d.submitMu.Unlock()
		return nil, err
	}
	d.graph.RefreshPriorities()
	stored := d.graph.Get(item.ID)
	if err := d.store.SaveWorkItem(ctx, stored); err != nil {
		if rerr := d.graph.Remove(item.ID); rerr != nil {
			d.logger.Error("rollback failed", zap.String("item", item.ID), zap.Error(rerr))
		}
		d.submitMu.Unlock()
		return nil, fmt.Errorf("persist work item: %w", err)
	}
	d.submitMu.Unlock()

	d.logger.Info("item submitted", zap.String("item", stored.ID), zap.Strings("depends_on", stored.DependsOn))
	d.emit(Event{Type: EventItemSubmitted, ItemID: stored.ID, Agent: stored.Agent, Action: stored.Action, Message: stored.Description})
	d.wakeUp()
	return stored, nil
}

// AddDependency records that taskID depends on dependsOnID and persists the
// edge. A cycle or unknown id is rejected with the graph unchanged.
func (d *Dispatcher) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	before := d.graph.Get(taskID)
	if err := d.graph.AddDependency(taskID, dependsOnID); err != nil {
		return err
	}
	if before.DependsOnID(dependsOnID) {
		return nil
	}
	d.graph.RefreshPriorities()

	after := d.graph.Get(taskID)
	if err := d.store.SaveWorkItem(ctx, after); err != nil {
		d.graph.RemoveDependency(taskID, dependsOnID)
		if before.Status == models.WorkItemStatusReady && after.Status == models.WorkItemStatusPending {
			if _, terr := d.graph.Transition(taskID, models.WorkItemStatusPending, models.WorkItemStatusReady, ""); terr != nil {
				d.logger.Error("rollback failed", zap.String("item", taskID), zap.Error(terr))
			}
		}
		return fmt.Errorf("persist dependency: %w", err)
	}
	return nil
}

// RemoveDependency deletes the edge and persists the change. Missing edges are ignored.
func (d *Dispatcher) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	before := d.graph.Get(taskID)
	if before == nil {
		return &graph.NotFoundError{ID: taskID}
	}
	if !before.DependsOnID(dependsOnID) {
		return nil
	}
	d.graph.RemoveDependency(taskID, dependsOnID)
	d.graph.RefreshPriorities()

	if err := d.store.SaveWorkItem(ctx, d.graph.Get(taskID)); err != nil {
		if rerr := d.graph.AddDependency(taskID, dependsOnID); rerr != nil {
			d.logger.Error("rollback failed", zap.String("item", taskID), zap.Error(rerr))
		}
		return fmt.Errorf("persist dependency removal: %w", err)
	}
	d.wakeUp()
	return nil
}

// DispatchOnce sweeps the graph and starts up to the free batch capacity of
// ready items. Started items run in the background; use Wait to join them.
// Returns the ids that were started.
func (d *Dispatcher) DispatchOnce(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.afterSweep(ctx, d.sched.Sweep())
	d.persistBreakers(ctx)

	if d.pause.IsPaused() || d.pause.IsStopped() {
		return nil, nil
	}

	d.mu.Lock()
	capacity := int(d.batch.Load()) - len(d.inflight)
	d.mu.Unlock()
	if capacity <= 0 {
		return nil, nil
	}

	var started []string
	for _, item := range d.sched.NextBatchWhere(capacity, d.dispatchable) {
		running, err := d.graph.Transition(item.ID, models.WorkItemStatusReady, models.WorkItemStatusRunning, "")
		if err != nil {
			// Another dispatcher won the item or it changed since the batch was taken.
			d.logger.Debug("skip item", zap.String("item", item.ID), zap.Error(err))
			continue
		}

		d.mu.Lock()
		d.inflight[running.ID] = struct{}{}
		d.mu.Unlock()
		d.wg.Add(1)
		started = append(started, running.ID)
		go d.process(ctx, running)
	}
	return started, nil
}

// dispatchable rejects items whose collaborator is held or whose breaker is
// still rejecting calls, so they are neither scored nor moved to running.
func (d *Dispatcher) dispatchable(item *models.WorkItem) bool {
	key := CollaboratorKey(item)
	if d.Held(key) {
		return false
	}
	_, rejecting := d.breakers.RetryAfter(key)
	return !rejecting
}

// Wait blocks until every started item has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Run dispatches on every tick, and whenever an item finishes or is submitted,
// until ctx is cancelled or the pause controller is stopped. In-flight items
// are joined before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.Wait()

	for {
		if err := d.pause.WaitIfPaused(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) wakeUp() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// process runs one item that has already been moved to running.
func (d *Dispatcher) process(ctx context.Context, item *models.WorkItem) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, item.ID)
		d.mu.Unlock()
		d.wg.Done()
		d.wakeUp()
	}()

	// Bookkeeping must land even when ctx is cancelled mid-execution.
	pctx := context.WithoutCancel(ctx)
	log := d.logger.With(zap.String("item", item.ID), zap.String("agent", item.Agent), zap.String("action", item.Action))

	d.persist(pctx, item)
	d.emit(Event{Type: EventItemStarted, ItemID: item.ID, Agent: item.Agent, Action: item.Action})

	res := d.scorer.Evaluate(ctx, item.Agent, item.Action, item.Context)
	decision := d.gate.Decide(item.ID, item.Agent, item.Action, res.Confidence, res.Components, res.Adjustments, item.Context)
	if err := d.store.AppendDecision(pctx, decision); err != nil {
		log.Warn("decision not recorded", zap.Error(err))
	}
	d.emit(Event{
		Type: EventDecisionMade, ItemID: item.ID, Agent: item.Agent, Action: item.Action,
		Mode: decision.Mode, Confidence: decision.Confidence, Message: strings.Join(decision.OverridesApplied, ","),
	})

	mode := decision.Mode
	if mode == models.ModeConfirm {
		d.emit(Event{Type: EventApprovalRequested, ItemID: item.ID, Agent: item.Agent, Action: item.Action,
			Confidence: decision.Confidence, Message: item.Description})
		resp, err := d.approvals.Request(ctx, item, decision)
		if err != nil {
			d.requeue(pctx, item, "approval interrupted")
			return
		}
		if !resp.Approved {
			reason := resp.Reason
			if reason == "" {
				reason = "rejected"
			}
			if resp.By != "" {
				reason = fmt.Sprintf("%s by %s", reason, resp.By)
			}
			d.finish(pctx, item, models.WorkItemStatusFailed, "approval denied: "+reason, mode)
			return
		}
		mode = models.ModeAssisted
	}

	key := CollaboratorKey(item)
	start := d.now()
	err := d.breakers.Call(ctx, key, func(cctx context.Context) error {
		return d.executor.Execute(cctx, item, mode)
	})
	elapsed := d.now().Sub(start)

	var open *breaker.CircuitOpenError
	switch {
	case errors.As(err, &open):
		log.Info("collaborator unavailable, requeued", zap.Duration("retry_after", open.RetryAfter))
		d.requeue(pctx, item, open.Error())
		return
	case err != nil && ctx.Err() != nil:
		d.requeue(pctx, item, "interrupted")
		return
	}

	success := err == nil
	if rerr := d.recorder.RecordExecution(pctx, item.Agent, item.Action, item.Context, success, elapsed.Milliseconds(), mode); rerr != nil {
		log.Warn("outcome not recorded", zap.Error(rerr))
	}
	if d.observer != nil {
		d.observer.Observe(health.Observation{Source: key, Success: success, Latency: elapsed, At: d.now()})
	}

	if success {
		d.finish(pctx, item, models.WorkItemStatusDone, "", mode)
		return
	}
	log.Warn("item failed", zap.Error(err))
	d.finish(pctx, item, models.WorkItemStatusFailed, err.Error(), mode)
}

func (d *Dispatcher) finish(ctx context.Context, item *models.WorkItem, to models.WorkItemStatus, reason string, mode models.ExecutionMode) {
	updated, err := d.graph.Transition(item.ID, models.WorkItemStatusRunning, to, reason)
	if err != nil {
		d.logger.Error("finish transition rejected", zap.String("item", item.ID), zap.Error(err))
		return
	}
	d.persist(ctx, updated)
	d.persistBreakers(ctx)
	d.approvals.Expire(item.ID)
	d.metrics.ItemFinished(to)

	ev := Event{Type: EventItemCompleted, ItemID: item.ID, Agent: item.Agent, Action: item.Action, Mode: mode}
	if to == models.WorkItemStatusFailed {
		ev.Type = EventItemFailed
		ev.Error = reason
	}
	d.emit(ev)
}

func (d *Dispatcher) requeue(ctx context.Context, item *models.WorkItem, reason string) {
	updated, err := d.graph.Transition(item.ID, models.WorkItemStatusRunning, models.WorkItemStatusReady, "")
	if err != nil {
		d.logger.Error("requeue transition rejected", zap.String("item", item.ID), zap.Error(err))
		return
	}
	d.persist(ctx, updated)
	d.persistBreakers(ctx)
	d.emit(Event{Type: EventItemReady, ItemID: item.ID, Agent: item.Agent, Action: item.Action, Message: "requeued: " + reason})
}

func (d *Dispatcher) persist(ctx context.Context, item *models.WorkItem) {
	if err := d.store.SaveWorkItem(ctx, item); err != nil {
		d.logger.Error("persist work item", zap.String("item", item.ID), zap.Error(err))
	}
}

// afterSweep persists promoted items and reports newly blocked ones.
func (d *Dispatcher) afterSweep(ctx context.Context, res scheduler.SweepResult) {
	if len(res.Promoted) > 0 {
		if err := d.store.SaveWorkItems(ctx, res.Promoted); err != nil {
			d.logger.Error("persist promoted items", zap.Int("items", len(res.Promoted)), zap.Error(err))
		}
		for _, item := range res.Promoted {
			d.emit(Event{Type: EventItemReady, ItemID: item.ID, Agent: item.Agent, Action: item.Action})
		}
	}

	current := make(map[string]struct{}, len(res.Blocked))
	var fresh []string
	d.mu.Lock()
	for _, id := range res.Blocked {
		current[id] = struct{}{}
		if _, seen := d.blocked[id]; !seen {
			fresh = append(fresh, id)
		}
	}
	d.blocked = current
	d.mu.Unlock()

	for _, id := range fresh {
		d.emit(Event{Type: EventItemBlocked, ItemID: id, Message: "a dependency failed"})
	}
}

// Hold keeps items for source out of dispatch until the deadline passes or
// Release is called. Items stay ready and keep their place.
func (d *Dispatcher) Hold(source string, until time.Time) {
	d.mu.Lock()
	d.held[source] = until
	d.mu.Unlock()
	d.logger.Info("holding collaborator", zap.String("source", source), zap.Time("until", until))
}

// Release lets items for source dispatch again.
func (d *Dispatcher) Release(source string) {
	d.mu.Lock()
	_, ok := d.held[source]
	delete(d.held, source)
	d.mu.Unlock()
	if ok {
		d.logger.Info("released collaborator", zap.String("source", source))
		d.wakeUp()
	}
}

// Held reports whether items for source are currently held. Expired holds are dropped.
func (d *Dispatcher) Held(source string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.held[source]
	if !ok {
		return false
	}
	if !d.now().Before(until) {
		delete(d.held, source)
		return false
	}
	return true
}

// HeldSources lists the collaborators currently held, sorted.
func (d *Dispatcher) HeldSources() []string {
	d.mu.Lock()
	now := d.now()
	out := make([]string, 0, len(d.held))
	for src, until := range d.held {
		if now.Before(until) {
			out = append(out, src)
		}
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// BatchSize returns how many items may currently run at once.
func (d *Dispatcher) BatchSize() int {
	return int(d.batch.Load())
}

// SetBatchSize changes the concurrency limit, never below one.
func (d *Dispatcher) SetBatchSize(n int) {
	n = max(1, n)
	if prev := d.batch.Swap(int64(n)); int(prev) != n {
		d.logger.Info("batch size changed", zap.Int64("from", prev), zap.Int("to", n))
	}
}

// ResetBatchSize restores the configured batch size.
func (d *Dispatcher) ResetBatchSize() {
	d.SetBatchSize(d.baseBatch)
}

// BreakerTransition reacts to a collaborator's breaker changing state. Wire
// it with breaker.OnTransition.
func (d *Dispatcher) BreakerTransition(key string, from, to breaker.State) {
	d.mu.Lock()
	d.breakerDirty = true
	d.mu.Unlock()

	switch to {
	case breaker.Open:
		if wait, rejecting := d.breakers.RetryAfter(key); rejecting {
			// Items for key are skipped until the cooldown ends; look again then.
			time.AfterFunc(wait, d.wakeUp)
		}
		d.emit(Event{Type: EventBreakerOpened, Source: key, Message: from.String() + " -> open"})
	case breaker.Closed:
		d.Release(key)
		d.emit(Event{Type: EventBreakerClosed, Source: key, Message: from.String() + " -> closed"})
	}
}

// HealthChanged reacts to the system health state changing. Wire it with
// health.StateMachine.Listen.
func (d *Dispatcher) HealthChanged(from, to health.SystemState) {
	if to == health.StateHealthy {
		d.ResetBatchSize()
	}
	d.emit(Event{Type: EventHealthChanged, Message: string(from) + " -> " + string(to)})
}

// RecoveryAttempt publishes recovery progress. Wire it with health.OnAttempt.
func (d *Dispatcher) RecoveryAttempt(a health.Attempt) {
	ev := Event{Source: a.Source, Message: fmt.Sprintf("%s via %s", a.Kind, a.Strategy)}
	switch a.Status {
	case health.AttemptInProgress:
		ev.Type = EventRecoveryStarted
	case health.AttemptSucceeded:
		ev.Type = EventRecoverySucceeded
	default:
		ev.Type = EventRecoveryFailed
		ev.Error = a.Error
	}
	d.emit(ev)
}

// PersistBreakers writes breaker snapshots to the store if any changed.
func (d *Dispatcher) PersistBreakers(ctx context.Context) {
	d.mu.Lock()
	d.breakerDirty = true
	d.mu.Unlock()
	d.persistBreakers(ctx)
}

func (d *Dispatcher) persistBreakers(ctx context.Context) {
	d.mu.Lock()
	dirty := d.breakerDirty
	d.breakerDirty = false
	d.mu.Unlock()
	if !dirty {
		return
	}
	if err := d.store.SaveBreakerSnapshots(ctx, d.breakers.Snapshot()); err != nil {
		d.logger.Warn("persist breaker snapshots", zap.Error(err))
		d.mu.Lock()
		d.breakerDirty = true
		d.mu.Unlock()
	}
}

func (d *Dispatcher) emit(ev Event) {
	if d.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}
	d.events.Emit(ev)
}
