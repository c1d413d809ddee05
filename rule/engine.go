package rule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/canopy/component"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/metric"
	"github.com/c360/canopy/pkg/timestamp"
)

// Static interface checks
var (
	_ component.Component     = (*Engine)(nil)
	_ component.HealthChecker = (*Engine)(nil)
)

// RuleSource loads rule definitions. *catalog.Catalog satisfies it.
type RuleSource interface {
	// LoadEnabledRules returns enabled rules ordered by position
	// ascending, id ascending.
	LoadEnabledRules() ([]Rule, error)
}

// ChannelSource enumerates the known output channels. *catalog.Catalog
// satisfies it.
type ChannelSource interface {
	OutputChannelNames() ([]string, error)
}

// OutputWriter receives the desired value for each output channel once
// per run. *dispatch.Dispatcher satisfies it.
type OutputWriter interface {
	WriteOutputValue(channel string, value float64) error
}

// RuleStatus is the annotated result of evaluating one rule during the
// most recent run.
type RuleStatus struct {
	RuleID      int64       `json:"rule_id"`
	Name        string      `json:"name"`
	Matched     bool        `json:"matched"`
	Root        *NodeStatus `json:"conditions"`
	EvaluatedAt int64       `json:"evaluated_at"`
}

// Engine runs the rule evaluation loop: a periodic tick plus immediate
// triggered runs on new telemetry or rule mutation. Runs never overlap;
// a trigger arriving mid-run is coalesced into exactly one follow-up run.
type Engine struct {
	rules     RuleSource
	channels  ChannelSource
	evaluator *Evaluator
	writer    OutputWriter
	logger    *slog.Logger

	tickInterval time.Duration

	// trigger has capacity 1: a send during an in-progress run parks
	// one follow-up run, and further sends are dropped.
	trigger chan struct{}

	// Last completed run's results, replaced atomically per run.
	mu            sync.RWMutex
	activeRuleIDs map[int64]bool
	ruleStatuses  map[int64]*RuleStatus

	// Lifecycle
	started     atomic.Bool
	startedAt   atomic.Int64
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex

	loadFailures atomic.Int64

	metrics *engineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the evaluator's clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.evaluator.now = now
	}
}

// NewEngine creates a rule engine.
func NewEngine(
	rules RuleSource,
	channels ChannelSource,
	values ValueReader,
	writer OutputWriter,
	tickInterval time.Duration,
	logger *slog.Logger,
	registry *metric.Registry,
	opts ...Option,
) *Engine {
	e := &Engine{
		rules:         rules,
		channels:      channels,
		evaluator:     NewEvaluator(values, logger),
		writer:        writer,
		logger:        logger.With("component", "rule-engine"),
		tickInterval:  tickInterval,
		trigger:       make(chan struct{}, 1),
		activeRuleIDs: make(map[int64]bool),
		ruleStatuses:  make(map[int64]*RuleStatus),
		metrics:       newEngineMetrics(registry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements component.Component.
func (e *Engine) Name() string { return "rule-engine" }

// Initialize implements component.Component.
func (e *Engine) Initialize() error { return nil }

// Start launches the run loop and performs an immediate first run.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Engine", "Start", "check started state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.runLoop(runCtx)

	e.startedAt.Store(timestamp.Now())
	e.started.Store(true)
	e.Trigger()
	return nil
}

// Stop stops the run loop. An in-progress run completes first.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.started.Load() {
		return nil
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Engine", "Stop", "wait for run loop")
	}

	e.started.Store(false)
	return nil
}

// Health implements component.HealthChecker. ErrorCount counts runs
// skipped because rules could not be loaded.
func (e *Engine) Health() component.HealthStatus {
	h := component.HealthStatus{
		Healthy:    e.started.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(e.loadFailures.Load()),
	}
	if h.Healthy {
		h.Uptime = time.Since(timestamp.FromUnixMs(e.startedAt.Load()))
	}
	return h
}

// Trigger requests an immediate run. Safe to call from any goroutine;
// triggers during an in-progress run coalesce into one follow-up run.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// ActiveRuleIDs returns the IDs of rules that matched during the most
// recent run, sorted ascending.
func (e *Engine) ActiveRuleIDs() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]int64, 0, len(e.activeRuleIDs))
	for id := range e.activeRuleIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RuleStatuses returns the annotated evaluation results of the most
// recent run. The returned statuses are immutable.
func (e *Engine) RuleStatuses() map[int64]*RuleStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	statuses := make(map[int64]*RuleStatus, len(e.ruleStatuses))
	for id, status := range e.ruleStatuses {
		statuses[id] = status
	}
	return statuses
}

// runLoop serializes all runs: tick, trigger, and the initial run all
// arrive here, so runs can never overlap.
func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Run()
		case <-e.trigger:
			e.Run()
		}
	}
}

// Run executes one full engine tick: load rules, evaluate, resolve
// desired output values with last-match-wins priority, publish results,
// and write every channel through the dispatcher.
//
// Exported for callers that need a synchronous run (tests, manual API
// runs); the run loop is the only caller in normal operation.
func (e *Engine) Run() {
	start := time.Now()
	e.metrics.trackRun()

	rules, err := e.rules.LoadEnabledRules()
	if err != nil {
		e.loadFailures.Add(1)
		e.logger.Error("failed to load rules, skipping run", "error", err)
		return
	}

	// Default-off policy: every known output channel reverts to 0
	// unless a matching rule sets it this run.
	desired := make(map[string]float64)
	channels, err := e.channels.OutputChannelNames()
	if err != nil {
		e.logger.Warn("failed to load output channels, defaulting touched channels only", "error", err)
	}
	for _, channel := range channels {
		desired[channel] = 0
	}

	now := timestamp.Now()
	active := make(map[int64]bool)
	statuses := make(map[int64]*RuleStatus, len(rules))

	for _, r := range rules {
		status := e.evaluateRule(r, now)
		if status == nil {
			// Evaluation failed; this rule contributes nothing.
			continue
		}
		statuses[r.ID] = status
		if !status.Matched {
			continue
		}

		active[r.ID] = true
		// Position order is priority order: later rules override
		// earlier ones for the same channel.
		desired[r.Action.Channel] = e.resolveActionValue(r.Action)
	}

	// Publish the new result sets atomically: readers never observe a
	// partially updated run.
	e.mu.Lock()
	e.activeRuleIDs = active
	e.ruleStatuses = statuses
	e.mu.Unlock()
	e.metrics.trackActive(len(active))

	// Deterministic write order keeps logs and tests stable.
	ordered := make([]string, 0, len(desired))
	for channel := range desired {
		ordered = append(ordered, channel)
	}
	sort.Strings(ordered)

	for _, channel := range ordered {
		if err := e.writer.WriteOutputValue(channel, desired[channel]); err != nil {
			e.logger.Warn("output write failed", "channel", channel, "error", err)
		}
	}

	e.metrics.trackRunDuration(time.Since(start))
}

// evaluateRule evaluates one rule in isolation: a panic or failure in
// one rule must not abort the run.
func (e *Engine) evaluateRule(r Rule, now int64) (status *RuleStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule evaluation panicked, skipping rule",
				"rule_id", r.ID, "rule_name", r.Name, "panic", rec)
			e.metrics.trackRuleError(r.Name)
			status = nil
		}
	}()

	root := e.evaluator.Evaluate(r.Conditions)
	e.metrics.trackEvaluation(r.Name, root.Matched)

	return &RuleStatus{
		RuleID:      r.ID,
		Name:        r.Name,
		Matched:     root.Matched,
		Root:        root,
		EvaluatedAt: now,
	}
}

// resolveActionValue resolves a matched rule's action to a concrete
// output value. Missing sensors in calculated actions default to 0.
func (e *Engine) resolveActionValue(action Action) float64 {
	if calc := action.Value.Calculated; calc != nil {
		a, _ := e.evaluator.sensorValue(calc.SensorA)
		b := 0.0
		if calc.SensorB != "" {
			b, _ = e.evaluator.sensorValue(calc.SensorB)
		}
		return (a-b)*calc.Factor + calc.Offset
	}
	if action.Value.Number != nil {
		return *action.Value.Number
	}
	return 0
}
