// Package engine is the autonomous task-execution core: it turns a goal
// into a dependency-aware plan, executes steps against the tool gateway,
// detects repetitive non-progress, persists resumable checkpoints, and
// leaves an auditable trail of every decision.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// Event is pushed to the optional sink on every notable transition, so a
// websocket feed can mirror the audit trail live.
type Event struct {
	RunID   string    `json:"run_id"`
	Type    string    `json:"type"`
	StepID  string    `json:"step_id,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives engine events. It must not block.
type EventSink func(Event)

// Outcome is the structured result of a run. The caller never observes a
// raw fault; run-level exceptions are folded into a failed outcome with a
// correlation id.
type Outcome struct {
	RunID         string        `json:"run_id"`
	Status        RunStatus     `json:"status"`
	Progress      plan.Progress `json:"progress"`
	LastError     string        `json:"last_error,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Response      string        `json:"response,omitempty"`
}

// Config wires one run's collaborators. Settings travel explicitly; there
// is no process-global engine state, so concurrent runs with different
// settings are safe.
type Config struct {
	RunID       string
	Goal        string
	Settings    Settings
	Preferences map[string]string
	Playbook    string

	Reasoner    Reasoner
	Gateway     *gateway.Gateway
	Checkpoints *CheckpointManager
	Audits      *store.AuditStore
	Sink        EventSink
}

// Engine drives a single run. It owns the in-memory plan exclusively and
// executes one step at a time; dependencies make intra-run parallelism an
// explicit non-goal.
type Engine struct {
	runID    string
	goal     string
	settings Settings
	prefs    map[string]string
	playbook string

	reasoner    Reasoner
	gateway     *gateway.Gateway
	checkpoints *CheckpointManager
	audits      *store.AuditStore
	sink        EventSink
	logger      *slog.Logger

	plan  *plan.Plan
	guard *LoopGuard
	cp    *Checkpoint

	// pendingGrant is the only field written from outside the run
	// goroutine. The loop drains it at iteration top; everything else on
	// the engine stays single-owner.
	grantMu      sync.Mutex
	pendingGrant string

	recent               []StepEvent
	stepsExecuted        int
	completedSinceReplan int
}

// New creates an engine for a fresh run.
func New(cfg Config) (*Engine, error) {
	if cfg.Reasoner == nil || cfg.Gateway == nil || cfg.Checkpoints == nil || cfg.Audits == nil {
		return nil, errors.New("engine requires reasoner, gateway, checkpoint manager and audit store")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	settings := cfg.Settings.normalized()
	e := &Engine{
		runID:       cfg.RunID,
		goal:        cfg.Goal,
		settings:    settings,
		prefs:       cfg.Preferences,
		playbook:    cfg.Playbook,
		reasoner:    cfg.Reasoner,
		gateway:     cfg.Gateway,
		checkpoints: cfg.Checkpoints,
		audits:      cfg.Audits,
		sink:        cfg.Sink,
		logger:      slog.Default().With("component", "engine", "run", cfg.RunID),
		plan:        plan.New(),
		guard:       NewLoopGuard(settings),
	}
	e.cp = &Checkpoint{
		RunID:       e.runID,
		Goal:        e.goal,
		Status:      StatusRunning,
		Settings:    e.settings,
		Preferences: e.prefs,
	}
	return e, nil
}

// Resume rebuilds an engine from a run's checkpoint. Steps checkpointed as
// running come back pending with attempts untouched.
func Resume(ctx context.Context, cfg Config, runID string) (*Engine, error) {
	if cfg.Checkpoints == nil {
		return nil, errors.New("engine requires a checkpoint manager")
	}
	cp, err := cfg.Checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	cfg.RunID = runID
	cfg.Goal = cp.Goal
	cfg.Settings = cp.Settings
	if cfg.Preferences == nil {
		cfg.Preferences = cp.Preferences
	}
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	e.plan = plan.Restore(cp.Steps)
	now := time.Now()
	cp.ResumedAt = &now
	cp.Status = StatusRunning
	e.cp = cp
	return e, nil
}

// RunID returns the run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Approve grants a pending human-approval gate. It only takes effect if
// the step id matches the requested gate. Safe to call from any goroutine
// while the run loop is live; the loop picks the grant up at the top of
// its next iteration.
func (e *Engine) Approve(stepID string) {
	e.grantMu.Lock()
	e.pendingGrant = stepID
	e.grantMu.Unlock()
}

// takeGrant consumes a grant handed in via Approve, or returns "".
func (e *Engine) takeGrant() string {
	e.grantMu.Lock()
	defer e.grantMu.Unlock()
	g := e.pendingGrant
	e.pendingGrant = ""
	return g
}

// Run executes the loop until the run reaches a terminal state, suspends
// on a human-approval gate, or the context is cancelled. It never returns
// a raw fault.
func (e *Engine) Run(ctx context.Context) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.New().String()
			e.logger.Error("run fault", "panic", r, "correlation_id", correlationID)
			e.audit(ctx, "", store.LevelError, "run fault", map[string]string{
				"panic":    fmt.Sprint(r),
				"error_id": correlationID,
			})
			e.cp.Status = StatusFailed
			e.cp.LastError = fmt.Sprintf("run fault: %v", r)
			e.persist(ctx)
			outcome = e.outcome(StatusFailed, correlationID)
		}
	}()

	if e.plan.Len() == 0 {
		if err := e.initialPlan(ctx); err != nil {
			correlationID := uuid.New().String()
			e.cp.Status = StatusFailed
			e.cp.LastError = err.Error()
			e.audit(ctx, "", store.LevelError, "planning failed", map[string]string{
				"error": err.Error(), "error_id": correlationID,
			})
			e.persist(ctx)
			return e.outcome(StatusFailed, correlationID)
		}
	}

	for {
		// Cancellation is acknowledged between iterations only; in-flight
		// gateway calls always finish so the tool is never left mid-action.
		if ctx.Err() != nil {
			e.cp.Status = StatusStopped
			e.audit(context.WithoutCancel(ctx), "", store.LevelWarning, "run stopped", nil)
			e.persist(context.WithoutCancel(ctx))
			return e.outcome(StatusStopped, "")
		}

		if suspended := e.checkApprovalGate(ctx); suspended {
			return e.outcome(StatusWaitingApproval, "")
		}

		step := e.plan.ReadyStep()
		if step == nil {
			if done, oc := e.maybeFinish(ctx); done {
				return oc
			}
			// Stalled: pending steps exist but none is runnable.
			if !e.replan(ctx, "stalled: pending steps blocked by failed or missing dependencies") {
				e.cp.Status = StatusFailed
				e.cp.LastError = "stalled with replan budget exhausted"
				e.audit(ctx, "", store.LevelError, "run failed", map[string]string{"reason": e.cp.LastError})
				e.persist(ctx)
				return e.outcome(StatusFailed, "")
			}
			continue
		}

		if e.stepsExecuted >= e.settings.MaxSteps {
			e.cp.Status = StatusFailed
			e.cp.LastError = fmt.Sprintf("step budget exhausted after %d steps", e.stepsExecuted)
			e.audit(ctx, "", store.LevelError, "run failed", map[string]string{"reason": e.cp.LastError})
			e.persist(ctx)
			return e.outcome(StatusFailed, "")
		}

		if sig := e.guard.Observe(e.recent); sig != nil {
			e.handleLoopSignal(ctx, sig)
			if ctx.Err() != nil {
				continue // cancellation wins over the next dispatch
			}
		}

		e.executeStep(ctx, step)
	}
}

// initialPlan asks the reasoner for the first step set, runs the critique
// loop within the self-check budget, and merges the result.
func (e *Engine) initialPlan(ctx context.Context) error {
	rc := e.reasonContext("")
	steps, err := e.reasoner.PlanSteps(ctx, e.goal, rc)
	if err != nil {
		return fmt.Errorf("reasoner planning failed: %w", err)
	}

	for check := 0; check < e.settings.MaxSelfChecks; check++ {
		critique, err := e.reasoner.Critique(ctx, steps)
		if err != nil {
			e.audit(ctx, "", store.LevelWarning, "critique failed", map[string]string{"error": err.Error()})
			break
		}
		if critique.OK {
			break
		}
		e.audit(ctx, "", store.LevelInfo, "plan revised after critique", map[string]string{"notes": critique.Notes})
		rc.Brief = critique.Notes
		steps, err = e.reasoner.PlanSteps(ctx, e.goal, rc)
		if err != nil {
			return fmt.Errorf("reasoner planning failed: %w", err)
		}
	}

	applied, err := e.plan.AddOrReplaceSteps(e.withDefaults(steps))
	if err != nil {
		return fmt.Errorf("plan rejected: %w", err)
	}
	e.audit(ctx, "", store.LevelInfo, "plan created", map[string]string{
		"steps": fmt.Sprint(len(applied)),
	})
	e.emit("plan_created", "", fmt.Sprintf("%d steps", len(applied)))
	e.persist(ctx)
	return nil
}

// executeStep dispatches one step and settles its outcome.
func (e *Engine) executeStep(ctx context.Context, step *plan.Step) {
	if err := e.plan.MarkRunning(step.ID); err != nil {
		e.logger.Error("mark running failed", "step", step.ID, "error", err)
		return
	}
	e.stepsExecuted++
	e.cp.ActiveStepID = step.ID
	e.audit(ctx, step.ID, store.LevelInfo, "step started", map[string]string{"title": step.Title})
	e.emit("step_started", step.ID, step.Title)
	e.persist(ctx)

	var (
		completed   bool
		observation string
		url         string
		stepErr     error
	)

	if step.Tool != "" {
		result := e.gateway.Execute(ctx, e.runID, step.ID, gateway.Action(step.ToolAction), gateway.Args{
			URL: step.ToolArgs["url"],
		})
		// The gateway appended its own audit entry for this invocation.
		step.LogCount++
		url = result.URL
		if result.SnapshotID != "" {
			step.SnapshotID = result.SnapshotID
		}
		if !result.OK {
			// Deterministic rule: a failed tool call fails the step, no
			// judgment call needed.
			stepErr = fmt.Errorf("tool action failed: %s (correlation %s)", result.Err, result.ErrorID)
		} else {
			observation = result.Output
			completed, stepErr = e.judge(ctx, step, observation)
		}
	} else {
		decision, err := e.reasoner.Decide(ctx, e.reasonContext(step.SuccessCriteria))
		switch {
		case err != nil:
			stepErr = fmt.Errorf("reasoner decision failed: %w", err)
		case decision.Action == DecideWaitHuman:
			e.requestApproval(ctx, step, decision.Reason)
			return
		case decision.Action == DecideTool:
			// The reasoner wants a tool pass; rewrite intent into the
			// observation so the judgment has context.
			observation = fmt.Sprintf("reasoner deferred to tool %s: %s", decision.ToolName, decision.Reason)
			completed, stepErr = e.judge(ctx, step, observation)
		default: // respond
			observation = decision.Response
			completed = true
		}
	}

	if completed && stepErr == nil {
		if err := e.plan.MarkCompleted(step.ID); err != nil {
			e.logger.Error("mark completed failed", "step", step.ID, "error", err)
		}
		e.completedSinceReplan++
		e.audit(ctx, step.ID, store.LevelInfo, "step completed", map[string]string{"title": step.Title})
		e.emit("step_completed", step.ID, step.Title)
	} else {
		if stepErr == nil {
			stepErr = errors.New("success criteria not met")
		}
		if err := e.plan.MarkFailed(step.ID, stepErr); err != nil {
			e.logger.Error("mark failed failed", "step", step.ID, "error", err)
		}
		e.cp.LastError = stepErr.Error()
		level := store.LevelWarning
		if e.plan.Get(step.ID).Status == plan.StatusFailed {
			level = store.LevelError
		}
		e.audit(ctx, step.ID, level, "step failed", map[string]string{
			"title": step.Title,
			"error": stepErr.Error(),
		})
		e.emit("step_failed", step.ID, stepErr.Error())
	}

	e.recent = append(e.recent, StepEvent{
		Title:  step.Title,
		URL:    url,
		Status: e.plan.Get(step.ID).Status,
	})

	e.cp.ActiveStepID = ""
	e.persist(ctx)

	// Every failure and every replan-cadence boundary triggers a replan
	// pass; an exhausted budget is not fatal here, the run just continues
	// with what it has.
	if stepErr != nil || (e.settings.ReplanEverySteps > 0 && e.completedSinceReplan >= e.settings.ReplanEverySteps) {
		reason := "replan cadence reached"
		if stepErr != nil {
			reason = "step failure"
		}
		if e.replan(ctx, reason) {
			e.completedSinceReplan = 0
		}
	}
}

// judge asks the reasoner whether the step met its success criteria. A
// judgment fault counts against the step, tagged for cross-reference.
func (e *Engine) judge(ctx context.Context, step *plan.Step, observation string) (bool, error) {
	ok, reason, err := e.reasoner.JudgeStepOutcome(ctx, *step, observation)
	if err != nil {
		correlationID := uuid.New().String()
		e.audit(ctx, step.ID, store.LevelWarning, "judgment failed", map[string]string{
			"error": err.Error(), "error_id": correlationID,
		})
		return false, fmt.Errorf("judgment failed: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("success criteria not met: %s", reason)
	}
	return true, nil
}

// replan asks the reasoner for a revised step set within the run's replan
// budget. Returns false when the budget is exhausted.
func (e *Engine) replan(ctx context.Context, reason string) bool {
	if e.cp.ReplanCalls >= e.settings.MaxReplanCalls {
		e.audit(ctx, "", store.LevelWarning, "replan budget exhausted", map[string]string{"trigger": reason})
		return false
	}
	e.cp.ReplanCalls++

	rc := e.reasonContext("")
	rc.Brief = reason
	steps, err := e.reasoner.PlanSteps(ctx, e.goal, rc)
	if err != nil {
		e.audit(ctx, "", store.LevelError, "replan failed", map[string]string{
			"trigger": reason, "error": err.Error(),
		})
		return true // budget consumed, run continues with the current plan
	}

	applied, err := e.plan.AddOrReplaceSteps(e.withDefaults(steps))
	if err != nil {
		e.audit(ctx, "", store.LevelWarning, "replan rejected", map[string]string{
			"trigger": reason, "error": err.Error(),
		})
		return true
	}
	e.audit(ctx, "", store.LevelInfo, "replanned", map[string]string{
		"trigger": reason, "applied": fmt.Sprint(len(applied)),
	})
	e.emit("replanned", "", reason)
	e.persist(ctx)
	return true
}

// handleLoopSignal audits the detection, applies the scheduled backoff,
// and forces a replan once the streak shows backoff alone is not breaking
// the cycle.
func (e *Engine) handleLoopSignal(ctx context.Context, sig *LoopSignal) {
	delay := e.guard.Backoff()
	e.audit(ctx, "", store.LevelWarning, "loop detected", map[string]string{
		"reason":     sig.Reason,
		"pattern":    sig.Pattern,
		"streak":     fmt.Sprint(e.guard.Streak()),
		"backoff_ms": fmt.Sprint(delay.Milliseconds()),
	})
	e.emit("loop_detected", "", sig.Reason)

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	if e.guard.Streak() >= 2 {
		e.replan(ctx, fmt.Sprintf("loop guard: %s", sig.Reason))
	}
}

// requestApproval suspends the run on a human-approval gate. The step goes
// back to pending so resumption re-enters at the same step once approval
// arrives.
func (e *Engine) requestApproval(ctx context.Context, step *plan.Step, reason string) {
	if err := e.plan.Release(step.ID); err != nil {
		e.logger.Error("release for approval failed", "step", step.ID, "error", err)
	}
	e.cp.ApprovalRequestedStepID = step.ID
	now := time.Now()
	e.cp.ApprovalRequestedAt = &now
	e.cp.Status = StatusWaitingApproval
	e.audit(ctx, step.ID, store.LevelInfo, "approval requested", map[string]string{"reason": reason})
	e.emit("approval_requested", step.ID, reason)
	e.persist(ctx)
}

// checkApprovalGate suspends while an approval is outstanding and clears
// the gate once granted.
func (e *Engine) checkApprovalGate(ctx context.Context) bool {
	requested := e.cp.ApprovalRequestedStepID
	if requested == "" {
		return false
	}
	if granted := e.takeGrant(); granted != "" {
		e.cp.ApprovalGrantedStepID = granted
	}
	if e.cp.ApprovalGrantedStepID != requested {
		e.cp.Status = StatusWaitingApproval
		e.persist(ctx)
		return true
	}
	e.audit(ctx, requested, store.LevelInfo, "approval granted", nil)
	e.emit("approval_granted", requested, "")
	e.cp.ApprovalRequestedStepID = ""
	e.cp.ApprovalGrantedStepID = ""
	e.cp.ApprovalRequestedAt = nil
	e.cp.Status = StatusRunning
	e.persist(ctx)
	return false
}

// maybeFinish settles the run when no step is ready and none is pending.
func (e *Engine) maybeFinish(ctx context.Context) (bool, Outcome) {
	pr := e.plan.Summary()
	if pr.Pending > 0 {
		return false, Outcome{}
	}
	status := StatusCompleted
	if pr.Failed > 0 {
		status = StatusPartialFailure
	}
	e.cp.Status = status
	e.audit(ctx, "", store.LevelInfo, "run finished", map[string]string{
		"status":    string(status),
		"completed": fmt.Sprint(pr.Completed),
		"failed":    fmt.Sprint(pr.Failed),
	})
	e.emit("run_finished", "", string(status))
	e.persist(ctx)
	return true, e.outcome(status, "")
}

func (e *Engine) reasonContext(observation string) ReasonContext {
	return ReasonContext{
		Goal:        e.goal,
		Playbook:    e.playbook,
		Brief:       e.cp.Brief,
		LastError:   e.cp.LastError,
		Observation: observation,
		Preferences: e.prefs,
		Steps:       e.plan.Steps(),
	}
}

// withDefaults stamps run-level defaults onto incoming steps.
func (e *Engine) withDefaults(steps []plan.Step) []plan.Step {
	for i := range steps {
		if steps[i].MaxAttempts <= 0 {
			steps[i].MaxAttempts = e.settings.MaxStepAttempts
		}
	}
	return steps
}

// persist checkpoints the current plan state. A persistence failure is an
// accepted degradation: the run continues in memory and at most the last
// transition is lost on crash.
func (e *Engine) persist(ctx context.Context) {
	e.cp.Steps = e.plan.Steps()
	if err := e.checkpoints.Save(ctx, e.cp); err != nil {
		correlationID := uuid.New().String()
		e.logger.Error("checkpoint save failed", "error", err, "correlation_id", correlationID)
		e.audit(ctx, "", store.LevelError, "checkpoint save failed", map[string]string{
			"error": err.Error(), "error_id": correlationID,
		})
	}
}

// audit appends one entry and keeps the referenced step's log count in
// sync with the rows actually written for it.
func (e *Engine) audit(ctx context.Context, stepID, level, message string, meta map[string]string) {
	if _, err := e.audits.Append(ctx, store.AuditEntry{
		RunID:    e.runID,
		StepID:   stepID,
		Level:    level,
		Message:  message,
		Metadata: meta,
	}); err != nil {
		e.logger.Error("audit append failed", "error", err)
		return
	}
	if stepID == "" {
		return
	}
	if s := e.plan.Get(stepID); s != nil {
		s.LogCount++
	}
}

func (e *Engine) emit(eventType, stepID, message string) {
	if e.sink == nil {
		return
	}
	e.sink(Event{
		RunID:   e.runID,
		Type:    eventType,
		StepID:  stepID,
		Message: message,
		Time:    time.Now(),
	})
}

func (e *Engine) outcome(status RunStatus, correlationID string) Outcome {
	return Outcome{
		RunID:         e.runID,
		Status:        status,
		Progress:      e.plan.Summary(),
		LastError:     e.cp.LastError,
		CorrelationID: correlationID,
	}
}
