// Package plan holds the step graph for a single run: the step arena,
// dependency bookkeeping, and the status state machine the execution loop
// drives. The plan is owned by exactly one run loop and is not safe for
// concurrent mutation.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Phase classifies what a step is for. The engine only gives recover steps
// special treatment during loop recovery; the rest is advisory context for
// the reasoner.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseAct     Phase = "act"
	PhaseVerify  Phase = "verify"
	PhaseRecover Phase = "recover"
	PhaseUnset   Phase = ""
)

// DefaultMaxAttempts is applied to steps that arrive without a ceiling.
const DefaultMaxAttempts = 3

var (
	// ErrStepConflict is returned when an incoming step reuses the id of a
	// step that is no longer pending.
	ErrStepConflict = errors.New("step id conflicts with non-pending step")

	// ErrCycle is returned when a merge would introduce a dependency cycle.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownStep is returned for status transitions on missing ids.
	ErrUnknownStep = errors.New("unknown step id")
)

// Step is a unit of planned work. Ids are assigned by the planner and stay
// stable across replans.
type Step struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Status              Status            `json:"status"`
	Tool                string            `json:"tool,omitempty"` // empty = reasoner-only step
	ToolAction          string            `json:"toolAction,omitempty"`
	ToolArgs            map[string]string `json:"toolArgs,omitempty"`
	Phase               Phase             `json:"phase,omitempty"`
	Priority            int               `json:"priority"`
	DependsOn           []string          `json:"dependsOn,omitempty"`
	Attempts            int               `json:"attempts"`
	MaxAttempts         int               `json:"maxAttempts"`
	ExpectedObservation string            `json:"expectedObservation,omitempty"`
	SuccessCriteria     string            `json:"successCriteria,omitempty"`
	SnapshotID          string            `json:"snapshotId,omitempty"`
	LogCount            int               `json:"logCount"`
	LastError           string            `json:"lastError,omitempty"`
	UpdatedAt           time.Time         `json:"updatedAt"`

	// seq is the insertion index, used as the stable tiebreak in ReadyStep.
	seq int
}

// Terminal reports whether the step can never run again.
func (s *Step) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Plan is the id-indexed step arena for one run.
type Plan struct {
	steps map[string]*Step
	order []string // insertion order of step ids
}

// New returns an empty plan.
func New() *Plan {
	return &Plan{steps: make(map[string]*Step)}
}

// Restore rebuilds a plan from a checkpointed step slice, preserving the
// slice order as insertion order. Steps checkpointed as running are reset
// to pending: running never survives a restart.
func Restore(steps []Step) *Plan {
	p := New()
	for i := range steps {
		s := steps[i] // copy
		if s.Status == StatusRunning {
			s.Status = StatusPending
		}
		s.seq = len(p.order)
		p.steps[s.ID] = &s
		p.order = append(p.order, s.ID)
	}
	return p
}

// Steps returns all steps in insertion order. The returned slice holds
// copies; mutating it does not touch the plan.
func (p *Plan) Steps() []Step {
	out := make([]Step, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.steps[id])
	}
	return out
}

// Get returns the step with the given id, or nil.
func (p *Plan) Get(id string) *Step {
	return p.steps[id]
}

// Len returns the number of steps in the arena.
func (p *Plan) Len() int {
	return len(p.order)
}

// AddOrReplaceSteps merges a planned (or replanned) step set into the
// arena. An incoming step whose id matches an existing pending step
// replaces it wholesale; ids matching running/completed/failed steps are
// rejected so work in progress is never corrupted. The merge is rejected
// as a whole if the resulting dependency graph would contain a cycle.
// Returns the ids actually applied.
func (p *Plan) AddOrReplaceSteps(incoming []Step) ([]string, error) {
	accepted := make([]Step, 0, len(incoming))
	for i := range incoming {
		s := incoming[i]
		if existing, ok := p.steps[s.ID]; ok && existing.Status != StatusPending {
			continue // conflict, skip per merge rule
		}
		accepted = append(accepted, s)
	}
	if len(accepted) == 0 {
		if len(incoming) > 0 {
			return nil, fmt.Errorf("%w: no incoming step was applicable", ErrStepConflict)
		}
		return nil, nil
	}

	if err := p.checkCycles(accepted); err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(accepted))
	now := time.Now()
	for i := range accepted {
		s := accepted[i]
		if s.Status == "" {
			s.Status = StatusPending
		}
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = DefaultMaxAttempts
		}
		s.UpdatedAt = now
		if existing, ok := p.steps[s.ID]; ok {
			// Replacing a pending step keeps its place in insertion order
			// and its attempt history.
			s.seq = existing.seq
			s.Attempts = existing.Attempts
			s.Status = StatusPending
			*existing = s
		} else {
			s.seq = len(p.order)
			p.order = append(p.order, s.ID)
			stored := s
			p.steps[s.ID] = &stored
		}
		applied = append(applied, s.ID)
	}
	return applied, nil
}

// checkCycles runs a DFS over the union of current and incoming steps.
// Dependencies on ids absent from the union are tolerated here (they leave
// the step permanently unready, which stall detection handles), but a
// cycle is a hard validation error.
func (p *Plan) checkCycles(incoming []Step) error {
	deps := make(map[string][]string, len(p.steps)+len(incoming))
	for id, s := range p.steps {
		deps[id] = s.DependsOn
	}
	for i := range incoming {
		deps[incoming[i].ID] = incoming[i].DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: involving step %q", ErrCycle, id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// ReadyStep selects the next runnable step: pending, all dependencies
// completed, highest priority first, insertion order as the tiebreak.
// Returns nil when nothing qualifies.
func (p *Plan) ReadyStep() *Step {
	var best *Step
	for _, id := range p.order {
		s := p.steps[id]
		if s.Status != StatusPending || !p.depsCompleted(s) {
			continue
		}
		if best == nil || s.Priority > best.Priority {
			best = s
		}
	}
	return best
}

func (p *Plan) depsCompleted(s *Step) bool {
	for _, dep := range s.DependsOn {
		d, ok := p.steps[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkRunning transitions a pending step to running.
func (p *Plan) MarkRunning(id string) error {
	s, ok := p.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status != StatusPending {
		return fmt.Errorf("cannot run step %s in status %s", id, s.Status)
	}
	s.Status = StatusRunning
	s.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted transitions a running step to completed. Completed is
// terminal.
func (p *Plan) MarkCompleted(id string) error {
	s, ok := p.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status != StatusRunning {
		return fmt.Errorf("cannot complete step %s in status %s", id, s.Status)
	}
	s.Status = StatusCompleted
	s.LastError = ""
	s.UpdatedAt = time.Now()
	return nil
}

// MarkFailed records a failed attempt. Below the attempt ceiling the step
// reverts to pending for retry; at the ceiling it fails terminally.
func (p *Plan) MarkFailed(id string, cause error) error {
	s, ok := p.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status != StatusRunning {
		return fmt.Errorf("cannot fail step %s in status %s", id, s.Status)
	}
	if cause != nil {
		s.LastError = cause.Error()
	}
	s.Attempts++
	if s.Attempts >= s.MaxAttempts {
		s.Status = StatusFailed
	} else {
		s.Status = StatusPending
	}
	s.UpdatedAt = time.Now()
	return nil
}

// Release returns a running step to pending without counting an attempt.
// Used when a step is suspended (e.g. on a human-approval gate) rather
// than failed.
func (p *Plan) Release(id string) error {
	s, ok := p.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status != StatusRunning {
		return fmt.Errorf("cannot release step %s in status %s", id, s.Status)
	}
	s.Status = StatusPending
	s.UpdatedAt = time.Now()
	return nil
}

// ResetForRetry returns a terminally failed step to pending without
// touching its attempt count. Recovery logic uses this when a replan
// decides a failed step deserves another round under a raised ceiling.
func (p *Plan) ResetForRetry(id string, newMaxAttempts int) error {
	s, ok := p.steps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if s.Status != StatusFailed {
		return fmt.Errorf("cannot reset step %s in status %s", id, s.Status)
	}
	if newMaxAttempts > s.MaxAttempts {
		s.MaxAttempts = newMaxAttempts
	}
	if s.Attempts >= s.MaxAttempts {
		return fmt.Errorf("step %s has no attempts left", id)
	}
	s.Status = StatusPending
	s.UpdatedAt = time.Now()
	return nil
}

// Progress summarizes the arena by status.
type Progress struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// Summary counts steps by status.
func (p *Plan) Summary() Progress {
	var pr Progress
	for _, id := range p.order {
		switch p.steps[id].Status {
		case StatusPending:
			pr.Pending++
		case StatusRunning:
			pr.Running++
		case StatusCompleted:
			pr.Completed++
		case StatusFailed:
			pr.Failed++
		}
	}
	return pr
}

// Stalled reports whether pending steps remain but none is runnable:
// the dependency graph is blocked on failed or missing predecessors.
func (p *Plan) Stalled() bool {
	pr := p.Summary()
	return pr.Pending > 0 && pr.Running == 0 && p.ReadyStep() == nil
}
