package engine

import (
	"context"

	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
)

// ReasonContext is what the reasoner sees when planning or deciding.
type ReasonContext struct {
	Goal        string
	Playbook    string
	Brief       string
	LastError   string
	Observation string
	Preferences map[string]string
	Steps       []plan.Step
}

// Critique is the reasoner's verdict on a proposed plan.
type Critique struct {
	OK    bool
	Notes string
}

// DecisionAction is what a tool-less step resolves to.
type DecisionAction string

const (
	DecideRespond   DecisionAction = "respond"
	DecideTool      DecisionAction = "tool"
	DecideWaitHuman DecisionAction = "wait_human"
)

// Decision is the reasoner's call for a step that names no tool.
type Decision struct {
	Action   DecisionAction
	Reason   string
	ToolName string
	Response string
}

// Reasoner is the external decision-making collaborator. All calls are
// black boxes with bounded latency; failures surface as run faults.
type Reasoner interface {
	PlanSteps(ctx context.Context, goal string, rc ReasonContext) ([]plan.Step, error)
	Critique(ctx context.Context, steps []plan.Step) (Critique, error)
	Decide(ctx context.Context, rc ReasonContext) (Decision, error)
	// JudgeStepOutcome reports whether the step's success criteria were met
	// given the observation, with a short reason.
	JudgeStepOutcome(ctx context.Context, step plan.Step, observation string) (bool, string, error)
}
