package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
)

const systemPrompt = `You are the planning and judgment core of a browsing agent.
The agent can only run three browser actions: goto (needs a url), reload, snapshot.
Always answer with strict JSON and nothing else: no prose, no code fences.`

// LLM implements engine.Reasoner over a Provider.
type LLM struct {
	provider Provider
}

// New creates an LLM reasoner.
func New(provider Provider) *LLM {
	return &LLM{provider: provider}
}

// wire shapes for the JSON protocol.

type wireStep struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Tool                string   `json:"tool,omitempty"`
	ToolAction          string   `json:"toolAction,omitempty"`
	URL                 string   `json:"url,omitempty"`
	Phase               string   `json:"phase,omitempty"`
	Priority            int      `json:"priority,omitempty"`
	DependsOn           []string `json:"dependsOn,omitempty"`
	MaxAttempts         int      `json:"maxAttempts,omitempty"`
	ExpectedObservation string   `json:"expectedObservation,omitempty"`
	SuccessCriteria     string   `json:"successCriteria,omitempty"`
}

type wireCritique struct {
	OK    bool   `json:"ok"`
	Notes string `json:"notes,omitempty"`
}

type wireDecision struct {
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Response string `json:"response,omitempty"`
}

type wireJudgment struct {
	Completed bool   `json:"completed"`
	Reason    string `json:"reason,omitempty"`
}

// PlanSteps asks the provider for a step list toward the goal.
func (l *LLM) PlanSteps(ctx context.Context, goal string, rc engine.ReasonContext) ([]plan.Step, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	if rc.Playbook != "" {
		fmt.Fprintf(&b, "Advice from previous runs:\n%s\n\n", rc.Playbook)
	}
	if rc.Brief != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", rc.Brief)
	}
	if rc.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n\n", rc.LastError)
	}
	if len(rc.Steps) > 0 {
		b.WriteString("Current plan state:\n")
		for _, s := range rc.Steps {
			fmt.Fprintf(&b, "- %s %q status=%s attempts=%d/%d deps=%v\n",
				s.ID, s.Title, s.Status, s.Attempts, s.MaxAttempts, s.DependsOn)
		}
		b.WriteString("\nReturn only steps to ADD or steps to REWRITE. Reuse an existing id only to rewrite a pending step; never reuse ids of running, completed or failed steps.\n")
	}
	b.WriteString(`Respond with a JSON array of steps:
[{"id":"...","title":"...","tool":"playwright","toolAction":"goto|reload|snapshot","url":"...","phase":"observe|act|verify|recover","priority":0,"dependsOn":[],"successCriteria":"..."}]
Steps needing no browser action omit "tool". Keep ids stable and dependency-ordered. An empty array means the current plan stands.`)

	raw, err := l.provider.Complete(ctx, systemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	var wire []wireStep
	if err := decodeJSON(raw, &wire); err != nil {
		return nil, fmt.Errorf("planner returned malformed steps: %w", err)
	}

	steps := make([]plan.Step, 0, len(wire))
	for _, w := range wire {
		step := plan.Step{
			ID:                  w.ID,
			Title:               w.Title,
			Tool:                w.Tool,
			ToolAction:          w.ToolAction,
			Phase:               plan.Phase(w.Phase),
			Priority:            w.Priority,
			DependsOn:           w.DependsOn,
			MaxAttempts:         w.MaxAttempts,
			ExpectedObservation: w.ExpectedObservation,
			SuccessCriteria:     w.SuccessCriteria,
		}
		if w.URL != "" {
			step.ToolArgs = map[string]string{"url": w.URL}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Critique asks the provider to review a proposed plan.
func (l *LLM) Critique(ctx context.Context, steps []plan.Step) (engine.Critique, error) {
	var b strings.Builder
	b.WriteString("Review this plan for ordering problems, missing verification steps, or impossible actions:\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "- %s %q tool=%s action=%s deps=%v\n", s.ID, s.Title, s.Tool, s.ToolAction, s.DependsOn)
	}
	b.WriteString(`Respond with JSON: {"ok":true} or {"ok":false,"notes":"what to fix"}`)

	raw, err := l.provider.Complete(ctx, systemPrompt, b.String())
	if err != nil {
		return engine.Critique{}, err
	}
	var wire wireCritique
	if err := decodeJSON(raw, &wire); err != nil {
		return engine.Critique{}, fmt.Errorf("critique returned malformed json: %w", err)
	}
	return engine.Critique{OK: wire.OK, Notes: wire.Notes}, nil
}

// Decide resolves a tool-less step.
func (l *LLM) Decide(ctx context.Context, rc engine.ReasonContext) (engine.Decision, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", rc.Goal)
	if rc.Observation != "" {
		fmt.Fprintf(&b, "Step criteria: %s\n", rc.Observation)
	}
	if rc.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", rc.LastError)
	}
	b.WriteString(`Decide how to resolve the current step. Respond with JSON:
{"action":"respond","response":"..."} to answer directly,
{"action":"tool","toolName":"playwright","reason":"..."} if a browser pass is needed first,
{"action":"wait_human","reason":"..."} if a human must approve before continuing.`)

	raw, err := l.provider.Complete(ctx, systemPrompt, b.String())
	if err != nil {
		return engine.Decision{}, err
	}
	var wire wireDecision
	if err := decodeJSON(raw, &wire); err != nil {
		return engine.Decision{}, fmt.Errorf("decision returned malformed json: %w", err)
	}

	action := engine.DecisionAction(wire.Action)
	switch action {
	case engine.DecideRespond, engine.DecideTool, engine.DecideWaitHuman:
	default:
		return engine.Decision{}, fmt.Errorf("decision returned unknown action %q", wire.Action)
	}
	return engine.Decision{
		Action:   action,
		Reason:   wire.Reason,
		ToolName: wire.ToolName,
		Response: wire.Response,
	}, nil
}

// JudgeStepOutcome asks the provider whether the observation satisfies the
// step's success criteria.
func (l *LLM) JudgeStepOutcome(ctx context.Context, step plan.Step, observation string) (bool, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", step.Title)
	if step.SuccessCriteria != "" {
		fmt.Fprintf(&b, "Success criteria: %s\n", step.SuccessCriteria)
	}
	if step.ExpectedObservation != "" {
		fmt.Fprintf(&b, "Expected observation: %s\n", step.ExpectedObservation)
	}
	fmt.Fprintf(&b, "\nActual observation:\n%s\n", observation)
	b.WriteString(`Respond with JSON: {"completed":true|false,"reason":"..."}`)

	raw, err := l.provider.Complete(ctx, systemPrompt, b.String())
	if err != nil {
		return false, "", err
	}
	var wire wireJudgment
	if err := decodeJSON(raw, &wire); err != nil {
		return false, "", fmt.Errorf("judgment returned malformed json: %w", err)
	}
	return wire.Completed, wire.Reason, nil
}

// decodeJSON tolerates code fences and surrounding prose by slicing out
// the outermost JSON value before unmarshalling.
func decodeJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}

	start := strings.IndexAny(raw, "[{")
	if start < 0 {
		return fmt.Errorf("no json value in %q", snippet(raw))
	}
	end := strings.LastIndexAny(raw, "]}")
	if end < start {
		return fmt.Errorf("unterminated json value in %q", snippet(raw))
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}

func snippet(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
