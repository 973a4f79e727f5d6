package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michalmatynia/geminitestapp-sub007/internal/db"
	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

type fakeReasoner struct {
	planFn    func(rc ReasonContext) ([]plan.Step, error)
	decideFn  func(rc ReasonContext) (Decision, error)
	judgeOK   bool
	judgeErr  error
	planCalls int
}

func (f *fakeReasoner) PlanSteps(ctx context.Context, goal string, rc ReasonContext) ([]plan.Step, error) {
	f.planCalls++
	if f.planFn == nil {
		return nil, nil
	}
	return f.planFn(rc)
}

func (f *fakeReasoner) Critique(ctx context.Context, steps []plan.Step) (Critique, error) {
	return Critique{OK: true}, nil
}

func (f *fakeReasoner) Decide(ctx context.Context, rc ReasonContext) (Decision, error) {
	if f.decideFn == nil {
		return Decision{Action: DecideRespond, Response: "done"}, nil
	}
	return f.decideFn(rc)
}

func (f *fakeReasoner) JudgeStepOutcome(ctx context.Context, step plan.Step, observation string) (bool, string, error) {
	if f.judgeErr != nil {
		return false, "", f.judgeErr
	}
	if !f.judgeOK {
		return false, "observation did not match criteria", nil
	}
	return true, "criteria met", nil
}

type fakeTool struct {
	navErr   error
	navCalls int
}

func (f *fakeTool) Navigate(ctx context.Context, url string) (*gateway.PageState, error) {
	f.navCalls++
	if f.navErr != nil {
		return nil, f.navErr
	}
	return &gateway.PageState{URL: url, Title: "Example Domain"}, nil
}

func (f *fakeTool) Reload(ctx context.Context) (*gateway.PageState, error) {
	return &gateway.PageState{URL: "https://example.com", Title: "Example Domain"}, nil
}

func (f *fakeTool) Capture(ctx context.Context) (*gateway.Capture, error) {
	return &gateway.Capture{
		URL:     "https://example.com",
		Title:   "Example Domain",
		Content: "- heading \"Example Domain\"",
	}, nil
}

type testRig struct {
	store    *store.Store
	reasoner *fakeReasoner
	tool     *fakeTool
	events   []Event
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testRig{
		store:    store.New(conn),
		reasoner: &fakeReasoner{judgeOK: true},
		tool:     &fakeTool{},
	}
}

func (r *testRig) config(settings Settings) Config {
	return Config{
		Goal:        "check homepage status",
		Settings:    settings,
		Reasoner:    r.reasoner,
		Gateway:     gateway.New(r.tool, r.store.Audits, r.store.Snapshots),
		Checkpoints: NewCheckpointManager(r.store.Checkpoints),
		Audits:      r.store.Audits,
		Sink:        func(e Event) { r.events = append(r.events, e) },
	}
}

func browseSteps() []plan.Step {
	return []plan.Step{
		{
			ID: "step-a", Title: "open homepage",
			Tool: "playwright", ToolAction: "goto",
			ToolArgs:        map[string]string{"url": "https://example.com"},
			Phase:           plan.PhaseAct,
			SuccessCriteria: "homepage loads",
		},
		{
			ID: "step-b", Title: "capture homepage",
			Tool: "playwright", ToolAction: "snapshot",
			DependsOn:       []string{"step-a"},
			Phase:           plan.PhaseObserve,
			SuccessCriteria: "snapshot shows the page heading",
		},
	}
}

func TestRunCompletesTwoStepBrowseScenario(t *testing.T) {
	rig := newRig(t)
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if rc.Brief != "" || len(rc.Steps) > 0 {
			return nil, nil // replans add nothing
		}
		return browseSteps(), nil
	}

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)

	outcome := eng.Run(context.Background())
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, 2, outcome.Progress.Completed)
	require.Zero(t, outcome.Progress.Failed)

	ctx := context.Background()

	// Exactly one snapshot, attributed to step-b
	snaps, err := rig.store.Snapshots.Recent(ctx, eng.RunID(), "step-b", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	// At least one dispatched-action audit per tool step, plus lifecycle
	// entries around them
	entries, err := rig.store.Audits.Recent(ctx, eng.RunID(), "", 200)
	require.NoError(t, err)
	var dispatched, lifecycle int
	for _, e := range entries {
		switch e.Message {
		case "action executed":
			dispatched++
		case "step started", "step completed":
			lifecycle++
		}
	}
	require.GreaterOrEqual(t, dispatched, 2)
	require.GreaterOrEqual(t, lifecycle, 4)

	// The checkpoint reflects the finished run
	loaded, err := NewCheckpointManager(rig.store.Checkpoints).Load(ctx, eng.RunID())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, loaded.Status)
	require.Empty(t, loaded.ActiveStepID)

	// Snapshot back-reference landed on the step
	for _, s := range loaded.Steps {
		if s.ID == "step-b" {
			require.Equal(t, snaps[0].ID, s.SnapshotID)
		}
	}

	// Each step's log count matches the audit rows written for it:
	// started, action executed, completed.
	for _, s := range loaded.Steps {
		n, err := rig.store.Audits.CountForStep(ctx, eng.RunID(), s.ID)
		require.NoError(t, err)
		require.Equal(t, n, s.LogCount, "step %s", s.ID)
		require.Equal(t, 3, s.LogCount, "step %s", s.ID)
	}
}

func TestStepExhaustsAttemptBudgetTerminally(t *testing.T) {
	rig := newRig(t)
	rig.tool.navErr = errors.New("net::ERR_CONNECTION_REFUSED")
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if len(rc.Steps) > 0 {
			return nil, nil
		}
		return []plan.Step{{
			ID: "step-x", Title: "open homepage",
			Tool: "playwright", ToolAction: "goto",
			ToolArgs:    map[string]string{"url": "https://example.com"},
			MaxAttempts: 2,
		}}, nil
	}

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)

	outcome := eng.Run(context.Background())
	require.Equal(t, StatusPartialFailure, outcome.Status)
	require.Equal(t, 1, outcome.Progress.Failed)

	// The tool saw exactly two attempts, never a third
	require.Equal(t, 2, rig.tool.navCalls)

	loaded, err := NewCheckpointManager(rig.store.Checkpoints).Load(context.Background(), eng.RunID())
	require.NoError(t, err)
	require.Equal(t, plan.StatusFailed, loaded.Steps[0].Status)
	require.Equal(t, 2, loaded.Steps[0].Attempts)
}

func TestStallWithExhaustedReplanBudgetFailsRun(t *testing.T) {
	rig := newRig(t)
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if len(rc.Steps) > 0 {
			return nil, nil // replans never unblock anything
		}
		return []plan.Step{{
			ID: "blocked", Title: "depends on a ghost",
			DependsOn: []string{"ghost"},
		}}, nil
	}

	settings := DefaultSettings()
	settings.MaxReplanCalls = 2

	eng, err := New(rig.config(settings))
	require.NoError(t, err)

	outcome := eng.Run(context.Background())
	require.Equal(t, StatusFailed, outcome.Status)
	require.Contains(t, outcome.LastError, "stalled")
	// Initial plan + two replans
	require.Equal(t, 3, rig.reasoner.planCalls)
}

func TestApprovalGateSuspendsAndResumes(t *testing.T) {
	rig := newRig(t)
	askHuman := true
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if len(rc.Steps) > 0 {
			return nil, nil
		}
		return []plan.Step{{
			ID: "confirm", Title: "confirm destructive action",
			SuccessCriteria: "user approved",
		}}, nil
	}
	rig.reasoner.decideFn = func(rc ReasonContext) (Decision, error) {
		if askHuman {
			return Decision{Action: DecideWaitHuman, Reason: "needs human sign-off"}, nil
		}
		return Decision{Action: DecideRespond, Response: "confirmed"}, nil
	}

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)

	outcome := eng.Run(context.Background())
	require.Equal(t, StatusWaitingApproval, outcome.Status)

	// The gate is durable: the checkpoint carries the requested step
	loaded, err := NewCheckpointManager(rig.store.Checkpoints).Load(context.Background(), eng.RunID())
	require.NoError(t, err)
	require.Equal(t, "confirm", loaded.ApprovalRequestedStepID)
	require.Equal(t, StatusWaitingApproval, loaded.Status)

	// Grant and re-enter at the same step
	askHuman = false
	eng.Approve("confirm")
	outcome = eng.Run(context.Background())
	require.Equal(t, StatusCompleted, outcome.Status)
}

func TestApproveDuringLiveRunIsSafe(t *testing.T) {
	rig := newRig(t)
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if len(rc.Steps) > 0 {
			return nil, nil
		}
		steps := make([]plan.Step, 20)
		for i := range steps {
			steps[i] = plan.Step{
				ID:    fmt.Sprintf("step-%d", i),
				Title: fmt.Sprintf("answer question %d", i),
			}
		}
		return steps, nil
	}

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)

	// Hammer the grant entry point from another goroutine for the whole
	// run, the way an HTTP handler would against a live engine.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				eng.Approve("step-7")
			}
		}
	}()

	outcome := eng.Run(context.Background())
	close(stop)
	wg.Wait()

	// No gate was ever requested, so the grants are all no-ops.
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, 20, outcome.Progress.Completed)
}

func TestResumeNormalizesInterruptedStep(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	mgr := NewCheckpointManager(rig.store.Checkpoints)

	// A crash left step-b checkpointed as running
	require.NoError(t, mgr.Save(ctx, &Checkpoint{
		RunID:        "run-crashed",
		Goal:         "check homepage status",
		Status:       StatusRunning,
		ActiveStepID: "step-b",
		Steps: []plan.Step{
			{ID: "step-a", Title: "open homepage", Status: plan.StatusCompleted, Attempts: 1, MaxAttempts: 3},
			{ID: "step-b", Title: "capture homepage", Status: plan.StatusRunning, Attempts: 1, MaxAttempts: 3,
				Tool: "playwright", ToolAction: "snapshot", DependsOn: []string{"step-a"}},
		},
		Settings: DefaultSettings(),
	}))

	eng, err := Resume(ctx, rig.config(DefaultSettings()), "run-crashed")
	require.NoError(t, err)

	outcome := eng.Run(ctx)
	require.Equal(t, StatusCompleted, outcome.Status)

	loaded, err := mgr.Load(ctx, "run-crashed")
	require.NoError(t, err)
	for _, s := range loaded.Steps {
		if s.ID == "step-b" {
			require.Equal(t, plan.StatusCompleted, s.Status)
			// The interrupted attempt count survives normalization
			require.Equal(t, 1, s.Attempts)
		}
	}
	require.NotNil(t, loaded.ResumedAt)
}

func TestRunFaultSurfacesAsStructuredOutcome(t *testing.T) {
	rig := newRig(t)
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		panic("reasoner exploded")
	}

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)

	outcome := eng.Run(context.Background())
	require.Equal(t, StatusFailed, outcome.Status)
	require.NotEmpty(t, outcome.CorrelationID)
	require.Contains(t, outcome.LastError, "run fault")
}

func TestCancellationStopsBetweenIterations(t *testing.T) {
	rig := newRig(t)
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if len(rc.Steps) > 0 {
			return nil, nil
		}
		return browseSteps(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the first iteration

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)

	outcome := eng.Run(ctx)
	require.Equal(t, StatusStopped, outcome.Status)

	// The stop is durable
	loaded, err := NewCheckpointManager(rig.store.Checkpoints).Load(context.Background(), eng.RunID())
	require.NoError(t, err)
	require.Equal(t, StatusStopped, loaded.Status)
}

func TestEventsMirrorLifecycle(t *testing.T) {
	rig := newRig(t)
	rig.reasoner.planFn = func(rc ReasonContext) ([]plan.Step, error) {
		if len(rc.Steps) > 0 {
			return nil, nil
		}
		return browseSteps(), nil
	}

	eng, err := New(rig.config(DefaultSettings()))
	require.NoError(t, err)
	_ = eng.Run(context.Background())

	types := map[string]int{}
	for _, e := range rig.events {
		types[e.Type]++
		require.Equal(t, eng.RunID(), e.RunID)
		require.WithinDuration(t, time.Now(), e.Time, time.Minute)
	}
	require.Equal(t, 1, types["plan_created"])
	require.Equal(t, 2, types["step_started"])
	require.Equal(t, 2, types["step_completed"])
	require.Equal(t, 1, types["run_finished"])
}
