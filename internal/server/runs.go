package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
	"github.com/michalmatynia/geminitestapp-sub007/internal/events"
	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// RunManager starts, resumes, approves, and stops engine runs. Each run
// executes on its own goroutine; the manager tracks live runs so a run id
// is never driven by two engines at once.
type RunManager struct {
	store    *store.Store
	gw       *gateway.Gateway
	reasoner engine.Reasoner
	bus      *events.Subject
	settings engine.Settings
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	eng    *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunManager wires the manager's collaborators.
func NewRunManager(st *store.Store, gw *gateway.Gateway, reasoner engine.Reasoner, bus *events.Subject, settings engine.Settings) *RunManager {
	return &RunManager{
		store:    st,
		gw:       gw,
		reasoner: reasoner,
		bus:      bus,
		settings: settings,
		active:   make(map[string]*activeRun),
		logger:   slog.Default().With("component", "runs"),
	}
}

// Start creates a fresh run for the goal and begins executing it.
func (m *RunManager) Start(ctx context.Context, goal string, preferences map[string]string) (string, error) {
	if goal == "" {
		return "", fmt.Errorf("goal is required")
	}

	playbook, err := m.store.Summaries.LoadPlaybook(ctx)
	if err != nil {
		// A missing playbook only costs learned guidance, never the run.
		m.logger.Warn("playbook load failed", "error", err)
		playbook = ""
	}

	eng, err := engine.New(m.engineConfig("", goal, preferences, playbook))
	if err != nil {
		return "", err
	}
	m.launch(eng)
	return eng.RunID(), nil
}

// Resume rebuilds a suspended or interrupted run from its checkpoint and
// continues executing it.
func (m *RunManager) Resume(ctx context.Context, runID string) error {
	return m.resume(ctx, runID, "")
}

// Approve grants a human-approval gate. A live run consumes the grant on
// its next loop iteration; a suspended run is resumed with the grant
// applied.
func (m *RunManager) Approve(ctx context.Context, runID, stepID string) error {
	m.mu.Lock()
	run, live := m.active[runID]
	m.mu.Unlock()

	if live {
		run.eng.Approve(stepID)
		select {
		case <-run.done:
			// The run suspended around the grant; re-check durable state.
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	}

	cp, err := engine.NewCheckpointManager(m.store.Checkpoints).Load(ctx, runID)
	if err != nil {
		return err
	}
	if cp.Status != engine.StatusWaitingApproval {
		if live {
			return nil // settled before suspending; nothing to grant
		}
		return fmt.Errorf("run %s is not waiting for approval", runID)
	}
	return m.resume(ctx, runID, stepID)
}

// Stop cancels a live run. The engine acknowledges between iterations and
// checkpoints as stopped.
func (m *RunManager) Stop(runID string) error {
	m.mu.Lock()
	run, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not live", runID)
	}
	run.cancel()
	return nil
}

// IsLive reports whether the run currently has an executing engine.
func (m *RunManager) IsLive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[runID]
	return ok
}

// Shutdown stops every live run and waits for their goroutines to settle.
func (m *RunManager) Shutdown() {
	m.mu.Lock()
	for _, run := range m.active {
		run.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *RunManager) resume(ctx context.Context, runID, approveStepID string) error {
	m.mu.Lock()
	if _, live := m.active[runID]; live {
		m.mu.Unlock()
		return fmt.Errorf("run %s is already live", runID)
	}
	m.mu.Unlock()

	playbook, err := m.store.Summaries.LoadPlaybook(ctx)
	if err != nil {
		m.logger.Warn("playbook load failed", "error", err)
		playbook = ""
	}

	eng, err := engine.Resume(ctx, m.engineConfig(runID, "", nil, playbook), runID)
	if err != nil {
		return err
	}
	if approveStepID != "" {
		eng.Approve(approveStepID)
	}
	m.launch(eng)
	return nil
}

func (m *RunManager) engineConfig(runID, goal string, preferences map[string]string, playbook string) engine.Config {
	return engine.Config{
		RunID:       runID,
		Goal:        goal,
		Settings:    m.settings,
		Preferences: preferences,
		Playbook:    playbook,
		Reasoner:    m.reasoner,
		Gateway:     m.gw,
		Checkpoints: engine.NewCheckpointManager(m.store.Checkpoints),
		Audits:      m.store.Audits,
		Sink:        m.sink(),
	}
}

func (m *RunManager) sink() engine.EventSink {
	return func(evt engine.Event) {
		if err := events.Emit(m.bus, events.RunTopic(evt.RunID), evt); err != nil {
			m.logger.Warn("event emit failed", "run", evt.RunID, "type", evt.Type, "error", err)
		}
	}
}

// launch registers the engine as live and drives it on its own goroutine.
func (m *RunManager) launch(eng *engine.Engine) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{eng: eng, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[eng.RunID()] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer close(run.done)

		outcome := eng.Run(runCtx)
		m.logger.Info("run settled", "run", outcome.RunID, "status", outcome.Status)

		m.mu.Lock()
		delete(m.active, eng.RunID())
		m.mu.Unlock()

		m.recordOutcome(outcome)
	}()
}

// recordOutcome distills a terminal run into a summary for the playbook
// synthesizer. Suspended runs are not summarized; they are still in flight.
func (m *RunManager) recordOutcome(oc engine.Outcome) {
	switch oc.Status {
	case engine.StatusWaitingApproval, engine.StatusStopped:
		return
	}

	sum := store.RunSummary{
		RunID: oc.RunID,
		Summary: fmt.Sprintf("run finished %s: %d completed, %d failed",
			oc.Status, oc.Progress.Completed, oc.Progress.Failed),
	}
	if oc.LastError != "" {
		sum.Mistakes = []string{oc.LastError}
	}
	if oc.Status == engine.StatusPartialFailure {
		sum.Improvements = []string{"plan fallback steps for dependencies that can fail terminally"}
	}

	if _, err := m.store.Summaries.Save(context.Background(), sum); err != nil {
		m.logger.Error("run summary save failed", "run", oc.RunID, "error", err)
	}
}
