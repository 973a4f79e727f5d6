package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
)

// RunStatus is the engine-level state of a run.
type RunStatus string

const (
	StatusRunning         RunStatus = "running"
	StatusCompleted       RunStatus = "completed"
	StatusPartialFailure  RunStatus = "partial_failure"
	StatusFailed          RunStatus = "failed"
	StatusWaitingApproval RunStatus = "waiting_approval"
	StatusStopped         RunStatus = "stopped"
)

// Checkpoint is the durable snapshot of one run. Exactly one exists per
// run; every save replaces the whole document.
type Checkpoint struct {
	RunID        string      `json:"runId"`
	Goal         string      `json:"goal"`
	Status       RunStatus   `json:"status"`
	Steps        []plan.Step `json:"steps"`
	ActiveStepID string      `json:"activeStepId,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
	TaskClass    string      `json:"taskClass,omitempty"`

	ResumedAt               *time.Time `json:"resumedAt,omitempty"`
	ApprovalRequestedStepID string     `json:"approvalRequestedStepId,omitempty"`
	ApprovalRequestedAt     *time.Time `json:"approvalRequestedAt,omitempty"`
	ApprovalGrantedStepID   string     `json:"approvalGrantedStepId,omitempty"`

	Brief               string   `json:"brief,omitempty"`
	NextActions         []string `json:"nextActions,omitempty"`
	Risks               []string `json:"risks,omitempty"`
	LastSummarizedIndex int      `json:"lastSummarizedIndex"`

	Settings    Settings          `json:"settings"`
	Preferences map[string]string `json:"preferences,omitempty"`
	ReplanCalls int               `json:"replanCalls"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// CheckpointStore is the narrow persistence contract the manager needs.
type CheckpointStore interface {
	Save(ctx context.Context, runID string, data []byte) error
	Load(ctx context.Context, runID string) ([]byte, error)
}

// CheckpointManager is the single writer of a run's durable state.
type CheckpointManager struct {
	store  CheckpointStore
	logger *slog.Logger
}

// NewCheckpointManager wraps a checkpoint store.
func NewCheckpointManager(store CheckpointStore) *CheckpointManager {
	return &CheckpointManager{
		store:  store,
		logger: slog.Default().With("component", "checkpoint"),
	}
}

// Save replaces the run's checkpoint document atomically.
func (m *CheckpointManager) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := m.store.Save(ctx, cp.RunID, data); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// Load returns the run's checkpoint. Any step found running is normalized
// to pending with its attempt count untouched: a crash mid-step leaves no
// reliable partial result, so the step simply runs again.
func (m *CheckpointManager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := m.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	for i := range cp.Steps {
		if cp.Steps[i].Status == plan.StatusRunning {
			m.logger.Info("normalizing interrupted step", "run", runID, "step", cp.Steps[i].ID)
			cp.Steps[i].Status = plan.StatusPending
		}
	}
	cp.Settings = cp.Settings.normalized()
	return &cp, nil
}
