package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// memCheckpoints is an in-memory CheckpointStore for tests.
type memCheckpoints struct {
	docs map[string][]byte
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{docs: map[string][]byte{}}
}

func (m *memCheckpoints) Save(ctx context.Context, runID string, data []byte) error {
	m.docs[runID] = append([]byte(nil), data...)
	return nil
}

func (m *memCheckpoints) Load(ctx context.Context, runID string) ([]byte, error) {
	data, ok := m.docs[runID]
	if !ok {
		return nil, store.ErrNoCheckpoint
	}
	return data, nil
}

func TestCheckpointRoundTrip(t *testing.T) {
	mgr := NewCheckpointManager(newMemCheckpoints())
	ctx := context.Background()

	cp := &Checkpoint{
		RunID:  "run-1",
		Goal:   "check homepage status",
		Status: StatusRunning,
		Steps: []plan.Step{
			{ID: "a", Title: "open homepage", Status: plan.StatusCompleted, Attempts: 1, MaxAttempts: 3},
		},
		Settings:    DefaultSettings(),
		Preferences: map[string]string{"locale": "en"},
	}
	require.NoError(t, mgr.Save(ctx, cp))

	loaded, err := mgr.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "check homepage status", loaded.Goal)
	require.Equal(t, "en", loaded.Preferences["locale"])
	require.False(t, loaded.UpdatedAt.IsZero())
}

func TestLoadNormalizesRunningSteps(t *testing.T) {
	mgr := NewCheckpointManager(newMemCheckpoints())
	ctx := context.Background()

	cp := &Checkpoint{
		RunID:        "run-1",
		Status:       StatusRunning,
		ActiveStepID: "b",
		Steps: []plan.Step{
			{ID: "a", Status: plan.StatusCompleted, Attempts: 1, MaxAttempts: 3},
			{ID: "b", Status: plan.StatusRunning, Attempts: 2, MaxAttempts: 3},
		},
		Settings: DefaultSettings(),
	}
	require.NoError(t, mgr.Save(ctx, cp))

	loaded, err := mgr.Load(ctx, "run-1")
	require.NoError(t, err)

	var b *plan.Step
	for i := range loaded.Steps {
		if loaded.Steps[i].ID == "b" {
			b = &loaded.Steps[i]
		}
	}
	require.NotNil(t, b)
	require.Equal(t, plan.StatusPending, b.Status)
	require.Equal(t, 2, b.Attempts, "attempts must survive normalization unchanged")
}

func TestLoadMissingRun(t *testing.T) {
	mgr := NewCheckpointManager(newMemCheckpoints())
	_, err := mgr.Load(context.Background(), "nope")
	require.Error(t, err)
}

func TestLoadNormalizesSettings(t *testing.T) {
	mgr := NewCheckpointManager(newMemCheckpoints())
	ctx := context.Background()

	// A checkpoint written with zeroed settings must come back with sane
	// bounds, not disabled ones.
	require.NoError(t, mgr.Save(ctx, &Checkpoint{RunID: "run-1", Status: StatusRunning}))
	loaded, err := mgr.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, DefaultSettings().MaxReplanCalls, loaded.Settings.MaxReplanCalls)
	require.Positive(t, loaded.Settings.LoopGuardThreshold)
}
