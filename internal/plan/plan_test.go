package plan

import (
	"errors"
	"fmt"
	"testing"
)

func step(id string, priority int, deps ...string) Step {
	return Step{
		ID:        id,
		Title:     "step " + id,
		Priority:  priority,
		DependsOn: deps,
	}
}

func TestReadyStepRespectsDependencies(t *testing.T) {
	p := New()
	if _, err := p.AddOrReplaceSteps([]Step{
		step("a", 0),
		step("b", 10, "a"),
	}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	// b has higher priority but depends on a
	ready := p.ReadyStep()
	if ready == nil || ready.ID != "a" {
		t.Fatalf("expected a to be ready, got %+v", ready)
	}

	mustRun(t, p, "a")
	if err := p.MarkCompleted("a"); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	ready = p.ReadyStep()
	if ready == nil || ready.ID != "b" {
		t.Fatalf("expected b after a completed, got %+v", ready)
	}
}

func TestReadyStepNeverReturnsBlockedStep(t *testing.T) {
	p := New()
	_, err := p.AddOrReplaceSteps([]Step{
		step("a", 0),
		step("b", 100, "a"),
		step("c", 50, "missing"),
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		ready := p.ReadyStep()
		if ready == nil {
			t.Fatal("expected a ready step")
		}
		if ready.ID != "a" {
			t.Fatalf("iteration %d: got blocked step %s", i, ready.ID)
		}
	}
}

func TestPriorityAndInsertionOrder(t *testing.T) {
	p := New()
	_, _ = p.AddOrReplaceSteps([]Step{
		step("low", 1),
		step("first", 5),
		step("second", 5),
	})

	ready := p.ReadyStep()
	if ready.ID != "first" {
		t.Fatalf("expected insertion-order tiebreak to pick first, got %s", ready.ID)
	}
}

func TestAttemptCeilingIsTerminal(t *testing.T) {
	p := New()
	s := step("x", 0)
	s.MaxAttempts = 2
	if _, err := p.AddOrReplaceSteps([]Step{s}); err != nil {
		t.Fatal(err)
	}

	// First failure: back to pending
	mustRun(t, p, "x")
	if err := p.MarkFailed("x", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if got := p.Get("x"); got.Status != StatusPending || got.Attempts != 1 {
		t.Fatalf("after first failure: %+v", got)
	}

	// Second failure: terminal
	mustRun(t, p, "x")
	if err := p.MarkFailed("x", errors.New("boom again")); err != nil {
		t.Fatal(err)
	}
	got := p.Get("x")
	if got.Status != StatusFailed || got.Attempts != 2 {
		t.Fatalf("after second failure: %+v", got)
	}

	// Terminal steps never come back
	if ready := p.ReadyStep(); ready != nil {
		t.Fatalf("terminal step returned by ReadyStep: %+v", ready)
	}
}

func TestMergeReplacesPendingOnly(t *testing.T) {
	p := New()
	_, _ = p.AddOrReplaceSteps([]Step{step("a", 0), step("b", 0)})
	mustRun(t, p, "a")
	if err := p.MarkCompleted("a"); err != nil {
		t.Fatal(err)
	}

	replacement := step("b", 9)
	replacement.Title = "rewritten"
	conflict := step("a", 0)
	conflict.Title = "must not apply"

	applied, err := p.AddOrReplaceSteps([]Step{replacement, conflict})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "b" {
		t.Fatalf("expected only b applied, got %v", applied)
	}
	if p.Get("a").Title == "must not apply" {
		t.Fatal("completed step was overwritten")
	}
	if got := p.Get("b"); got.Title != "rewritten" || got.Priority != 9 {
		t.Fatalf("pending step was not replaced: %+v", got)
	}
}

func TestMergeAllConflictsIsAnError(t *testing.T) {
	p := New()
	_, _ = p.AddOrReplaceSteps([]Step{step("a", 0)})
	mustRun(t, p, "a")

	_, err := p.AddOrReplaceSteps([]Step{step("a", 0)})
	if !errors.Is(err, ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict, got %v", err)
	}
}

func TestMergeRejectsCycles(t *testing.T) {
	p := New()
	_, err := p.AddOrReplaceSteps([]Step{
		step("a", 0, "b"),
		step("b", 0, "a"),
	})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("cycle merge must not partially apply, len=%d", p.Len())
	}
}

func TestMergeRejectsCycleAgainstExistingSteps(t *testing.T) {
	p := New()
	_, _ = p.AddOrReplaceSteps([]Step{step("a", 0)})

	// Replacing pending a with a dep on c, while adding c depending on a.
	a := step("a", 0, "c")
	c := step("c", 0, "a")
	_, err := p.AddOrReplaceSteps([]Step{a, c})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestRestoreNormalizesRunning(t *testing.T) {
	steps := []Step{
		{ID: "a", Status: StatusCompleted, MaxAttempts: 3},
		{ID: "b", Status: StatusRunning, Attempts: 1, MaxAttempts: 3},
		{ID: "c", Status: StatusPending, MaxAttempts: 3, DependsOn: []string{"b"}},
	}
	p := Restore(steps)

	b := p.Get("b")
	if b.Status != StatusPending {
		t.Fatalf("running step not normalized: %s", b.Status)
	}
	if b.Attempts != 1 {
		t.Fatalf("attempts changed on restore: %d", b.Attempts)
	}
}

func TestStalled(t *testing.T) {
	p := New()
	s := step("a", 0)
	s.MaxAttempts = 1
	_, _ = p.AddOrReplaceSteps([]Step{s, step("b", 0, "a")})

	mustRun(t, p, "a")
	if err := p.MarkFailed("a", fmt.Errorf("dead")); err != nil {
		t.Fatal(err)
	}

	if !p.Stalled() {
		t.Fatal("expected plan to be stalled: b blocked on failed a")
	}
}

func TestResetForRetry(t *testing.T) {
	p := New()
	s := step("a", 0)
	s.MaxAttempts = 1
	_, _ = p.AddOrReplaceSteps([]Step{s})
	mustRun(t, p, "a")
	_ = p.MarkFailed("a", errors.New("nope"))

	if err := p.ResetForRetry("a", 0); err == nil {
		t.Fatal("reset without raising the ceiling must fail")
	}
	if err := p.ResetForRetry("a", 3); err != nil {
		t.Fatalf("reset with raised ceiling: %v", err)
	}
	got := p.Get("a")
	if got.Status != StatusPending || got.Attempts != 1 || got.MaxAttempts != 3 {
		t.Fatalf("unexpected state after reset: %+v", got)
	}
}

func mustRun(t *testing.T, p *Plan, id string) {
	t.Helper()
	if err := p.MarkRunning(id); err != nil {
		t.Fatalf("mark running %s: %v", id, err)
	}
}
