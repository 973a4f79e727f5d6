package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/michalmatynia/geminitestapp-sub007/internal/config"
	"github.com/michalmatynia/geminitestapp-sub007/internal/db"
	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

type scriptedReasoner struct {
	mu        sync.Mutex
	steps     []plan.Step
	decisions []engine.Decision
	planGate  chan struct{}
}

func (r *scriptedReasoner) PlanSteps(ctx context.Context, goal string, rc engine.ReasonContext) ([]plan.Step, error) {
	if r.planGate != nil {
		<-r.planGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(rc.Steps) > 0 {
		return nil, nil // replans add nothing
	}
	steps := make([]plan.Step, len(r.steps))
	copy(steps, r.steps)
	return steps, nil
}

func (r *scriptedReasoner) Critique(ctx context.Context, steps []plan.Step) (engine.Critique, error) {
	return engine.Critique{OK: true}, nil
}

func (r *scriptedReasoner) Decide(ctx context.Context, rc engine.ReasonContext) (engine.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.decisions) == 0 {
		return engine.Decision{Action: engine.DecideRespond, Response: "done"}, nil
	}
	d := r.decisions[0]
	r.decisions = r.decisions[1:]
	return d, nil
}

func (r *scriptedReasoner) JudgeStepOutcome(ctx context.Context, step plan.Step, observation string) (bool, string, error) {
	return true, "criteria met", nil
}

type stubTool struct{}

func (stubTool) Navigate(ctx context.Context, url string) (*gateway.PageState, error) {
	return &gateway.PageState{URL: url, Title: "Example Domain"}, nil
}

func (stubTool) Reload(ctx context.Context) (*gateway.PageState, error) {
	return &gateway.PageState{URL: "https://example.com", Title: "Example Domain"}, nil
}

func (stubTool) Capture(ctx context.Context) (*gateway.Capture, error) {
	return &gateway.Capture{
		URL:     "https://example.com",
		Title:   "Example Domain",
		Content: "- heading \"Example Domain\"",
	}, nil
}

func newTestServer(t *testing.T, reasoner engine.Reasoner) (*Server, *store.Store, *httptest.Server) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	st := store.New(conn)
	cfg := config.Default()
	cfg.Playbook.CronSpec = "" // synthesis driven by the tests, not the clock

	srv := New(cfg, st, gateway.New(stubTool{}, st.Audits, st.Snapshots), reasoner)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.runs.Shutdown()
		ts.Close()
	})
	return srv, st, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func waitForStatus(t *testing.T, ts *httptest.Server, runID string, want engine.RunStatus) runView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var view runView
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/runs/%s", ts.URL, runID))
		require.NoError(t, err)
		if resp.StatusCode == http.StatusOK {
			view = decodeJSON[runView](t, resp)
			if view.Status == want {
				return view
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s (last: %s)", runID, want, view.Status)
	return view
}

func TestStartRunCompletesAndExposesTrail(t *testing.T) {
	reasoner := &scriptedReasoner{
		steps: []plan.Step{{ID: "s1", Title: "answer the question", SuccessCriteria: "answer given"}},
	}
	_, st, ts := newTestServer(t, reasoner)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]any{"goal": "answer a question"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeJSON[map[string]string](t, resp)
	runID := started["run_id"]
	require.NotEmpty(t, runID)

	view := waitForStatus(t, ts, runID, engine.StatusCompleted)
	require.Equal(t, 1, view.Progress.Completed)
	require.False(t, view.Live)

	auditResp, err := http.Get(fmt.Sprintf("%s/api/runs/%s/audits", ts.URL, runID))
	require.NoError(t, err)
	audits := decodeJSON[struct {
		Audits []store.AuditEntry `json:"audits"`
	}](t, auditResp)
	require.NotEmpty(t, audits.Audits)
	var finished bool
	for _, entry := range audits.Audits {
		if entry.Message == "run finished" {
			finished = true
		}
	}
	require.True(t, finished, "audit trail should record the run finishing")

	// The terminal outcome feeds the playbook pipeline.
	require.Eventually(t, func() bool {
		sums, err := st.Summaries.Recent(context.Background(), 10)
		return err == nil && len(sums) == 1 && sums[0].RunID == runID
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListRunsIncludesCheckpointedRun(t *testing.T) {
	reasoner := &scriptedReasoner{
		steps: []plan.Step{{ID: "s1", Title: "answer"}},
	}
	_, _, ts := newTestServer(t, reasoner)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]any{"goal": "answer"})
	started := decodeJSON[map[string]string](t, resp)
	waitForStatus(t, ts, started["run_id"], engine.StatusCompleted)

	listResp, err := http.Get(ts.URL + "/api/runs")
	require.NoError(t, err)
	list := decodeJSON[struct {
		Runs []string `json:"runs"`
	}](t, listResp)
	require.Contains(t, list.Runs, started["run_id"])
}

func TestManualControlSharesAuditTrail(t *testing.T) {
	_, st, ts := newTestServer(t, &scriptedReasoner{})

	resp := postJSON(t, ts.URL+"/api/runs/manual/control", map[string]any{
		"action": "goto", "url": "https://example.com",
	})
	result := decodeJSON[gateway.Result](t, resp)
	require.True(t, result.OK)
	require.Equal(t, "https://example.com", result.URL)

	entries, err := st.Audits.Recent(context.Background(), "manual", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Invalid actions are rejected, not faulted, and still audited.
	resp = postJSON(t, ts.URL+"/api/runs/manual/control", map[string]any{"action": "click"})
	result = decodeJSON[gateway.Result](t, resp)
	require.False(t, result.OK)

	entries, err = st.Audits.Recent(context.Background(), "manual", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	reasoner := &scriptedReasoner{
		steps: []plan.Step{{ID: "s1", Title: "purchase the item", SuccessCriteria: "order placed"}},
		decisions: []engine.Decision{
			{Action: engine.DecideWaitHuman, Reason: "purchase needs sign-off"},
		},
	}
	_, _, ts := newTestServer(t, reasoner)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]any{"goal": "buy the item"})
	started := decodeJSON[map[string]string](t, resp)
	runID := started["run_id"]

	view := waitForStatus(t, ts, runID, engine.StatusWaitingApproval)
	require.Equal(t, "s1", view.ApprovalStep)

	resp = postJSON(t, fmt.Sprintf("%s/api/runs/%s/approve", ts.URL, runID), map[string]any{"step_id": "s1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	view = waitForStatus(t, ts, runID, engine.StatusCompleted)
	require.Equal(t, 1, view.Progress.Completed)
}

func TestResumeUnknownRunIs404(t *testing.T) {
	_, _, ts := newTestServer(t, &scriptedReasoner{})

	resp, err := http.Post(ts.URL+"/api/runs/no-such-run/resume", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaybookEndpoints(t *testing.T) {
	_, st, ts := newTestServer(t, &scriptedReasoner{})

	_, err := st.Summaries.Save(context.Background(), store.RunSummary{
		RunID:    "r1",
		Mistakes: []string{"assumed the cart persists across sessions"},
	})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/playbook/synthesize", nil)
	synthesized := decodeJSON[map[string]string](t, resp)
	require.Contains(t, synthesized["playbook"], "Mistakes to avoid")
	require.Contains(t, synthesized["playbook"], "assumed the cart persists across sessions")

	getResp, err := http.Get(ts.URL + "/api/playbook")
	require.NoError(t, err)
	loaded := decodeJSON[map[string]string](t, getResp)
	require.Equal(t, synthesized["playbook"], loaded["playbook"])
}

func TestWebsocketStreamsRunEvents(t *testing.T) {
	gate := make(chan struct{})
	reasoner := &scriptedReasoner{
		steps:    []plan.Step{{ID: "s1", Title: "answer"}},
		planGate: gate,
	}
	_, _, ts := newTestServer(t, reasoner)

	resp := postJSON(t, ts.URL+"/api/runs", map[string]any{"goal": "answer"})
	started := decodeJSON[map[string]string](t, resp)
	runID := started["run_id"]

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + runID + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	close(gate) // planning proceeds only once the feed is attached

	seen := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for !seen["run_finished"] && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var evt engine.Event
		if err := conn.ReadJSON(&evt); err != nil {
			continue
		}
		require.Equal(t, runID, evt.RunID)
		seen[evt.Type] = true
	}

	require.True(t, seen["plan_created"], "feed should carry plan creation")
	require.True(t, seen["step_completed"], "feed should carry step completion")
	require.True(t, seen["run_finished"], "feed should carry the terminal event")
}
