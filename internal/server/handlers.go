package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/httputil"
	"github.com/michalmatynia/geminitestapp-sub007/internal/plan"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

type startRunRequest struct {
	Goal        string            `json:"goal"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type approveRequest struct {
	StepID string `json:"step_id"`
}

type controlRequest struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

type runView struct {
	RunID        string           `json:"run_id"`
	Goal         string           `json:"goal"`
	Status       engine.RunStatus `json:"status"`
	Live         bool             `json:"live"`
	Progress     plan.Progress    `json:"progress"`
	ActiveStepID string           `json:"active_step_id,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	ApprovalStep string           `json:"approval_step_id,omitempty"`
	Steps        []plan.Step      `json:"steps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	runID, err := s.runs.Start(r.Context(), req.Goal, req.Preferences)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(engine.StatusRunning),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := httputil.QueryInt(r, "limit", 50)
	runIDs, err := s.store.Checkpoints.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, map[string]any{"runs": runIDs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	cp, err := engine.NewCheckpointManager(s.store.Checkpoints).Load(r.Context(), runID)
	if errors.Is(err, store.ErrNoCheckpoint) {
		httputil.NotFound(w, "run not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}

	var progress plan.Progress
	for _, st := range cp.Steps {
		switch st.Status {
		case plan.StatusPending:
			progress.Pending++
		case plan.StatusRunning:
			progress.Running++
		case plan.StatusCompleted:
			progress.Completed++
		case plan.StatusFailed:
			progress.Failed++
		}
	}

	httputil.OkJSON(w, runView{
		RunID:        cp.RunID,
		Goal:         cp.Goal,
		Status:       cp.Status,
		Live:         s.runs.IsLive(runID),
		Progress:     progress,
		ActiveStepID: cp.ActiveStepID,
		LastError:    cp.LastError,
		ApprovalStep: cp.ApprovalRequestedStepID,
		Steps:        cp.Steps,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runs.Resume(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNoCheckpoint) {
			httputil.NotFound(w, "run not found")
			return
		}
		httputil.Error(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(engine.StatusRunning),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req approveRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if req.StepID == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "step_id is required")
		return
	}
	if err := s.runs.Approve(r.Context(), runID, req.StepID); err != nil {
		if errors.Is(err, store.ErrNoCheckpoint) {
			httputil.NotFound(w, "run not found")
			return
		}
		httputil.Error(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id":  runID,
		"step_id": req.StepID,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runs.Stop(runID); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(engine.StatusStopped),
	})
}

// handleControl is a manual passthrough to the tool gateway. Invocations
// land in the same audit and snapshot trail as engine-driven ones.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req controlRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	result := s.gw.Execute(r.Context(), runID, "", gateway.Action(req.Action), gateway.Args{URL: req.URL})
	httputil.OkJSON(w, result)
}

func (s *Server) handleAudits(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stepID := httputil.QueryString(r, "step", "")
	limit := httputil.QueryInt(r, "limit", 50)

	entries, err := s.store.Audits.Recent(r.Context(), runID, stepID, limit)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, map[string]any{"audits": entries})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stepID := httputil.QueryString(r, "step", "")
	limit := httputil.QueryInt(r, "limit", 50)

	snaps, err := s.store.Snapshots.Recent(r.Context(), runID, stepID, limit)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, map[string]any{"snapshots": snaps})
}

func (s *Server) handlePlaybook(w http.ResponseWriter, r *http.Request) {
	content, err := s.store.Summaries.LoadPlaybook(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, map[string]string{"playbook": content})
}

func (s *Server) handleSynthesizePlaybook(w http.ResponseWriter, r *http.Request) {
	content, err := s.SynthesizePlaybook(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, map[string]string{"playbook": content})
}
