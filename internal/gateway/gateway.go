// Package gateway is the only path between the engine and the external
// control surface. It validates actions, invokes the Tool, and guarantees
// exactly one audit entry per invocation plus one snapshot record per
// snapshot action. Tool faults never escape: they are normalized into the
// Result and tagged with a correlation id.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// Action is one of the bounded control actions the engine may request.
type Action string

const (
	ActionGoto     Action = "goto"
	ActionReload   Action = "reload"
	ActionSnapshot Action = "snapshot"
)

// Args carries action parameters. Only goto uses any today.
type Args struct {
	URL string `json:"url,omitempty"`
}

// PageState is the Tool's report of where the surface is after an action.
type PageState struct {
	URL   string
	Title string
}

// Capture is a full observation of the surface.
type Capture struct {
	URL      string
	Title    string
	Content  string
	Elements string
}

// Tool is the external actuator contract. The engine never assumes more
// capability than these three calls.
type Tool interface {
	Navigate(ctx context.Context, url string) (*PageState, error)
	Reload(ctx context.Context) (*PageState, error)
	Capture(ctx context.Context) (*Capture, error)
}

// Result is the uniform outcome shape for every gateway invocation.
type Result struct {
	OK         bool   `json:"ok"`
	Output     string `json:"output,omitempty"`
	Err        string `json:"error,omitempty"`
	ErrorID    string `json:"error_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// Gateway executes control actions against the Tool and records the audit
// and snapshot trail.
type Gateway struct {
	tool   Tool
	audits *store.AuditStore
	snaps  *store.SnapshotStore
	logger *slog.Logger
}

// New creates a gateway over the given tool and stores.
func New(tool Tool, audits *store.AuditStore, snaps *store.SnapshotStore) *Gateway {
	return &Gateway{
		tool:   tool,
		audits: audits,
		snaps:  snaps,
		logger: slog.Default().With("component", "gateway"),
	}
}

// Execute runs one action. It always returns a Result, never an error and
// never a panic: validation failures are rejected synchronously, Tool
// faults are caught and normalized with a correlation id.
func (g *Gateway) Execute(ctx context.Context, runID, stepID string, action Action, args Args) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = g.fault(ctx, runID, stepID, action, fmt.Errorf("tool panicked: %v", r))
		}
	}()

	switch action {
	case ActionGoto:
		if args.URL == "" {
			return g.reject(ctx, runID, stepID, action, "goto requires a target url")
		}
		state, err := g.tool.Navigate(ctx, args.URL)
		if err != nil {
			return g.fault(ctx, runID, stepID, action, err)
		}
		return g.ok(ctx, runID, stepID, action, Result{
			OK:     true,
			Output: fmt.Sprintf("navigated to %s", state.URL),
			URL:    state.URL,
			Title:  state.Title,
		})

	case ActionReload:
		state, err := g.tool.Reload(ctx)
		if err != nil {
			return g.fault(ctx, runID, stepID, action, err)
		}
		return g.ok(ctx, runID, stepID, action, Result{
			OK:     true,
			Output: "page reloaded",
			URL:    state.URL,
			Title:  state.Title,
		})

	case ActionSnapshot:
		capture, err := g.tool.Capture(ctx)
		if err != nil {
			return g.fault(ctx, runID, stepID, action, err)
		}
		snapID, err := g.snaps.Save(ctx, store.Snapshot{
			RunID:    runID,
			StepID:   stepID,
			URL:      capture.URL,
			Title:    capture.Title,
			Content:  capture.Content,
			Elements: capture.Elements,
		})
		if err != nil {
			return g.fault(ctx, runID, stepID, action, fmt.Errorf("snapshot capture succeeded but persisting failed: %w", err))
		}
		return g.ok(ctx, runID, stepID, action, Result{
			OK:         true,
			Output:     capture.Content,
			URL:        capture.URL,
			Title:      capture.Title,
			SnapshotID: snapID,
		})

	default:
		return g.reject(ctx, runID, stepID, action, fmt.Sprintf("unsupported action %q", action))
	}
}

// reject records a synchronous validation failure. The Tool is never
// dispatched.
func (g *Gateway) reject(ctx context.Context, runID, stepID string, action Action, reason string) Result {
	errorID := uuid.New().String()
	g.audit(ctx, runID, stepID, store.LevelWarning, "action rejected", map[string]string{
		"action":   string(action),
		"reason":   reason,
		"error_id": errorID,
	})
	return Result{Err: reason, ErrorID: errorID}
}

// fault normalizes a Tool failure.
func (g *Gateway) fault(ctx context.Context, runID, stepID string, action Action, err error) Result {
	errorID := uuid.New().String()
	g.logger.Error("tool action failed", "action", action, "run", runID, "error", err, "error_id", errorID)
	g.audit(ctx, runID, stepID, store.LevelError, "action failed", map[string]string{
		"action":   string(action),
		"error":    err.Error(),
		"error_id": errorID,
	})
	return Result{Err: err.Error(), ErrorID: errorID}
}

func (g *Gateway) ok(ctx context.Context, runID, stepID string, action Action, result Result) Result {
	meta := map[string]string{"action": string(action)}
	if result.URL != "" {
		meta["url"] = result.URL
	}
	if result.Title != "" {
		meta["title"] = result.Title
	}
	if result.SnapshotID != "" {
		meta["snapshot_id"] = result.SnapshotID
	}
	g.audit(ctx, runID, stepID, store.LevelInfo, "action executed", meta)
	return result
}

// audit appends the single per-invocation audit entry. An unreachable
// audit store is the one accepted silent degradation: the failure is
// logged, the action result stands.
func (g *Gateway) audit(ctx context.Context, runID, stepID, level, message string, meta map[string]string) {
	if _, err := g.audits.Append(ctx, store.AuditEntry{
		RunID:    runID,
		StepID:   stepID,
		Level:    level,
		Message:  message,
		Metadata: meta,
	}); err != nil {
		g.logger.Error("audit append failed", "run", runID, "error", err)
	}
}
