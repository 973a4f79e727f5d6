// Package server exposes the run engine over HTTP: run control, audit and
// snapshot queries, a manual tool-gateway passthrough, and a per-run
// websocket event feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/michalmatynia/geminitestapp-sub007/internal/config"
	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
	"github.com/michalmatynia/geminitestapp-sub007/internal/events"
	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// Server is the HTTP control surface over one store, one tool gateway, and
// a run manager.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	gw     *gateway.Gateway
	runs   *RunManager
	bus    *events.Subject
	logger *slog.Logger
}

// New wires the server. The caller owns the store and gateway lifecycles.
func New(cfg *config.Config, st *store.Store, gw *gateway.Gateway, reasoner engine.Reasoner) *Server {
	bus := events.NewSubject()
	return &Server{
		cfg:    cfg,
		store:  st,
		gw:     gw,
		bus:    bus,
		runs:   NewRunManager(st, gw, reasoner, bus, cfg.EngineSettings()),
		logger: slog.Default().With("component", "server"),
	}
}

// Router builds the HTTP API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleStartRun)
			r.Get("/", s.handleListRuns)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/resume", s.handleResume)
				r.Post("/approve", s.handleApprove)
				r.Post("/stop", s.handleStop)
				r.Post("/control", s.handleControl)
				r.Get("/audits", s.handleAudits)
				r.Get("/snapshots", s.handleSnapshots)
				r.Get("/ws", s.handleWS)
			})
		})

		r.Get("/playbook", s.handlePlaybook)
		r.Post("/playbook/synthesize", s.handleSynthesizePlaybook)
	})

	return r
}

// Run serves the API until the context is cancelled, with the playbook
// synthesizer on its cron cadence. Live runs are stopped and checkpointed
// on the way out.
func (s *Server) Run(ctx context.Context) error {
	scheduler := cron.New()
	if spec := s.cfg.Playbook.CronSpec; spec != "" {
		if _, err := scheduler.AddFunc(spec, s.playbookJob); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.runs.Shutdown()
	events.Complete(s.bus)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Runs exposes the run manager for embedding the server in a CLI.
func (s *Server) Runs() *RunManager {
	return s.runs
}

// SynthesizePlaybook aggregates recent run summaries into the playbook and
// persists it for future runs.
func (s *Server) SynthesizePlaybook(ctx context.Context) (string, error) {
	summaries, err := s.store.Summaries.Recent(ctx, s.cfg.Playbook.HistoryLimit)
	if err != nil {
		return "", err
	}
	content := engine.SynthesizePlaybook(summaries, s.cfg.Playbook.BucketCap)
	if err := s.store.Summaries.SavePlaybook(ctx, content); err != nil {
		return "", err
	}
	return content, nil
}

func (s *Server) playbookJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.SynthesizePlaybook(ctx); err != nil {
		s.logger.Error("scheduled playbook synthesis failed", "error", err)
		return
	}
	s.logger.Info("playbook synthesized")
}
