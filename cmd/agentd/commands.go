package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michalmatynia/geminitestapp-sub007/internal/browser"
	"github.com/michalmatynia/geminitestapp-sub007/internal/config"
	"github.com/michalmatynia/geminitestapp-sub007/internal/db"
	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
	"github.com/michalmatynia/geminitestapp-sub007/internal/reasoner"
	"github.com/michalmatynia/geminitestapp-sub007/internal/server"
	"github.com/michalmatynia/geminitestapp-sub007/internal/store"
)

// runtime bundles the shared collaborators every subcommand needs.
type runtime struct {
	cfg   *config.Config
	store *store.Store
	drv   *browser.Driver
	gw    *gateway.Gateway
	llm   *reasoner.LLM
}

func (rt *runtime) Close() {
	if rt.drv != nil {
		if err := rt.drv.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "browser close: %v\n", err)
		}
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// bootstrap loads the config and brings up the store, browser, gateway,
// and reasoner. withBrowser=false skips the browser for commands that
// never touch the tool surface.
func bootstrap(withBrowser bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, store: store.New(conn)}

	if withBrowser {
		drv, err := browser.Launch(browser.Config{
			Headless:         cfg.Browser.Headless,
			NavTimeout:       cfg.NavTimeout(),
			MaxSnapshotChars: cfg.Browser.MaxSnapshotChars,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.drv = drv
		rt.gw = gateway.New(drv, rt.store.Audits, rt.store.Snapshots)

		provider, err := reasoner.NewProvider(cfg.Reasoner.Provider, cfg.Reasoner.APIKey, cfg.Reasoner.Model)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.llm = reasoner.New(provider)
	}

	return rt, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ServeCmd starts the HTTP control surface and the playbook scheduler.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run-control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			return server.New(rt.cfg, rt.store, rt.gw, rt.llm).Run(ctx)
		},
	}
}

// RunCmd executes a single goal to a terminal state and prints the outcome.
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <goal>",
		Short: "Execute one goal and print the outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			playbook, err := rt.store.Summaries.LoadPlaybook(ctx)
			if err != nil {
				playbook = ""
			}

			eng, err := engine.New(engine.Config{
				Goal:        strings.Join(args, " "),
				Settings:    rt.cfg.EngineSettings(),
				Playbook:    playbook,
				Reasoner:    rt.llm,
				Gateway:     rt.gw,
				Checkpoints: engine.NewCheckpointManager(rt.store.Checkpoints),
				Audits:      rt.store.Audits,
			})
			if err != nil {
				return err
			}
			return printOutcome(eng.Run(ctx))
		},
	}
}

// ResumeCmd continues a checkpointed run.
func ResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a checkpointed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			playbook, err := rt.store.Summaries.LoadPlaybook(ctx)
			if err != nil {
				playbook = ""
			}

			eng, err := engine.Resume(ctx, engine.Config{
				Settings:    rt.cfg.EngineSettings(),
				Playbook:    playbook,
				Reasoner:    rt.llm,
				Gateway:     rt.gw,
				Checkpoints: engine.NewCheckpointManager(rt.store.Checkpoints),
				Audits:      rt.store.Audits,
			}, args[0])
			if err != nil {
				return err
			}
			return printOutcome(eng.Run(ctx))
		},
	}
}

// PlaybookCmd synthesizes the playbook from recent run summaries and
// prints it.
func PlaybookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "playbook",
		Short: "Synthesize and print the playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			summaries, err := rt.store.Summaries.Recent(ctx, rt.cfg.Playbook.HistoryLimit)
			if err != nil {
				return err
			}
			content := engine.SynthesizePlaybook(summaries, rt.cfg.Playbook.BucketCap)
			if err := rt.store.Summaries.SavePlaybook(ctx, content); err != nil {
				return err
			}
			fmt.Println(content)
			return nil
		},
	}
}

func printOutcome(oc engine.Outcome) error {
	raw, err := json.MarshalIndent(oc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	if oc.Status == engine.StatusFailed {
		return fmt.Errorf("run %s failed", oc.RunID)
	}
	return nil
}
