// Package planner runs configured pipelines that move finished scan
// jobs into storage and feed follow-up queues from prior results.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sner-project/sner/internal/config"
	"github.com/sner-project/sner/internal/scheduler"
	"github.com/sner-project/sner/internal/storage"
	"github.com/sner-project/sner/internal/store"
)

// Planner executes pipelines in declaration order. Pipeline failures
// are logged and isolated; only context cancellation stops the loop.
type Planner struct {
	cfg       *Config
	store     store.Store
	sched     *scheduler.Service
	importer  *storage.Importer
	varDir    string
	loopSleep time.Duration
	oneshot   bool
	log       *slog.Logger
}

func New(cfg *Config, st store.Store, sched *scheduler.Service, importer *storage.Importer, appCfg *config.Config, oneshot bool, log *slog.Logger) *Planner {
	return &Planner{
		cfg:       cfg,
		store:     st,
		sched:     sched,
		importer:  importer,
		varDir:    appCfg.Scheduler.VarDir,
		loopSleep: appCfg.Planner.LoopSleep,
		oneshot:   oneshot,
		log:       log,
	}
}

// Run executes the pipeline loop until the context is cancelled. In
// oneshot mode a single pass is made and the loop exits.
func (p *Planner) Run(ctx context.Context) error {
	p.log.Info("planner started", "pipelines", len(p.cfg.Pipelines), "oneshot", p.oneshot)

	for {
		p.runOnce(ctx)

		if p.oneshot {
			return nil
		}

		select {
		case <-ctx.Done():
			p.log.Info("planner stopped")
			return nil
		case <-time.After(p.loopSleep):
		}
	}
}

// runOnce makes one pass over all pipelines. A failing pipeline is
// logged and does not affect the others.
func (p *Planner) runOnce(ctx context.Context) {
	for i := range p.cfg.Pipelines {
		if ctx.Err() != nil {
			return
		}
		pipeline := &p.cfg.Pipelines[i]
		if err := p.runPipeline(ctx, pipeline); err != nil {
			p.log.Error("planner pipeline failed", "pipeline", pipeline.Name, "error", err)
		}
	}
}

func (p *Planner) runPipeline(ctx context.Context, pipeline *Pipeline) error {
	p.log.Debug("planner run pipeline", "pipeline", pipeline.Name, "type", pipeline.Type)

	switch pipeline.Type {
	case PipelineTypeQueue:
		return p.runQueuePipeline(ctx, pipeline)
	case PipelineTypeInterval:
		return p.runIntervalPipeline(ctx, pipeline)
	case PipelineTypeGeneric:
		_, err := p.runPass(ctx, pipeline.Steps)
		return err
	default:
		return fmt.Errorf("unknown pipeline type %q", pipeline.Type)
	}
}

// runQueuePipeline processes every finished job in the pipeline's
// queue. Each job gets a fresh context: the job is loaded and parsed,
// the configured steps run, and the job is archived. The run ends when
// load_job finds the queue drained.
func (p *Planner) runQueuePipeline(ctx context.Context, pipeline *Pipeline) error {
	loadArgs := StepConfig{"queue": pipeline.Queue}

	// load_job and archive_job bracket the run implicitly. A config
	// spelling out the leading load_job must not load twice, so it is
	// folded into the implicit one.
	steps := pipeline.Steps
	if len(steps) > 0 {
		if name, err := steps[0].stringArg("step"); err == nil && name == "load_job" {
			if _, err := steps[0].stringArg("queue"); err == nil {
				loadArgs = steps[0]
			}
			steps = steps[1:]
		}
	}

	for ctx.Err() == nil {
		sc := &stepContext{}

		if err := p.stepLoadJob(ctx, sc, loadArgs); err != nil {
			if errors.Is(err, ErrStopPipeline) {
				return nil
			}
			return err
		}
		if err := p.runSteps(ctx, sc, steps); err != nil {
			if errors.Is(err, ErrStopPipeline) {
				return nil
			}
			return err
		}
		// an explicit archive_job step already cleared the job
		if sc.job == nil {
			continue
		}
		if err := p.stepArchiveJob(ctx, sc, nil); err != nil {
			return err
		}
	}
	return nil
}

// runIntervalPipeline runs its steps when the pipeline's lastrun file
// is older than the configured interval, updating the file afterwards.
func (p *Planner) runIntervalPipeline(ctx context.Context, pipeline *Pipeline) error {
	interval, err := ParseInterval(pipeline.Interval)
	if err != nil {
		return err
	}

	lastrun, err := p.readLastrun(pipeline.Name)
	if err != nil {
		return err
	}
	if time.Since(lastrun) < interval {
		return nil
	}

	stopped, err := p.runPass(ctx, pipeline.Steps)
	if err != nil {
		return err
	}
	if stopped {
		return nil
	}
	return p.writeLastrun(pipeline.Name, time.Now().UTC())
}

// runPass runs steps once with a fresh context. Reports whether the
// pass was ended by a pipeline stop.
func (p *Planner) runPass(ctx context.Context, steps []StepConfig) (bool, error) {
	err := p.runSteps(ctx, &stepContext{}, steps)
	if errors.Is(err, ErrStopPipeline) {
		return true, nil
	}
	return false, err
}

func (p *Planner) runSteps(ctx context.Context, sc *stepContext, steps []StepConfig) error {
	for _, stepCfg := range steps {
		name, err := stepCfg.stringArg("step")
		if err != nil {
			return fmt.Errorf("invalid step config: %w", err)
		}
		step, ok := registeredSteps[name]
		if !ok {
			return fmt.Errorf("unknown step %q", name)
		}

		p.log.Debug("planner run step", "step", name)
		if err := step(p, ctx, sc, stepCfg); err != nil {
			if errors.Is(err, ErrStopPipeline) {
				return err
			}
			return fmt.Errorf("step %s: %w", name, err)
		}
	}
	return nil
}

func (p *Planner) lastrunPath(name string) string {
	return filepath.Join(p.varDir, name+".lastrun")
}

// readLastrun returns the pipeline's last completion time. A missing
// or unreadable file counts as never run.
func (p *Planner) readLastrun(name string) (time.Time, error) {
	raw, err := os.ReadFile(p.lastrunPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read lastrun: %w", err)
	}
	lastrun, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		p.log.Warn("planner malformed lastrun file", "pipeline", name, "error", err)
		return time.Time{}, nil
	}
	return lastrun, nil
}

func (p *Planner) writeLastrun(name string, t time.Time) error {
	if err := os.WriteFile(p.lastrunPath(name), []byte(t.Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("write lastrun: %w", err)
	}
	return nil
}
