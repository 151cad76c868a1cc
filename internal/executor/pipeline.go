package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pantryerrors "github.com/muaviaUsmani/pantry/internal/errors"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/run"
)

// Pipeline runs an ordered list of steps for each run, at most concurrency
// runs at a time
type Pipeline struct {
	steps []Step
	sem   chan struct{}
	log   logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewPipeline creates a pipeline executor. Runs it starts are not tied to the
// context passed to Start; Shutdown cancels them.
func NewPipeline(steps []Step, concurrency int) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, errors.New("pipeline needs at least one step")
	}
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
	}
	for _, s := range steps {
		if s.Name == "" || s.Func == nil {
			return nil, fmt.Errorf("invalid step %q", s.Name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		steps:  steps,
		sem:    make(chan struct{}, concurrency),
		log:    logger.For(logger.ComponentExecutor),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

var _ Executor = (*Pipeline)(nil)

// Start takes an execution slot and runs the steps in the background.
// It returns ErrBusy when no slot is free.
func (p *Pipeline) Start(ctx context.Context, r *run.Run, rep *run.Reporter) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("pipeline shut down: %w", err)
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return ErrBusy
	}

	p.wg.Add(1)
	p.active.Add(1)
	go p.execute(logger.WithRunID(p.ctx, r.ID), r.ID, r.Source, rep)

	return nil
}

// Active returns the number of runs currently executing
func (p *Pipeline) Active() int64 {
	return p.active.Load()
}

// Steps returns the step names in order
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Shutdown cancels running steps and waits for their runs to be finalized or
// for ctx to expire
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Pipeline executor stopped gracefully")
		return nil
	case <-ctx.Done():
		p.log.Warn("Pipeline executor shutdown timed out", "active", p.active.Load())
		return ctx.Err()
	}
}

func (p *Pipeline) execute(ctx context.Context, runID string, src run.SourceRef, rep *run.Reporter) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer p.active.Add(-1)

	log := p.log.WithSource(logger.LogSourceRun)
	started := time.Now()
	total := len(p.steps)
	resultRef := ""

	for i, step := range p.steps {
		_ = rep.Progress(i*100/total, step.Name)
		_ = rep.LogStep(i+1, total, step.Name+" started")

		sc := StepContext{
			RunID:    runID,
			Source:   src,
			Name:     step.Name,
			Index:    i,
			Total:    total,
			Reporter: rep,
		}

		var ref string
		err := pantryerrors.Call(func() error {
			var stepErr error
			ref, stepErr = step.Func(ctx, sc)
			return stepErr
		})
		if err != nil {
			var panicErr *pantryerrors.PanicError
			if errors.As(err, &panicErr) {
				log.ErrorContext(ctx, "Pipeline step panicked",
					"step", step.Name,
					"panic_value", panicErr.Value,
					"stack_trace", panicErr.Stacktrace)
			} else {
				log.WarnContext(ctx, "Pipeline step failed", "step", step.Name, "error", err)
			}

			_ = rep.Fail(step.Name, err.Error())
			<-rep.Done()
			return
		}

		if ref != "" {
			resultRef = ref
		}
	}

	_ = rep.Progress(100, "")
	_ = rep.Succeed(resultRef)
	<-rep.Done()

	log.InfoContext(ctx, "Pipeline completed", "steps", total, "elapsed", time.Since(started))
}
