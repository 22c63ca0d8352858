package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Step is one stage of the bootstrap sequence.
type Step interface {
	// Do performs the step, reading what earlier steps left in state and
	// recording its own results there.
	Do(ctx context.Context, state *State) error

	// Name returns the step's name for logging and error reporting.
	Name() string
}

// timeouter is implemented by steps that need a deadline other than the
// pipeline default.
type timeouter interface {
	Timeout() time.Duration
}

// Pipeline executes steps in order and stops at the first failure.
type Pipeline struct {
	// steps contains the ordered list of steps to execute.
	steps []Step

	// stepTimeout is the default deadline applied to each step.
	stepTimeout time.Duration

	logger *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithPipelineStepTimeout sets the deadline applied to each step. Zero disables
// per-step deadlines.
func WithPipelineStepTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.stepTimeout = timeout
	}
}

// NewPipeline creates an empty Pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		steps: make([]Step, 0, 7),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AddStep appends a step to the pipeline.
func (p *Pipeline) AddStep(step Step) {
	p.steps = append(p.steps, step)
}

// AddSteps appends multiple steps to the pipeline.
func (p *Pipeline) AddSteps(steps ...Step) {
	p.steps = append(p.steps, steps...)
}

// Execute runs the steps in order. The first failure is returned as an
// *Error; an *Error returned by a step itself is passed through unchanged.
func (p *Pipeline) Execute(ctx context.Context, state *State) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("bootstrap cancelled", "step", step.Name(), "reason", err)
			return &Error{Step: step.Name(), Err: err}
		}

		p.logger.Info("executing step", "step", step.Name())
		start := time.Now()

		if err := p.run(ctx, step, state); err != nil {
			p.logger.Error("step failed", "step", step.Name(), "error", err)

			var stepErr *Error
			if errors.As(err, &stepErr) {
				return err
			}
			return &Error{Step: step.Name(), Err: err}
		}

		p.logger.Debug("step completed", "step", step.Name(), "elapsed", time.Since(start))
		state.CompletedSteps = append(state.CompletedSteps, step.Name())
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, step Step, state *State) error {
	timeout := p.stepTimeout
	if t, ok := step.(timeouter); ok {
		timeout = t.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return step.Do(ctx, state)
}

// StepCount returns the number of steps in the pipeline.
func (p *Pipeline) StepCount() int {
	return len(p.steps)
}

// StepNames returns the names of all steps in execution order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}
