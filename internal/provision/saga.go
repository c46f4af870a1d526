package provision

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Step is one phase of a cross-system write. Compensate undoes a completed
// Forward and may be nil when the phase has nothing to undo.
type Step struct {
	Name       string
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// saga runs steps in order and, on failure, compensates the completed ones in
// reverse order.
type saga struct {
	steps  []Step
	tracer trace.Tracer
}

// StepError reports the forward step that failed after compensation succeeded.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// run returns nil, a *StepError when every compensation succeeded, or a
// *ConsistencyError when some compensation failed.
func (s saga) run(ctx context.Context) error {
	var done []Step
	for _, step := range s.steps {
		err := s.trace(ctx, "forward."+step.Name, step.Forward)
		if err == nil {
			done = append(done, step)
			continue
		}
		var compErrs []error
		for i := len(done) - 1; i >= 0; i-- {
			prev := done[i]
			if prev.Compensate == nil {
				continue
			}
			if cerr := s.trace(ctx, "compensate."+prev.Name, prev.Compensate); cerr != nil {
				compErrs = append(compErrs, cerr)
			}
		}
		if len(compErrs) > 0 {
			return &ConsistencyError{
				Phase:           step.Name,
				Err:             err,
				CompensationErr: errors.Join(compErrs...),
			}
		}
		return &StepError{Step: step.Name, Err: err}
	}
	return nil
}

func (s saga) trace(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "provision."+name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("ok", err == nil))
	return err
}
