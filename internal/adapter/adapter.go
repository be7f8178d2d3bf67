// Package adapter defines the uniform contract every scanning tool is driven
// through, the registry of adapters and the generic subprocess adapter.
//
// An adapter is stateless between invocations and safe for concurrent use.
// It returns raw output on success. Failures are classified as transient
// (the scheduler may retry) or permanent (the unit fails immediately).
// Unclassified errors count as transient, the same as a crashed tool.
//
// Cancellation is carried by the context. An adapter must return promptly
// once the context is done; the scheduler reclaims the unit after a bounded
// grace period whether it returned or not.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Options are per-invocation arguments taken from the job request.
type Options struct {
	Args map[string]string
}

type Adapter interface {
	Descriptor() model.ToolDescriptor
	Invoke(ctx context.Context, target model.Target, opts Options) ([]byte, error)
}

// ToolError is a classified adapter failure.
type ToolError struct {
	Class model.FailureClass
	Err   error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s tool failure: %v", e.Class, e.Err)
}

func (e *ToolError) Unwrap() []error {
	if e.Class == model.FailurePermanent {
		return []error{model.ErrPermanentToolFailure, e.Err}
	}
	return []error{model.ErrTransientToolFailure, e.Err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ToolError{Class: model.FailureTransient, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ToolError{Class: model.FailurePermanent, Err: err}
}

// Classify returns the failure class of an adapter error.
func Classify(err error) model.FailureClass {
	switch {
	case err == nil:
		return model.FailureNone
	case errors.Is(err, model.ErrPermanentToolFailure):
		return model.FailurePermanent
	default:
		return model.FailureTransient
	}
}

// Invoke checks the adapter accepts target and calls it.
func Invoke(ctx context.Context, a Adapter, target model.Target, opts Options) ([]byte, error) {
	desc := a.Descriptor()
	if !desc.Supports(target.Kind) {
		return nil, Permanent(fmt.Errorf("tool %s does not accept %s targets", desc.ID, target.Kind))
	}
	return a.Invoke(ctx, target, opts)
}
