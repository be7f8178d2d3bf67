// Package adaptertest provides in-process adapters for tests.
package adaptertest

import (
	"context"
	"sync/atomic"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// Func is an adapter backed by a function. It counts invocations.
type Func struct {
	Desc  model.ToolDescriptor
	Fn    func(ctx context.Context, target model.Target) ([]byte, error)
	calls atomic.Int64
}

func New(id string, fn func(ctx context.Context, target model.Target) ([]byte, error)) *Func {
	return &Func{
		Desc: model.ToolDescriptor{ID: id, Kind: "test", Output: "findings-json", Available: true},
		Fn:   fn,
	}
}

func (f *Func) Descriptor() model.ToolDescriptor {
	return f.Desc
}

func (f *Func) Invoke(ctx context.Context, target model.Target, _ adapter.Options) ([]byte, error) {
	f.calls.Add(1)
	return f.Fn(ctx, target)
}

// Calls returns the number of invocations so far.
func (f *Func) Calls() int {
	return int(f.calls.Load())
}

// Output returns a constant output.
func Output(raw string) func(context.Context, model.Target) ([]byte, error) {
	return func(context.Context, model.Target) ([]byte, error) {
		return []byte(raw), nil
	}
}

// Fail always returns err.
func Fail(err error) func(context.Context, model.Target) ([]byte, error) {
	return func(context.Context, model.Target) ([]byte, error) {
		return nil, err
	}
}

// Hang ignores cancellation, like a hung tool, until release is closed.
func Hang(release <-chan struct{}) func(context.Context, model.Target) ([]byte, error) {
	return func(context.Context, model.Target) ([]byte, error) {
		<-release
		return nil, nil
	}
}

// Until returns raw once ch is closed or the context cause if ctx ends first.
func Until(ch <-chan struct{}, raw string) func(context.Context, model.Target) ([]byte, error) {
	return func(ctx context.Context, _ model.Target) ([]byte, error) {
		select {
		case <-ch:
			return []byte(raw), nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}
