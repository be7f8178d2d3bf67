package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type result struct {
	raw    []byte
	output string
	err    error
	cause  error // context cause when the attempt ended by cancellation or timeout
}

// work runs one attempt of a unit and records its outcome.
func (s *Scheduler) work(ctx context.Context, j *job, u *unit, lim *rate.Limiter) {
	defer s.wg.Done()

	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", j.id),
		slog.String("unit_id", u.id),
		slog.String("tool", u.tool),
		slog.String("target", u.target.Value),
		slog.Int("attempt", u.attempts),
	)
	ctx, span := s.tracer.Start(ctx, "unit "+u.tool, trace.WithAttributes(
		attribute.String("warden.job_id", j.id),
		attribute.String("warden.unit_id", u.id),
		attribute.String("warden.tool", u.tool),
		attribute.String("warden.target", u.target.Value),
		attribute.Int("warden.attempt", u.attempts),
	))
	defer span.End()

	start := time.Now()
	res := s.attempt(ctx, j, u, lim)
	status := s.finish(ctx, j, u, res, time.Since(start))

	span.SetAttributes(attribute.String("warden.outcome", string(status)))
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
}

func (s *Scheduler) attempt(ctx context.Context, j *job, u *unit, lim *rate.Limiter) result {
	a, err := s.registry.Lookup(u.tool)
	if err != nil {
		return result{err: err}
	}
	desc := a.Descriptor()
	if lim != nil {
		if err := pace(ctx, lim); err != nil {
			return result{output: desc.Output, err: err, cause: err}
		}
	}

	uctx := ctx
	timeout := cmp.Or(j.unitTimeout, desc.DefaultTimeout, s.cfg.UnitTimeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeoutCause(ctx, timeout, model.ErrUnitTimeout)
		defer cancel()
	}
	slog.DebugContext(uctx, "unit started", "timeout", timeout)
	raw, err := s.invoke(uctx, a, u.target, adapter.Options{Args: j.args})
	res := result{raw: raw, output: desc.Output, err: err}
	if err != nil && uctx.Err() != nil {
		res.cause = context.Cause(uctx)
	}
	return res
}

// pace waits for the target's rate limiter.
func pace(ctx context.Context, lim *rate.Limiter) error {
	r := lim.Reserve()
	d := r.Delay()
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return context.Cause(ctx)
	}
}

// invoke calls the adapter and returns at most Grace after ctx ended, even
// if the adapter did not.
func (s *Scheduler) invoke(ctx context.Context, a adapter.Adapter, target model.Target, opts adapter.Options) ([]byte, error) {
	ch := make(chan result, 1)
	go func() {
		raw, err := adapter.Invoke(ctx, a, target, opts)
		ch <- result{raw: raw, err: err}
	}()

	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(s.cfg.Grace)
	defer grace.Stop()
	select {
	case r := <-ch:
		if r.err == nil {
			r.err = context.Cause(ctx)
		}
		return nil, r.err
	case <-grace.C:
		slog.WarnContext(ctx, "adapter did not return within grace, reclaiming unit", "grace", s.cfg.Grace)
		return nil, fmt.Errorf("reclaimed after %s: %w", s.cfg.Grace, context.Cause(ctx))
	}
}

// finish maps the attempt result to the next unit status and queues it for
// the job writer.
func (s *Scheduler) finish(ctx context.Context, j *job, u *unit, res result, d time.Duration) model.UnitStatus {
	status := model.UnitSucceeded
	failure := model.FailureNone
	var msg string
	switch {
	case res.err == nil:
	case errors.Is(res.cause, model.ErrUnitTimeout):
		status, msg = model.UnitTimedOut, res.err.Error()
	case res.cause != nil:
		status, msg = model.UnitCancelled, res.err.Error()
	default:
		failure, msg = adapter.Classify(res.err), res.err.Error()
		status = model.UnitFailed
		if failure == model.FailureTransient && j.policy.Allow(u.attempts) {
			status = model.UnitQueued
		}
	}

	lctx := context.WithoutCancel(ctx)
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(j.running, u.id)
	s.running--
	u.cancel(nil)
	u.cancel = nil
	if status == model.UnitQueued && (j.stopped != nil || u.cancelled) {
		status = model.UnitCancelled
	}

	j.w.push(func() {
		su, err := s.ledger.UpdateUnit(lctx, j.id, u.id, status, func(su *model.ScanUnit) {
			su.Failure = failure
			su.Error = msg
			if status == model.UnitSucceeded {
				su.Output = res.raw
			}
		})
		if err != nil {
			slog.ErrorContext(lctx, "recording unit outcome", "status", status, "error", err)
			return
		}
		if status == model.UnitSucceeded && s.sink != nil {
			if err := s.sink.Consume(lctx, su, res.output, res.raw); err != nil {
				slog.ErrorContext(lctx, "consuming unit output", "error", err)
			}
		}
	})
	s.metrics.Attempt(u.tool, status, d)

	if status == model.UnitQueued {
		delay := j.policy.Delay(u.attempts - 1)
		u.readyAt = time.Now().Add(delay)
		j.delayed = append(j.delayed, u)
		s.queued++
		s.metrics.Retry(u.tool)
		slog.InfoContext(lctx, "unit failed transiently, retry scheduled", "delay", delay, "error", msg)
	} else {
		j.remaining--
		if failure == model.FailurePermanent && status == model.UnitFailed {
			j.permanent++
		}
		slog.InfoContext(lctx, "unit finished", "status", status, "failure", failure, "duration", d, "error", msg)
		s.maybeFinishLocked(j)
	}
	s.loadLocked()
	s.wakeup()
	return status
}
