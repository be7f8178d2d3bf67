// Package engine is the entry point of scan orchestration: it validates and
// resolves requests, hands their units to the scheduler and answers status
// and result queries from the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/aggregate"
	"github.com/CZERTAINLY/Warden/internal/ledger"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/resolve"
	"github.com/CZERTAINLY/Warden/internal/scheduler"
	"github.com/CZERTAINLY/Warden/internal/store"
	"github.com/google/uuid"
)

type Engine struct {
	registry *adapter.Registry
	ledger   *ledger.Ledger
	sched    *scheduler.Scheduler
	newID    func() string
}

type options struct {
	metrics *metrics.Metrics
	store   *store.Store
	newID   func() string
}

type Option func(*options)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithStore persists finished units and jobs and makes jobs stored by a
// previous run queryable again.
func WithStore(s *store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithIDs replaces the random job id generator.
func WithIDs(newID func() string) Option {
	return func(o *options) {
		o.newID = newID
	}
}

func New(ctx context.Context, cfg scheduler.Config, registry *adapter.Registry, opts ...Option) (*Engine, error) {
	o := options{newID: uuid.NewString}
	for _, fn := range opts {
		fn(&o)
	}

	var lopts []ledger.Option
	if o.store != nil {
		lopts = append(lopts, ledger.WithPersister(o.store))
	}
	l := ledger.New(lopts...)
	if o.store != nil {
		if err := restore(ctx, o.store, l); err != nil {
			return nil, err
		}
	}

	agg := aggregate.New(l).WithMetrics(o.metrics)
	return &Engine{
		registry: registry,
		ledger:   l,
		sched:    scheduler.New(cfg, registry, l, agg, scheduler.WithMetrics(o.metrics)),
		newID:    o.newID,
	}, nil
}

func restore(ctx context.Context, s *store.Store, l *ledger.Ledger) error {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing stored jobs: %w", err)
	}
	for _, j := range jobs {
		snap, err := s.LoadJob(ctx, j.ID)
		if err != nil {
			return fmt.Errorf("loading job %s: %w", j.ID, err)
		}
		if err := l.Restore(snap); err != nil {
			return err
		}
	}
	slog.DebugContext(ctx, "restored jobs", "count", len(jobs))
	return nil
}

// Submit validates and resolves the request and queues its units. It
// returns the job id without waiting for any unit.
func (e *Engine) Submit(ctx context.Context, req model.Request) (string, error) {
	if err := e.validate(req); err != nil {
		return "", err
	}
	pairs, err := resolve.Resolve(req.Targets, req.Tools)
	if err != nil {
		return "", err
	}

	id := e.newID()
	ns, err := uuid.Parse(id)
	if err != nil {
		ns = uuid.NewSHA1(uuid.Nil, []byte(id))
	}
	units := make([]model.ScanUnit, len(pairs))
	for i, p := range pairs {
		units[i] = model.ScanUnit{
			ID:     uuid.NewSHA1(ns, []byte(p.Target.Value+"\x00"+p.Tool)).String(),
			JobID:  id,
			Target: p.Target,
			Tool:   p.Tool,
		}
	}
	job := model.ScanJob{
		ID:      id,
		Name:    req.Name,
		Request: req,
	}
	if err := e.sched.Submit(job, units); err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "scan submitted", "job_id", id, "name", req.Name, "units", len(units))
	return id, nil
}

func (e *Engine) validate(req model.Request) error {
	var errs []error
	if len(req.Tools) == 0 {
		errs = append(errs, errors.New("no tools"))
	}
	for _, t := range req.Tools {
		if _, err := e.registry.Lookup(t); err != nil {
			errs = append(errs, fmt.Errorf("unknown tool %q", t))
		}
	}
	o := req.Options
	if o.ConcurrencyCap < 0 || o.UnitTimeout < 0 || o.JobTimeout < 0 {
		errs = append(errs, errors.New("negative option"))
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		errs = append(errs, errors.New("negative max retries"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidSpecification, err)
	}
	return nil
}

func (e *Engine) Status(jobID string) (model.Status, error) {
	snap, err := e.ledger.Snapshot(jobID)
	if err != nil {
		return model.Status{}, err
	}
	return model.StatusOf(snap), nil
}

// Results returns the findings known so far; they are final once the job
// is terminal.
func (e *Engine) Results(jobID string) (model.Results, error) {
	snap, err := e.ledger.Snapshot(jobID)
	if err != nil {
		return model.Results{}, err
	}
	return model.ResultsOf(snap), nil
}

// Snapshot returns everything known about a job.
func (e *Engine) Snapshot(jobID string) (model.JobSnapshot, error) {
	return e.ledger.Snapshot(jobID)
}

func (e *Engine) Cancel(jobID string) error {
	return e.sched.Cancel(jobID)
}

func (e *Engine) CancelUnit(jobID, unitID string) error {
	return e.sched.CancelUnit(jobID, unitID)
}

// Wait blocks until the job is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, jobID string) (model.Results, error) {
	done, err := e.sched.Done(jobID)
	if err != nil {
		return model.Results{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return model.Results{}, context.Cause(ctx)
	}
	return e.Results(jobID)
}

func (e *Engine) Tools() []model.ToolDescriptor {
	return e.registry.Descriptors()
}

func (e *Engine) Jobs() []model.ScanJob {
	return e.ledger.Jobs()
}

// Close cancels running jobs and waits for their units to be reclaimed.
func (e *Engine) Close(ctx context.Context) error {
	return e.sched.Close(ctx)
}
