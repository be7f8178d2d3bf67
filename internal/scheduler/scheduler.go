// Package scheduler executes the units of scan jobs on a bounded pool of
// workers.
//
// A single dispatcher goroutine assigns queued units to workers. Units of a
// job are taken in FIFO order and jobs are served round-robin, so a job with
// many units cannot monopolize the pool. Each job is further limited by its
// own concurrency cap. A unit that failed transiently is re-queued with a
// ready-at time computed by the retry policy; waiting for it does not hold a
// worker.
//
// The ledger is the record of truth. The scheduler only keeps the queues and
// the capacity counters, guarded by one mutex. Ledger updates are decided
// under that mutex but applied by a writer goroutine of the job, in order
// and without it, so jobs never wait for each other's ledger writes.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/ledger"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/retry"
	"github.com/CZERTAINLY/Warden/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler closed")

type Config struct {
	Concurrency    int           // global worker cap
	JobConcurrency int           // default per-job cap, 0 means the global cap
	QueueDepth     int           // max queued units across jobs, 0 means unlimited
	UnitTimeout    time.Duration // used when neither the job nor the tool sets one
	JobTimeout     time.Duration // 0 means none
	Grace          time.Duration // how long a cancelled adapter may take to return
	TargetRate     float64       // attempts per second per target, 0 means unpaced
	Retry          retry.Policy
}

// FromConfig converts the engine section of the configuration.
func FromConfig(e *model.Engine, policy retry.Policy) (Config, error) {
	cfg := Config{
		Concurrency:    model.DefaultConcurrency,
		JobConcurrency: model.DefaultJobConcurrency,
		QueueDepth:     model.DefaultQueueDepth,
		UnitTimeout:    model.DefaultUnitTimeout,
		JobTimeout:     model.DefaultJobTimeout,
		Grace:          model.DefaultGrace,
		Retry:          policy,
	}
	if e == nil {
		return cfg, nil
	}
	if e.Concurrency != nil {
		cfg.Concurrency = *e.Concurrency
	}
	if e.JobConcurrency != nil {
		cfg.JobConcurrency = *e.JobConcurrency
	}
	if e.QueueDepth != nil {
		cfg.QueueDepth = *e.QueueDepth
	}
	cfg.TargetRate = model.Get(e.TargetRate)

	var errs []error
	for _, d := range []struct {
		dst *time.Duration
		src *model.Duration
	}{
		{&cfg.UnitTimeout, e.UnitTimeout},
		{&cfg.JobTimeout, e.JobTimeout},
		{&cfg.Grace, e.Grace},
	} {
		v, err := model.Get(d.src).Or(*d.dst)
		errs = append(errs, err)
		*d.dst = v
	}
	return cfg, errors.Join(errs...)
}

// Sink receives the raw output of a succeeded unit right after the unit is
// marked succeeded. A status query taken in between sees the unit succeeded
// without its findings yet; the job turns terminal only after the sink
// returned.
type Sink interface {
	Consume(ctx context.Context, unit model.ScanUnit, output string, raw []byte) error
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = t
	}
}

type Scheduler struct {
	cfg      Config
	registry *adapter.Registry
	ledger   *ledger.Ledger
	sink     Sink
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelCauseFunc
	wake   chan struct{}
	wg     sync.WaitGroup // dispatcher, workers and job expiry callbacks

	mx       sync.Mutex
	closed   bool
	jobs     map[string]*job
	active   []*job // round-robin ring, the last served job at the end
	running  int
	queued   int // queued and delayed units of all jobs
	limiters map[string]*rate.Limiter
}

type job struct {
	id          string
	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimer   context.CancelFunc
	stopAfter   func() bool
	w           *writer
	policy      retry.Policy
	limit       int
	unitTimeout time.Duration
	args        map[string]string

	queue   []*unit
	delayed []*unit
	running map[string]*unit

	total      int
	remaining  int // non-terminal units
	permanent  int
	stopped    error // cause of a job level stop
	dispatched bool
	finished   bool
	done       chan struct{}
}

type unit struct {
	id        string
	target    model.Target
	tool      string
	attempts  int
	readyAt   time.Time
	cancel    context.CancelCauseFunc
	cancelled bool
}

// New starts the dispatcher. Close must be called to release it.
func New(cfg Config, registry *adapter.Registry, l *ledger.Ledger, sink Sink, opts ...Option) *Scheduler {
	cfg.Concurrency = max(cfg.Concurrency, 1)
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		ledger:   l,
		sink:     sink,
		tracer:   telemetry.Tracer(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		jobs:     make(map[string]*job),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Submit records the job in the ledger and queues its units. It returns
// ErrOverloaded if the queue depth would be exceeded; nothing is recorded
// then.
func (s *Scheduler) Submit(sj model.ScanJob, units []model.ScanUnit) error {
	if len(units) == 0 {
		return fmt.Errorf("job %s has no units: %w", sj.ID, model.ErrInvalidSpecification)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cfg.QueueDepth > 0 && s.queued+len(units) > s.cfg.QueueDepth {
		return fmt.Errorf("%d queued units, %d more exceed the depth of %d: %w",
			s.queued, len(units), s.cfg.QueueDepth, model.ErrOverloaded)
	}
	if err := s.ledger.Create(sj, units); err != nil {
		return err
	}

	opts := sj.Request.Options
	j := &job{
		id:          sj.ID,
		w:           newWriter(),
		policy:      s.cfg.Retry.WithMaxRetries(opts.MaxRetries),
		limit:       cmp.Or(opts.ConcurrencyCap, s.cfg.JobConcurrency),
		unitTimeout: opts.UnitTimeout,
		args:        opts.Args,
		running:     make(map[string]*unit),
		total:       len(units),
		remaining:   len(units),
		done:        make(chan struct{}),
	}
	j.ctx, j.cancel = context.WithCancelCause(s.ctx)
	if timeout := cmp.Or(opts.JobTimeout, s.cfg.JobTimeout); timeout > 0 {
		j.ctx, j.stopTimer = context.WithTimeoutCause(j.ctx, timeout, model.ErrJobTimeout)
	}
	s.wg.Add(1)
	j.stopAfter = context.AfterFunc(j.ctx, func() {
		defer s.wg.Done()
		s.expire(j)
	})
	s.wg.Go(j.w.run)
	for _, u := range units {
		j.queue = append(j.queue, &unit{id: u.ID, target: u.Target, tool: u.Tool, attempts: u.Attempts})
	}

	s.jobs[j.id] = j
	s.active = append(s.active, j)
	s.queued += len(units)
	s.loadLocked()
	s.wakeup()
	slog.Info("job submitted", "job_id", j.id, "units", len(units))
	return nil
}

// Done returns a channel closed once the job reached a terminal status.
func (s *Scheduler) Done(jobID string) (<-chan struct{}, error) {
	s.mx.Lock()
	j, ok := s.jobs[jobID]
	s.mx.Unlock()
	if ok {
		return j.done, nil
	}
	sj, err := s.ledger.Job(jobID)
	if err != nil {
		return nil, err
	}
	if !sj.Status.Terminal() {
		return nil, fmt.Errorf("job %s is %s but not scheduled: %w", jobID, sj.Status, model.ErrNotFound)
	}
	ch := make(chan struct{})
	close(ch)
	return ch, nil
}

// Load returns the number of queued and running units.
func (s *Scheduler) Load() (queued, running int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.queued, s.running
}

// Close cancels every job, stops the dispatcher and waits for workers to be
// reclaimed or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mx.Lock()
	if !s.closed {
		s.closed = true
		for _, j := range slices.Clone(s.active) {
			s.stopLocked(j, model.ErrExternalCancel)
		}
	}
	s.mx.Unlock()
	s.cancel(model.ErrExternalCancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mx.Lock()
		next := s.dispatchLocked(time.Now())
		s.mx.Unlock()

		var tick <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			tick = timer.C
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-tick:
		}
	}
}

// dispatchLocked promotes due retries and fills free workers. It returns the
// earliest ready-at time of a pending retry or zero.
func (s *Scheduler) dispatchLocked(now time.Time) time.Time {
	if s.closed {
		return time.Time{}
	}
	var next time.Time
	for _, j := range s.active {
		if len(j.delayed) == 0 {
			continue
		}
		later := j.delayed[:0]
		for _, u := range j.delayed {
			if !u.readyAt.After(now) {
				j.queue = append(j.queue, u)
				continue
			}
			later = append(later, u)
			if next.IsZero() || u.readyAt.Before(next) {
				next = u.readyAt
			}
		}
		clear(j.delayed[len(later):])
		j.delayed = later
	}

	for s.running < s.cfg.Concurrency {
		j := s.nextLocked()
		if j == nil {
			break
		}
		u := j.queue[0]
		j.queue[0] = nil
		j.queue = j.queue[1:]
		s.startLocked(j, u)
	}
	s.loadLocked()
	return next
}

// nextLocked picks the first job with a dispatchable unit and moves it to
// the end of the ring.
func (s *Scheduler) nextLocked() *job {
	for idx, j := range s.active {
		if j.stopped != nil || len(j.queue) == 0 {
			continue
		}
		if j.limit > 0 && len(j.running) >= j.limit {
			continue
		}
		s.active = append(slices.Delete(s.active, idx, idx+1), j)
		return j
	}
	return nil
}

func (s *Scheduler) startLocked(j *job, u *unit) {
	lctx := context.WithoutCancel(j.ctx)
	if !j.dispatched {
		j.dispatched = true
		j.w.push(func() {
			if err := s.ledger.SetJobStatus(lctx, j.id, model.JobRunning, ""); err != nil {
				slog.ErrorContext(lctx, "starting job", "job_id", j.id, "error", err)
			}
		})
	}
	s.queued--
	u.attempts++
	j.w.push(func() {
		if _, err := s.ledger.UpdateUnit(lctx, j.id, u.id, model.UnitRunning, nil); err != nil {
			slog.ErrorContext(lctx, "starting unit", "job_id", j.id, "unit_id", u.id, "error", err)
		}
	})

	var lim *rate.Limiter
	if s.cfg.TargetRate > 0 {
		lim = s.limiters[u.target.Value]
		if lim == nil {
			lim = rate.NewLimiter(rate.Limit(s.cfg.TargetRate), 1)
			s.limiters[u.target.Value] = lim
		}
	}

	ctx, cancel := context.WithCancelCause(j.ctx)
	u.cancel = cancel
	j.running[u.id] = u
	s.running++
	s.wg.Add(1)
	go s.work(ctx, j, u, lim)
}

// stopLocked cancels a job: queued units become cancelled at once, running
// ones have their context cancelled. No unit of the job is dispatched
// afterwards.
func (s *Scheduler) stopLocked(j *job, cause error) {
	if j.finished || j.stopped != nil {
		return
	}
	j.stopped = cause
	slog.Info("job stopped", "job_id", j.id, "cause", cause)
	for _, u := range slices.Concat(j.queue, j.delayed) {
		s.cancelQueuedLocked(j, u, cause)
	}
	j.queue, j.delayed = nil, nil
	j.cancel(cause)
	s.maybeFinishLocked(j)
	s.loadLocked()
}

func (s *Scheduler) cancelQueuedLocked(j *job, u *unit, cause error) {
	lctx := context.WithoutCancel(j.ctx)
	j.w.push(func() {
		_, err := s.ledger.UpdateUnit(lctx, j.id, u.id, model.UnitCancelled, func(su *model.ScanUnit) {
			su.Error = cause.Error()
		})
		if err != nil {
			slog.ErrorContext(lctx, "cancelling unit", "job_id", j.id, "unit_id", u.id, "error", err)
		}
	})
	j.remaining--
	s.queued--
}

// expire runs once the job context ended, typically on job timeout.
func (s *Scheduler) expire(j *job) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.stopLocked(j, context.Cause(j.ctx))
}

func (j *job) outcome() (model.JobStatus, string) {
	switch {
	case errors.Is(j.stopped, model.ErrJobTimeout):
		return model.JobFailed, model.ReasonJobTimeout
	case j.stopped != nil:
		return model.JobCancelled, model.ReasonExternalCancel
	case j.permanent == j.total:
		return model.JobFailed, model.ReasonAllUnitsFailed
	default:
		return model.JobCompleted, ""
	}
}

// maybeFinishLocked finalises the job once every unit is terminal. The job
// is done once its writer recorded the terminal status.
func (s *Scheduler) maybeFinishLocked(j *job) {
	if j.finished || j.remaining > 0 {
		return
	}
	j.finished = true
	if j.stopAfter() {
		s.wg.Done()
	}
	if j.stopTimer != nil {
		j.stopTimer()
	}
	j.cancel(nil)

	if idx := slices.Index(s.active, j); idx >= 0 {
		s.active = slices.Delete(s.active, idx, idx+1)
	}
	if len(s.active) == 0 {
		clear(s.limiters)
	}

	status, reason := j.outcome()
	lctx := context.WithoutCancel(j.ctx)
	j.w.push(func() {
		if err := s.ledger.SetJobStatus(lctx, j.id, status, reason); err != nil {
			slog.ErrorContext(lctx, "finishing job", "job_id", j.id, "error", err)
		}
		s.metrics.Job(status)

		s.mx.Lock()
		delete(s.jobs, j.id)
		s.mx.Unlock()
		close(j.done)
		slog.InfoContext(lctx, "job finished", "job_id", j.id, "status", status, "reason", reason)
	})
	j.w.close()
}

// ack returns a channel closed once the ledger holds every update of the
// job decided so far.
func (j *job) ack() <-chan struct{} {
	if j.finished {
		return j.done
	}
	return j.w.sync()
}

func (s *Scheduler) loadLocked() {
	s.metrics.Load(s.queued, s.running)
}
