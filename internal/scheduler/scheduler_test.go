package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/adapter/adaptertest"
	"github.com/CZERTAINLY/Warden/internal/aggregate"
	"github.com/CZERTAINLY/Warden/internal/ledger"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/retry"
	"github.com/CZERTAINLY/Warden/internal/scheduler"
	"github.com/stretchr/testify/require"
)

const finding = `[{"category":"open_port","severity":"low","evidence":"443/tcp open"}]`

func config() scheduler.Config {
	return scheduler.Config{
		Concurrency: 4,
		UnitTimeout: time.Minute,
		Grace:       100 * time.Millisecond,
		Retry: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
		},
	}
}

func start(t *testing.T, cfg scheduler.Config, adapters ...adapter.Adapter) (*scheduler.Scheduler, *ledger.Ledger) {
	t.Helper()
	reg, err := adapter.NewRegistry(adapters...)
	require.NoError(t, err)
	l := ledger.New()
	return scheduler.New(cfg, reg, l, aggregate.New(l)), l
}

func stop(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	require.NoError(t, s.Close(context.Background()))
}

// job builds a job with one unit per (target, tool) pair, target-major.
func job(id string, opts model.Options, targets []string, tools ...string) (model.ScanJob, []model.ScanUnit) {
	var units []model.ScanUnit
	for _, target := range targets {
		for _, tool := range tools {
			units = append(units, model.ScanUnit{
				ID:     fmt.Sprintf("%s-%d", id, len(units)),
				Target: model.Target{Value: target, Kind: model.TargetIP},
				Tool:   tool,
			})
		}
	}
	return model.ScanJob{ID: id, Request: model.Request{Options: opts}}, units
}

func wait(t *testing.T, s *scheduler.Scheduler, l *ledger.Ledger, jobID string) model.JobSnapshot {
	t.Helper()
	done, err := s.Done(jobID)
	require.NoError(t, err)
	<-done
	snap, err := l.Snapshot(jobID)
	require.NoError(t, err)
	return snap
}

func TestScheduler_Success(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		toolA := adaptertest.New("toolA", adaptertest.Output(finding))
		toolB := adaptertest.New("toolB", adaptertest.Output(finding))
		s, l := start(t, config(), toolA, toolB)
		defer stop(t, s)

		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.5"}, "toolA", "toolB")))
		snap := wait(t, s, l, "j")

		require.Equal(t, model.JobCompleted, snap.Job.Status)
		require.Equal(t, map[model.UnitStatus]int{model.UnitSucceeded: 2}, snap.UnitCounts())
		require.Len(t, snap.Findings, 1)
		require.Equal(t, []string{"toolA", "toolB"}, snap.Findings[0].Tools)
		require.Greater(t, snap.Findings[0].Confidence, aggregate.DefaultConfidence)
		require.Equal(t, []byte(finding), snap.Units[0].Output)

		queued, running := s.Load()
		require.Zero(t, queued)
		require.Zero(t, running)
	})
}

func TestScheduler_JobTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		hung := adaptertest.New("hung", adaptertest.Hang(release))
		cfg := config()
		cfg.JobTimeout = 2 * time.Second
		s, l := start(t, cfg, hung)
		defer stop(t, s)

		begin := time.Now()
		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1", "10.0.0.2"}, "hung")))
		snap := wait(t, s, l, "j")

		require.LessOrEqual(t, time.Since(begin), 2500*time.Millisecond)
		require.Equal(t, model.JobFailed, snap.Job.Status)
		require.Equal(t, model.ReasonJobTimeout, snap.Job.Reason)
		require.Equal(t, map[model.UnitStatus]int{model.UnitCancelled: 2}, snap.UnitCounts())
	})
}

func TestScheduler_JobTimeout_Defaults(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		hung := adaptertest.New("hung", adaptertest.Hang(release))
		cfg, err := scheduler.FromConfig(nil, retry.Default())
		require.NoError(t, err)
		cfg.JobTimeout = 2 * time.Second
		s, l := start(t, cfg, hung)
		defer stop(t, s)

		begin := time.Now()
		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1"}, "hung")))
		snap := wait(t, s, l, "j")

		require.LessOrEqual(t, time.Since(begin), 2500*time.Millisecond)
		require.Equal(t, model.JobFailed, snap.Job.Status)
		require.Equal(t, model.ReasonJobTimeout, snap.Job.Reason)
		require.Equal(t, map[model.UnitStatus]int{model.UnitCancelled: 1}, snap.UnitCounts())
	})
}

func TestScheduler_TransientExhausted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		flaky := adaptertest.New("flaky", adaptertest.Fail(adapter.Transient(errors.New("connection reset"))))
		s, l := start(t, config(), flaky)
		defer stop(t, s)

		begin := time.Now()
		require.NoError(t, s.Submit(job("j", model.Options{MaxRetries: ptr(2)}, []string{"10.0.0.1"}, "flaky")))
		snap := wait(t, s, l, "j")

		require.Equal(t, 3, flaky.Calls())
		// backoff of 1s and 2s, no jitter
		require.Equal(t, 3*time.Second, time.Since(begin))
		require.Equal(t, model.JobCompleted, snap.Job.Status)
		u := snap.Units[0]
		require.Equal(t, model.UnitFailed, u.Status)
		require.Equal(t, model.FailureTransient, u.Failure)
		require.Equal(t, 3, u.Attempts)
		require.Contains(t, u.Error, "connection reset")
	})
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var n atomic.Int32
		tool := adaptertest.New("tool", func(context.Context, model.Target) ([]byte, error) {
			if n.Add(1) == 1 {
				return nil, errors.New("crashed")
			}
			return []byte(finding), nil
		})
		s, l := start(t, config(), tool)
		defer stop(t, s)

		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1"}, "tool")))
		snap := wait(t, s, l, "j")
		u := snap.Units[0]
		require.Equal(t, model.UnitSucceeded, u.Status)
		require.Equal(t, 2, u.Attempts)
		require.Empty(t, u.Error)
		require.Equal(t, model.FailureNone, u.Failure)
	})
}

func TestScheduler_Permanent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		broken := adaptertest.New("broken", adaptertest.Fail(adapter.Permanent(errors.New("bad arguments"))))
		s, l := start(t, config(), broken)
		defer stop(t, s)

		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1", "10.0.0.2"}, "broken")))
		snap := wait(t, s, l, "j")
		require.Equal(t, 2, broken.Calls())
		require.Equal(t, model.JobFailed, snap.Job.Status)
		require.Equal(t, model.ReasonAllUnitsFailed, snap.Job.Reason)
		for _, u := range snap.Units {
			require.Equal(t, model.FailurePermanent, u.Failure)
			require.Equal(t, 1, u.Attempts)
		}
	})
}

func TestScheduler_UnitTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		never := make(chan struct{})
		slow := adaptertest.New("slow", adaptertest.Until(never, finding))
		slow.Desc.DefaultTimeout = time.Second
		fast := adaptertest.New("fast", adaptertest.Output(finding))
		s, l := start(t, config(), slow, fast)
		defer stop(t, s)

		begin := time.Now()
		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1"}, "slow", "fast")))
		snap := wait(t, s, l, "j")
		require.Equal(t, time.Second, time.Since(begin))
		require.Equal(t, model.JobCompleted, snap.Job.Status)
		require.Equal(t, model.UnitTimedOut, snap.Units[0].Status)
		require.Equal(t, 1, slow.Calls(), "unit timeout is not retried")
		require.Equal(t, model.UnitSucceeded, snap.Units[1].Status)

		// a job option wins over the tool default
		begin = time.Now()
		require.NoError(t, s.Submit(job("k", model.Options{UnitTimeout: 3 * time.Second}, []string{"10.0.0.1"}, "slow")))
		_ = wait(t, s, l, "k")
		require.Equal(t, 3*time.Second, time.Since(begin))
	})
}

// concurrency tracks the number of simultaneous invocations.
type concurrency struct {
	mx      sync.Mutex
	current int
	peak    int
	order   []string
}

func (c *concurrency) adapter(id string, d time.Duration) *adaptertest.Func {
	return adaptertest.New(id, func(ctx context.Context, target model.Target) ([]byte, error) {
		c.mx.Lock()
		c.current++
		c.peak = max(c.peak, c.current)
		c.order = append(c.order, target.Value)
		c.mx.Unlock()
		defer func() {
			c.mx.Lock()
			c.current--
			c.mx.Unlock()
		}()
		select {
		case <-time.After(d):
			return []byte("[]"), nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	})
}

func (c *concurrency) max(reset bool) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	ret := c.peak
	if reset {
		c.peak = 0
	}
	return ret
}

func TestScheduler_Fairness(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := &concurrency{}
		cfg := config()
		cfg.Concurrency = 2
		s, l := start(t, cfg, c.adapter("tool", time.Second))
		defer stop(t, s)

		targetsA := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"}
		targetsB := []string{"10.0.1.1", "10.0.1.2", "10.0.1.3", "10.0.1.4", "10.0.1.5", "10.0.1.6"}
		require.NoError(t, s.Submit(job("a", model.Options{}, targetsA, "tool")))
		require.NoError(t, s.Submit(job("b", model.Options{}, targetsB, "tool")))

		a := wait(t, s, l, "a")
		b := wait(t, s, l, "b")
		require.Equal(t, model.JobCompleted, a.Job.Status)
		require.Equal(t, model.JobCompleted, b.Job.Status)

		c.mx.Lock()
		defer c.mx.Unlock()
		require.Equal(t, 2, c.peak)
		require.Len(t, c.order, 12)
		// b is served before a ran out of units
		require.Contains(t, c.order[:4], "10.0.1.1")
		// FIFO within a job
		var gotA []string
		for _, target := range c.order {
			if target[:7] == "10.0.0." {
				gotA = append(gotA, target)
			}
		}
		require.Equal(t, targetsA, gotA)
	})
}

func TestScheduler_JobConcurrency(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := &concurrency{}
		cfg := config()
		cfg.Concurrency = 8
		cfg.JobConcurrency = 2
		s, l := start(t, cfg, c.adapter("tool", time.Second))
		defer stop(t, s)

		targets := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
		begin := time.Now()
		require.NoError(t, s.Submit(job("a", model.Options{}, targets, "tool")))
		_ = wait(t, s, l, "a")
		require.Equal(t, 3*time.Second, time.Since(begin))
		require.Equal(t, 2, c.max(true))

		// a job option overrides the engine default
		begin = time.Now()
		require.NoError(t, s.Submit(job("b", model.Options{ConcurrencyCap: 5}, targets, "tool")))
		_ = wait(t, s, l, "b")
		require.Equal(t, time.Second, time.Since(begin))
		require.Equal(t, 5, c.max(false))
	})
}

func TestScheduler_Cancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		never := make(chan struct{})
		slow := adaptertest.New("slow", adaptertest.Until(never, finding))
		fast := adaptertest.New("fast", adaptertest.Output(finding))
		cfg := config()
		cfg.JobConcurrency = 3
		s, l := start(t, cfg, slow, fast)
		defer stop(t, s)

		sj, units := job("j", model.Options{}, []string{"10.0.0.1"}, "fast")
		_, more := job("j-slow", model.Options{}, []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}, "slow")
		require.NoError(t, s.Submit(sj, append(units, more...)))

		synctest.Wait()
		require.Equal(t, 3, slow.Calls())
		u, err := l.Unit("j", "j-0")
		require.NoError(t, err)
		require.Equal(t, model.UnitSucceeded, u.Status)

		begin := time.Now()
		require.NoError(t, s.Cancel("j"))
		require.NoError(t, s.Cancel("j"), "cancel is idempotent")
		snap := wait(t, s, l, "j")
		require.LessOrEqual(t, time.Since(begin), cfg.Grace)

		require.Equal(t, 3, slow.Calls(), "nothing is dispatched after cancel")
		require.Equal(t, model.JobCancelled, snap.Job.Status)
		require.Equal(t, model.ReasonExternalCancel, snap.Job.Reason)
		require.Equal(t, map[model.UnitStatus]int{
			model.UnitSucceeded: 1,
			model.UnitCancelled: 4,
		}, snap.UnitCounts())
		require.Len(t, snap.Findings, 1, "results of succeeded units are kept")

		require.NoError(t, s.Cancel("j"), "cancel of a finished job")
		require.ErrorIs(t, s.Cancel("nope"), model.ErrNotFound)
	})
}

func TestScheduler_CancelUnit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := make(chan struct{})
		tool := adaptertest.New("tool", adaptertest.Until(ch, finding))
		cfg := config()
		cfg.Concurrency = 1
		s, l := start(t, cfg, tool)
		defer stop(t, s)

		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, "tool")))
		synctest.Wait()

		require.NoError(t, s.CancelUnit("j", "j-0")) // running
		require.NoError(t, s.CancelUnit("j", "j-2")) // queued
		require.ErrorIs(t, s.CancelUnit("j", "nope"), model.ErrNotFound)
		synctest.Wait()
		require.NoError(t, s.CancelUnit("j", "j-0"), "cancelling a terminal unit is a no-op")
		close(ch)

		snap := wait(t, s, l, "j")
		require.Equal(t, model.JobCompleted, snap.Job.Status)
		require.Equal(t, model.UnitCancelled, snap.Units[0].Status)
		require.Equal(t, model.UnitSucceeded, snap.Units[1].Status)
		require.Equal(t, model.UnitCancelled, snap.Units[2].Status)
		require.Equal(t, 2, tool.Calls())
	})
}

func TestScheduler_Overloaded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		never := make(chan struct{})
		tool := adaptertest.New("tool", adaptertest.Until(never, ""))
		cfg := config()
		cfg.Concurrency = 1
		cfg.QueueDepth = 3
		s, l := start(t, cfg, tool)
		defer stop(t, s)

		require.NoError(t, s.Submit(job("a", model.Options{}, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, "tool")))
		synctest.Wait()
		queued, running := s.Load()
		require.Equal(t, 2, queued)
		require.Equal(t, 1, running)

		err := s.Submit(job("b", model.Options{}, []string{"10.0.0.1", "10.0.0.2"}, "tool"))
		require.ErrorIs(t, err, model.ErrOverloaded)
		_, err = l.Snapshot("b")
		require.ErrorIs(t, err, model.ErrNotFound)

		require.NoError(t, s.Submit(job("c", model.Options{}, []string{"10.0.0.1"}, "tool")))
	})
}

func TestScheduler_Close(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		never := make(chan struct{})
		tool := adaptertest.New("tool", adaptertest.Until(never, ""))
		s, l := start(t, config(), tool)

		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1"}, "tool")))
		synctest.Wait()
		require.NoError(t, s.Close(t.Context()))

		snap, err := l.Snapshot("j")
		require.NoError(t, err)
		require.Equal(t, model.JobCancelled, snap.Job.Status)
		require.ErrorIs(t, s.Submit(job("k", model.Options{}, []string{"10.0.0.1"}, "tool")), scheduler.ErrClosed)
		require.NoError(t, s.Close(t.Context()))
	})
}

func TestScheduler_UnknownTool(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s, l := start(t, config())
		defer stop(t, s)
		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1"}, "ghost")))
		snap := wait(t, s, l, "j")
		require.Equal(t, model.UnitFailed, snap.Units[0].Status)
		require.Equal(t, model.FailurePermanent, snap.Units[0].Failure)
		require.Equal(t, model.ReasonAllUnitsFailed, snap.Job.Reason)
	})
}

func TestScheduler_TargetRate(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tool := adaptertest.New("tool", adaptertest.Output("[]"))
		cfg := config()
		cfg.TargetRate = 1
		s, l := start(t, cfg, tool)
		defer stop(t, s)

		begin := time.Now()
		sj, units := job("j", model.Options{}, []string{"10.0.0.1"}, "tool")
		_, other := job("j-other", model.Options{}, []string{"10.0.0.2"}, "tool")
		units = append(units, units[0], units[0], other[0])
		units[1].ID, units[2].ID = "j-1", "j-2"
		require.NoError(t, s.Submit(sj, units))
		_ = wait(t, s, l, "j")
		// three attempts against 10.0.0.1 at one per second
		require.Equal(t, 2*time.Second, time.Since(begin))
	})
}

// stalledPersister blocks while saving units of one job.
type stalledPersister struct {
	jobID   string
	release chan struct{}
}

func (p *stalledPersister) SaveUnit(_ context.Context, u model.ScanUnit) error {
	if u.JobID == p.jobID {
		<-p.release
	}
	return nil
}

func (p *stalledPersister) SaveJob(context.Context, model.JobSnapshot) error {
	return nil
}

func TestScheduler_SlowPersistence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		unblock := sync.OnceFunc(func() { close(release) })
		tool := adaptertest.New("tool", adaptertest.Output(finding))
		reg, err := adapter.NewRegistry(tool)
		require.NoError(t, err)
		l := ledger.New(ledger.WithPersister(&stalledPersister{jobID: "a", release: release}))
		s := scheduler.New(config(), reg, l, aggregate.New(l))
		defer stop(t, s)
		defer unblock()

		require.NoError(t, s.Submit(job("a", model.Options{}, []string{"10.0.0.1"}, "tool")))
		synctest.Wait()

		// job a waits for its store, job b does not wait for job a
		require.NoError(t, s.Submit(job("b", model.Options{}, []string{"10.0.0.2"}, "tool")))
		snap := wait(t, s, l, "b")
		require.Equal(t, model.JobCompleted, snap.Job.Status)
		queued, running := s.Load()
		require.Zero(t, queued)
		require.Zero(t, running)

		a, err := l.Job("a")
		require.NoError(t, err)
		require.Equal(t, model.JobRunning, a.Status)

		unblock()
		require.Equal(t, model.JobCompleted, wait(t, s, l, "a").Job.Status)
	})
}

// statusSink records the ledger status of every unit it consumes.
type statusSink struct {
	l    *ledger.Ledger
	next scheduler.Sink
	mx   sync.Mutex
	seen []model.UnitStatus
}

func (s *statusSink) Consume(ctx context.Context, unit model.ScanUnit, output string, raw []byte) error {
	u, err := s.l.Unit(unit.JobID, unit.ID)
	if err != nil {
		return err
	}
	s.mx.Lock()
	s.seen = append(s.seen, u.Status)
	s.mx.Unlock()
	return s.next.Consume(ctx, unit, output, raw)
}

func TestScheduler_SinkAfterSucceeded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tool := adaptertest.New("tool", adaptertest.Output(finding))
		reg, err := adapter.NewRegistry(tool)
		require.NoError(t, err)
		l := ledger.New()
		sink := &statusSink{l: l, next: aggregate.New(l)}
		s := scheduler.New(config(), reg, l, sink)
		defer stop(t, s)

		require.NoError(t, s.Submit(job("j", model.Options{}, []string{"10.0.0.1", "10.0.0.2"}, "tool")))
		snap := wait(t, s, l, "j")

		require.Equal(t, []model.UnitStatus{model.UnitSucceeded, model.UnitSucceeded}, sink.seen)
		require.Len(t, snap.Findings, 2, "findings are in place once the job is done")
	})
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	cfg, err := scheduler.FromConfig(nil, retry.Default())
	require.NoError(t, err)
	require.Equal(t, model.DefaultConcurrency, cfg.Concurrency)
	require.Equal(t, model.DefaultGrace, cfg.Grace)

	unit := model.Duration("90s")
	cfg, err = scheduler.FromConfig(&model.Engine{
		Concurrency: ptr(2),
		UnitTimeout: &unit,
		TargetRate:  ptr(0.5),
	}, retry.Default())
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Concurrency)
	require.Equal(t, 90*time.Second, cfg.UnitTimeout)
	require.Equal(t, model.DefaultJobTimeout, cfg.JobTimeout)
	require.InDelta(t, 0.5, cfg.TargetRate, 1e-9)

	bad := model.Duration("soon")
	_, err = scheduler.FromConfig(&model.Engine{Grace: &bad}, retry.Default())
	require.Error(t, err)
}

func ptr[T any](v T) *T {
	return &v
}
