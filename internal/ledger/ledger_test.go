package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/aggregate"
	"github.com/CZERTAINLY/Warden/internal/ledger"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newJob(t *testing.T, l *ledger.Ledger, id string, n int) {
	t.Helper()
	units := make([]model.ScanUnit, n)
	for i := range units {
		units[i] = model.ScanUnit{
			ID:     id + "-" + string(rune('a'+i)),
			Target: model.Target{Value: "10.0.0.1", Kind: model.TargetIP},
			Tool:   "tool",
		}
	}
	require.NoError(t, l.Create(model.ScanJob{ID: id}, units))
}

func finding(unitID, tool string, sev model.Severity) model.Finding {
	fp := aggregate.Fingerprint("weak cipher")
	return model.Finding{
		ID:          aggregate.FindingID("10.0.0.1", "weak_cipher", fp),
		JobID:       "j",
		Target:      "10.0.0.1",
		Category:    "weak_cipher",
		Severity:    sev,
		Confidence:  aggregate.DefaultConfidence,
		Evidence:    "weak cipher",
		Fingerprint: fp,
		Sources:     []string{unitID},
		Tools:       []string{tool},
	}
}

type recorder struct {
	mx    sync.Mutex
	units []model.ScanUnit
	jobs  []model.JobSnapshot
}

func (r *recorder) SaveUnit(_ context.Context, u model.ScanUnit) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.units = append(r.units, u)
	return nil
}

func (r *recorder) SaveJob(_ context.Context, s model.JobSnapshot) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.jobs = append(r.jobs, s)
	return nil
}

func TestLedger_Lifecycle(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	l := ledger.New(ledger.WithPersister(rec), ledger.WithClock(func() time.Time { return epoch }))
	newJob(t, l, "j", 2)
	ctx := t.Context()

	snap, err := l.Snapshot("j")
	require.NoError(t, err)
	require.Equal(t, model.JobPending, snap.Job.Status)
	require.Equal(t, epoch, snap.Job.Created)
	require.Equal(t, map[model.UnitStatus]int{model.UnitQueued: 2}, snap.UnitCounts())

	require.NoError(t, l.SetJobStatus(ctx, "j", model.JobRunning, ""))

	u, err := l.UpdateUnit(ctx, "j", "j-a", model.UnitRunning, nil)
	require.NoError(t, err)
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, epoch, u.Started)

	// retry
	_, err = l.UpdateUnit(ctx, "j", "j-a", model.UnitQueued, func(u *model.ScanUnit) { u.Error = "boom" })
	require.NoError(t, err)
	u, err = l.UpdateUnit(ctx, "j", "j-a", model.UnitRunning, nil)
	require.NoError(t, err)
	require.Equal(t, 2, u.Attempts)

	u, err = l.UpdateUnit(ctx, "j", "j-a", model.UnitSucceeded, func(u *model.ScanUnit) {
		u.Output = []byte("raw")
		u.Error = ""
	})
	require.NoError(t, err)
	require.Equal(t, epoch, u.Finished)
	require.Equal(t, []byte("raw"), u.Output)

	// terminal is final
	_, err = l.UpdateUnit(ctx, "j", "j-a", model.UnitRunning, nil)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	// job cannot finish with a queued unit
	err = l.SetJobStatus(ctx, "j", model.JobCompleted, "")
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = l.UpdateUnit(ctx, "j", "j-b", model.UnitCancelled, nil)
	require.NoError(t, err)
	require.NoError(t, l.SetJobStatus(ctx, "j", model.JobCompleted, ""))
	err = l.SetJobStatus(ctx, "j", model.JobFailed, model.ReasonJobTimeout)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	snap, err = l.Snapshot("j")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, snap.Job.Status)
	require.Equal(t, epoch, snap.Job.Finished)

	rec.mx.Lock()
	defer rec.mx.Unlock()
	require.Len(t, rec.units, 2)
	require.Len(t, rec.jobs, 1)
	require.Equal(t, model.JobCompleted, rec.jobs[0].Job.Status)
}

func TestLedger_Errors(t *testing.T) {
	t.Parallel()
	l := ledger.New()
	newJob(t, l, "j", 1)
	ctx := t.Context()

	require.ErrorIs(t, l.Create(model.ScanJob{ID: "j"}, nil), model.ErrInvalidSpecification)
	require.ErrorIs(t, l.Create(model.ScanJob{ID: "k"}, []model.ScanUnit{{ID: "x"}, {ID: "x"}}), model.ErrInvalidSpecification)

	_, err := l.Snapshot("nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = l.UpdateUnit(ctx, "j", "nope", model.UnitRunning, nil)
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = l.UpdateUnit(ctx, "j", "j-a", model.UnitSucceeded, nil)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	require.ErrorIs(t, l.AppendFinding("nope", model.Finding{}), model.ErrNotFound)
	require.ErrorIs(t, l.SetJobStatus(ctx, "j", model.JobPending, ""), model.ErrInvalidTransition)
}

func TestLedger_Findings(t *testing.T) {
	t.Parallel()
	l := ledger.New()
	newJob(t, l, "j", 2)

	require.NoError(t, l.AppendFinding("j", finding("j-a", "nmap", model.SeverityMedium)))
	require.NoError(t, l.AppendFinding("j", finding("j-b", "tls", model.SeverityHigh)))

	snap, err := l.Snapshot("j")
	require.NoError(t, err)
	require.Len(t, snap.Findings, 1)
	f := snap.Findings[0]
	require.Equal(t, model.SeverityHigh, f.Severity)
	require.Equal(t, []string{"j-a", "j-b"}, f.Sources)
	require.Equal(t, []string{"nmap", "tls"}, f.Tools)
	require.InDelta(t, aggregate.DefaultConfidence+aggregate.Increment, f.Confidence, 1e-9)
	require.Equal(t, []model.TargetScore{{Target: "10.0.0.1", Score: snap.RiskScore}}, snap.TargetScores)
	require.Greater(t, snap.RiskScore, 0.0)

	// snapshots are copies
	snap.Findings[0].Sources[0] = "mutated"
	again, err := l.Snapshot("j")
	require.NoError(t, err)
	require.Equal(t, "j-a", again.Findings[0].Sources[0])
}

func TestLedger_Restore(t *testing.T) {
	t.Parallel()
	src := ledger.New()
	newJob(t, src, "j", 1)
	ctx := t.Context()
	require.NoError(t, src.SetJobStatus(ctx, "j", model.JobRunning, ""))
	_, err := src.UpdateUnit(ctx, "j", "j-a", model.UnitRunning, nil)
	require.NoError(t, err)
	_, err = src.UpdateUnit(ctx, "j", "j-a", model.UnitFailed, func(u *model.ScanUnit) { u.Failure = model.FailurePermanent })
	require.NoError(t, err)
	require.NoError(t, src.AppendFinding("j", finding("j-a", "nmap", model.SeverityLow)))
	require.NoError(t, src.SetJobStatus(ctx, "j", model.JobFailed, model.ReasonAllUnitsFailed))
	snap, err := src.Snapshot("j")
	require.NoError(t, err)

	dst := ledger.New()
	require.NoError(t, dst.Restore(snap))
	require.ErrorIs(t, dst.Restore(snap), model.ErrInvalidSpecification)
	got, err := dst.Snapshot("j")
	require.NoError(t, err)
	require.Equal(t, snap, got)
	require.Equal(t, []model.ScanJob{snap.Job}, dst.Jobs())

	u, err := dst.Unit("j", "j-a")
	require.NoError(t, err)
	require.Equal(t, model.FailurePermanent, u.Failure)
}

func TestLedger_Concurrent(t *testing.T) {
	t.Parallel()
	l := ledger.New()
	const jobs = 8
	ids := make([]string, jobs)
	for i := range jobs {
		ids[i] = "job" + string(rune('a'+i))
		newJob(t, l, ids[i], 4)
	}
	ctx := t.Context()

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, suffix := range []string{"-a", "-b", "-c", "-d"} {
			wg.Go(func() {
				_, err := l.UpdateUnit(ctx, id, id+suffix, model.UnitRunning, nil)
				require.NoError(t, err)
				require.NoError(t, l.AppendFinding(id, finding(id+suffix, "tool", model.SeverityLow)))
				_, err = l.UpdateUnit(ctx, id, id+suffix, model.UnitSucceeded, nil)
				require.NoError(t, err)
			})
		}
		wg.Go(func() {
			for range 10 {
				snap, err := l.Snapshot(id)
				require.NoError(t, err)
				// a snapshot never shows more sources than terminal plus running units
				if len(snap.Findings) == 1 {
					require.LessOrEqual(t, len(snap.Findings[0].Sources), 4)
				}
			}
		})
	}
	wg.Wait()

	for _, id := range ids {
		snap, err := l.Snapshot(id)
		require.NoError(t, err)
		require.Equal(t, map[model.UnitStatus]int{model.UnitSucceeded: 4}, snap.UnitCounts())
		require.Len(t, snap.Findings, 1)
		require.Len(t, snap.Findings[0].Sources, 4)
	}
	require.Len(t, l.Jobs(), jobs)
}
