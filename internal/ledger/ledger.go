// Package ledger is the authoritative record of jobs, units and findings.
//
// Every job has its own writer lock, so updates of different jobs never
// contend. The job map lock is only held to look up or insert a job.
// Snapshots are deep copies taken under the job lock and are consistent:
// a status query never observes a half-applied update.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Warden/internal/aggregate"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// Persister receives terminal transitions. It is called outside of any
// ledger lock; errors are logged and never fail the update.
type Persister interface {
	SaveUnit(ctx context.Context, unit model.ScanUnit) error
	SaveJob(ctx context.Context, snapshot model.JobSnapshot) error
}

type Ledger struct {
	mx        sync.RWMutex
	jobs      map[string]*entry
	order     []string
	persister Persister
	now       func() time.Time
}

type entry struct {
	mx       sync.Mutex
	job      model.ScanJob
	units    []model.ScanUnit
	unitIdx  map[string]int
	findings []model.Finding
	findIdx  map[string]int
}

type Option func(*Ledger)

// WithPersister stores terminal transitions.
func WithPersister(p Persister) Option {
	return func(l *Ledger) {
		l.persister = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Create registers a job in pending state together with its queued units.
func (l *Ledger) Create(job model.ScanJob, units []model.ScanUnit) error {
	e := &entry{
		job:     job,
		units:   make([]model.ScanUnit, len(units)),
		unitIdx: make(map[string]int, len(units)),
		findIdx: make(map[string]int),
	}
	if e.job.Created.IsZero() {
		e.job.Created = l.now().UTC()
	}
	e.job.Status = model.JobPending
	for i, u := range units {
		if _, ok := e.unitIdx[u.ID]; ok {
			return fmt.Errorf("duplicate unit %s: %w", u.ID, model.ErrInvalidSpecification)
		}
		u = u.Clone()
		u.JobID = job.ID
		u.Status = model.UnitQueued
		e.units[i] = u
		e.unitIdx[u.ID] = i
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists: %w", job.ID, model.ErrInvalidSpecification)
	}
	l.jobs[job.ID] = e
	l.order = append(l.order, job.ID)
	return nil
}

// Restore puts a persisted job back, typically after a restart.
func (l *Ledger) Restore(s model.JobSnapshot) error {
	e := &entry{
		job:     s.Job,
		unitIdx: make(map[string]int, len(s.Units)),
		findIdx: make(map[string]int, len(s.Findings)),
	}
	for _, u := range s.Units {
		e.unitIdx[u.ID] = len(e.units)
		e.units = append(e.units, u.Clone())
	}
	for _, f := range s.Findings {
		e.append(f)
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.jobs[s.Job.ID]; ok {
		return fmt.Errorf("job %s already exists: %w", s.Job.ID, model.ErrInvalidSpecification)
	}
	l.jobs[s.Job.ID] = e
	l.order = append(l.order, s.Job.ID)
	return nil
}

func (l *Ledger) get(jobID string) (*entry, error) {
	l.mx.RLock()
	defer l.mx.RUnlock()
	e, ok := l.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	return e, nil
}

// UpdateUnit moves a unit to status to. Entering running counts an attempt,
// entering a terminal status records the finish time. mutate, if not nil,
// is applied under the job lock before the status changes.
func (l *Ledger) UpdateUnit(ctx context.Context, jobID, unitID string, to model.UnitStatus, mutate func(*model.ScanUnit)) (model.ScanUnit, error) {
	e, err := l.get(jobID)
	if err != nil {
		return model.ScanUnit{}, err
	}

	e.mx.Lock()
	i, ok := e.unitIdx[unitID]
	if !ok {
		e.mx.Unlock()
		return model.ScanUnit{}, fmt.Errorf("unit %s/%s: %w", jobID, unitID, model.ErrNotFound)
	}
	u := &e.units[i]
	if err := model.ValidateUnitTransition(u.Status, to); err != nil {
		e.mx.Unlock()
		return model.ScanUnit{}, fmt.Errorf("unit %s/%s: %w", jobID, unitID, err)
	}
	if mutate != nil {
		mutate(u)
	}
	now := l.now().UTC()
	switch {
	case to == model.UnitRunning:
		u.Attempts++
		u.Started = now
		u.Finished = time.Time{}
	case to.Terminal():
		u.Finished = now
	}
	u.Status = to
	ret := u.Clone()
	e.mx.Unlock()

	if to.Terminal() && l.persister != nil {
		if err := l.persister.SaveUnit(ctx, ret); err != nil {
			slog.ErrorContext(ctx, "persisting unit", "job_id", jobID, "unit_id", unitID, "error", err)
		}
	}
	return ret, nil
}

// AppendFinding adds a finding, merging it with a known one of the same id.
func (l *Ledger) AppendFinding(jobID string, f model.Finding) error {
	e, err := l.get(jobID)
	if err != nil {
		return err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	e.append(f)
	return nil
}

func (e *entry) append(f model.Finding) {
	if i, ok := e.findIdx[f.ID]; ok {
		e.findings[i] = aggregate.Merge(e.findings[i], f)
		return
	}
	e.findIdx[f.ID] = len(e.findings)
	e.findings = append(e.findings, f.Clone())
}

// SetJobStatus moves a job to status. A terminal status is accepted only
// when every unit is terminal and cannot be changed afterwards.
func (l *Ledger) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	e, err := l.get(jobID)
	if err != nil {
		return err
	}

	e.mx.Lock()
	cur := e.job.Status
	switch {
	case cur.Terminal():
		e.mx.Unlock()
		return fmt.Errorf("job %s is %s: %w", jobID, cur, model.ErrInvalidTransition)
	case status == model.JobPending:
		e.mx.Unlock()
		return fmt.Errorf("job %s -> %s: %w", jobID, status, model.ErrInvalidTransition)
	case status.Terminal():
		if slices.ContainsFunc(e.units, func(u model.ScanUnit) bool { return !u.Status.Terminal() }) {
			e.mx.Unlock()
			return fmt.Errorf("job %s has non-terminal units: %w", jobID, model.ErrInvalidTransition)
		}
	}
	now := l.now().UTC()
	if status == model.JobRunning && e.job.Started.IsZero() {
		e.job.Started = now
	}
	if status.Terminal() {
		e.job.Finished = now
	}
	e.job.Status = status
	e.job.Reason = reason
	var snap model.JobSnapshot
	if status.Terminal() {
		snap = e.snapshot()
	}
	e.mx.Unlock()

	if status.Terminal() && l.persister != nil {
		if err := l.persister.SaveJob(ctx, snap); err != nil {
			slog.ErrorContext(ctx, "persisting job", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// Snapshot returns a consistent deep copy of a job with freshly computed
// scores.
func (l *Ledger) Snapshot(jobID string) (model.JobSnapshot, error) {
	e, err := l.get(jobID)
	if err != nil {
		return model.JobSnapshot{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.snapshot(), nil
}

func (e *entry) snapshot() model.JobSnapshot {
	units := make([]model.ScanUnit, len(e.units))
	for i, u := range e.units {
		units[i] = u.Clone()
	}
	findings := aggregate.Normalize(e.findings)
	targets, score := aggregate.Scores(findings)
	return model.JobSnapshot{
		Job:          e.job,
		Units:        units,
		Findings:     findings,
		TargetScores: targets,
		RiskScore:    score,
	}
}

// Unit returns a copy of a single unit.
func (l *Ledger) Unit(jobID, unitID string) (model.ScanUnit, error) {
	e, err := l.get(jobID)
	if err != nil {
		return model.ScanUnit{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	i, ok := e.unitIdx[unitID]
	if !ok {
		return model.ScanUnit{}, fmt.Errorf("unit %s/%s: %w", jobID, unitID, model.ErrNotFound)
	}
	return e.units[i].Clone(), nil
}

// Jobs lists jobs in creation order.
func (l *Ledger) Jobs() []model.ScanJob {
	l.mx.RLock()
	entries := make([]*entry, 0, len(l.order))
	for _, id := range l.order {
		entries = append(entries, l.jobs[id])
	}
	l.mx.RUnlock()

	ret := make([]model.ScanJob, 0, len(entries))
	for _, e := range entries {
		e.mx.Lock()
		ret = append(ret, e.job)
		e.mx.Unlock()
	}
	return ret
}

// Job returns the job record without units and findings.
func (l *Ledger) Job(jobID string) (model.ScanJob, error) {
	e, err := l.get(jobID)
	if err != nil {
		return model.ScanJob{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.job, nil
}
