package scheduler

import (
	"slices"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Cancel stops a job. When it returns no further unit of the job is
// dispatched; queued units are already cancelled in the ledger and running
// ones are reclaimed within the grace period. Cancelling a finished job is a
// no-op.
func (s *Scheduler) Cancel(jobID string) error {
	s.mx.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mx.Unlock()
		_, err := s.ledger.Job(jobID)
		return err
	}
	s.stopLocked(j, model.ErrExternalCancel)
	ack := j.ack()
	s.mx.Unlock()
	<-ack
	return nil
}

// CancelUnit cancels a single unit. The rest of the job keeps running.
func (s *Scheduler) CancelUnit(jobID, unitID string) error {
	s.mx.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mx.Unlock()
		_, err := s.ledger.Unit(jobID, unitID)
		return err
	}

	if u, ok := j.running[unitID]; ok {
		if !u.cancelled {
			u.cancelled = true
			u.cancel(model.ErrExternalCancel)
		}
		s.mx.Unlock()
		return nil
	}

	match := func(u *unit) bool { return u.id == unitID }
	for _, q := range []*[]*unit{&j.queue, &j.delayed} {
		if idx := slices.IndexFunc(*q, match); idx >= 0 {
			u := (*q)[idx]
			*q = slices.Delete(*q, idx, idx+1)
			s.cancelQueuedLocked(j, u, model.ErrExternalCancel)
			s.maybeFinishLocked(j)
			s.loadLocked()
			ack := j.ack()
			s.mx.Unlock()
			<-ack
			return nil
		}
	}
	ack := j.ack()
	s.mx.Unlock()
	<-ack

	// terminal already, or unknown
	_, err := s.ledger.Unit(jobID, unitID)
	return err
}
