package model

import (
	"fmt"
	"time"
)

// UnitStatus is a state of the per-unit state machine
//
//	queued -> running -> {succeeded | failed | timed_out | cancelled}
//
// running -> queued is the retry transition and counts against the attempt
// budget. A queued unit can be cancelled without ever running.
type UnitStatus string

const (
	UnitQueued    UnitStatus = "queued"
	UnitRunning   UnitStatus = "running"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
	UnitTimedOut  UnitStatus = "timed_out"
	UnitCancelled UnitStatus = "cancelled"
)

var unitTransitions = map[UnitStatus]map[UnitStatus]struct{}{
	UnitQueued: {
		UnitRunning:   {},
		UnitCancelled: {},
	},
	UnitRunning: {
		UnitQueued:    {},
		UnitSucceeded: {},
		UnitFailed:    {},
		UnitTimedOut:  {},
		UnitCancelled: {},
	},
	UnitSucceeded: {},
	UnitFailed:    {},
	UnitTimedOut:  {},
	UnitCancelled: {},
}

// Terminal reports whether no transition leaves the status.
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitSucceeded, UnitFailed, UnitTimedOut, UnitCancelled:
		return true
	}
	return false
}

func (s UnitStatus) Valid() bool {
	_, ok := unitTransitions[s]
	return ok
}

// ValidateUnitTransition returns ErrInvalidTransition if from -> to is not an
// edge of the state machine.
func ValidateUnitTransition(from, to UnitStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("unit status %q -> %q: %w", from, to, ErrInvalidTransition)
	}
	if _, ok := unitTransitions[from][to]; !ok {
		return fmt.Errorf("unit status %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// FailureClass records why a unit ended up failed.
type FailureClass string

const (
	FailureNone      FailureClass = ""
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// ScanUnit is one atomic (target, tool) execution.
type ScanUnit struct {
	ID       string       `json:"id"`
	JobID    string       `json:"job_id"`
	Target   Target       `json:"target"`
	Tool     string       `json:"tool"`
	Attempts int          `json:"attempts"`
	Status   UnitStatus   `json:"status"`
	Failure  FailureClass `json:"failure,omitempty"`
	Output   []byte       `json:"output,omitempty"`
	Error    string       `json:"error,omitempty"`
	Started  time.Time    `json:"started,omitzero"`
	Finished time.Time    `json:"finished,omitzero"`
}

// Clone returns a deep copy of the unit.
func (u ScanUnit) Clone() ScanUnit {
	u.Output = append([]byte(nil), u.Output...)
	return u
}
