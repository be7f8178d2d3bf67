package model

import (
	"time"
)

// JobStatus is the lifecycle of a ScanJob
//
//	pending -> running -> completed | failed | cancelled
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job failure reasons, surfaced verbatim to callers.
const (
	ReasonJobTimeout     = "JobTimeout"
	ReasonExternalCancel = "ExternalCancel"
	ReasonAllUnitsFailed = "AllUnitsFailed"
)

// Options are the per-job overrides of the engine defaults. Zero values mean
// "use the default".
type Options struct {
	ConcurrencyCap int               `json:"concurrency_cap,omitempty"`
	UnitTimeout    time.Duration     `json:"unit_timeout,omitempty"`
	JobTimeout     time.Duration     `json:"job_timeout,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	Args           map[string]string `json:"args,omitempty"` // passed to every adapter
}

// Request is an inbound scan request.
type Request struct {
	Name    string     `json:"name,omitempty"`
	Targets TargetSpec `json:"targets"`
	Tools   []string   `json:"tools"`
	Options Options    `json:"options"`
}

// ScanJob identifies a top-level request.
type ScanJob struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Request  Request   `json:"request"`
	Status   JobStatus `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
}

// TargetScore is the risk score of a single target.
type TargetScore struct {
	Target string  `json:"target"`
	Score  float64 `json:"score"`
}

// JobSnapshot is a consistent copy of everything the ledger knows about a job.
type JobSnapshot struct {
	Job          ScanJob       `json:"job"`
	Units        []ScanUnit    `json:"units"`
	Findings     []Finding     `json:"findings"`
	TargetScores []TargetScore `json:"target_scores"`
	RiskScore    float64       `json:"risk_score"`
}

// UnitCounts counts units per status.
func (s JobSnapshot) UnitCounts() map[UnitStatus]int {
	ret := make(map[UnitStatus]int, 6)
	for _, u := range s.Units {
		ret[u.Status]++
	}
	return ret
}

// Status is the answer to a status query.
type Status struct {
	JobID          string             `json:"job_id"`
	Status         JobStatus          `json:"status"`
	Reason         string             `json:"reason,omitempty"`
	UnitsTotal     int                `json:"units_total"`
	UnitsTerminal  int                `json:"units_terminal"`
	UnitsByStatus  map[UnitStatus]int `json:"units_by_status"`
	FindingsSoFar  int                `json:"findings_so_far"`
	RiskScoreSoFar float64            `json:"risk_score_so_far"`
}

// StatusOf derives a status answer from a snapshot.
func StatusOf(s JobSnapshot) Status {
	counts := s.UnitCounts()
	terminal := 0
	for st, n := range counts {
		if st.Terminal() {
			terminal += n
		}
	}
	return Status{
		JobID:          s.Job.ID,
		Status:         s.Job.Status,
		Reason:         s.Job.Reason,
		UnitsTotal:     len(s.Units),
		UnitsTerminal:  terminal,
		UnitsByStatus:  counts,
		FindingsSoFar:  len(s.Findings),
		RiskScoreSoFar: s.RiskScore,
	}
}

// UnitOutcome is the per-unit part of the results.
type UnitOutcome struct {
	UnitID   string       `json:"unit_id"`
	Target   string       `json:"target"`
	Tool     string       `json:"tool"`
	Status   UnitStatus   `json:"status"`
	Attempts int          `json:"attempts"`
	Failure  FailureClass `json:"failure,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Results is the answer to a result retrieval, available before and after
// the job finished.
type Results struct {
	JobID        string        `json:"job_id"`
	Status       JobStatus     `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Findings     []Finding     `json:"findings"`
	RiskScore    float64       `json:"risk_score"`
	TargetScores []TargetScore `json:"target_scores"`
	Units        []UnitOutcome `json:"units"`
}

// ResultsOf derives results from a snapshot.
func ResultsOf(s JobSnapshot) Results {
	units := make([]UnitOutcome, 0, len(s.Units))
	for _, u := range s.Units {
		units = append(units, UnitOutcome{
			UnitID:   u.ID,
			Target:   u.Target.Value,
			Tool:     u.Tool,
			Status:   u.Status,
			Attempts: u.Attempts,
			Failure:  u.Failure,
			Error:    u.Error,
		})
	}
	return Results{
		JobID:        s.Job.ID,
		Status:       s.Job.Status,
		Reason:       s.Job.Reason,
		Findings:     s.Findings,
		RiskScore:    s.RiskScore,
		TargetScores: s.TargetScores,
		Units:        units,
	}
}
