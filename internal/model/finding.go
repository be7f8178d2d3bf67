package model

import (
	"slices"
	"time"
)

// Severity is an ordinal scale of a finding's impact.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity maps a textual severity to the ordinal scale. Unknown values
// map to info with ok == false.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "critical", "CRITICAL", "Critical":
		return SeverityCritical, true
	case "high", "HIGH", "High", "error":
		return SeverityHigh, true
	case "medium", "MEDIUM", "Medium", "moderate", "warning":
		return SeverityMedium, true
	case "low", "LOW", "Low":
		return SeverityLow, true
	case "info", "INFO", "Info", "informational", "note", "none":
		return SeverityInfo, true
	}
	return SeverityInfo, false
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	v, _ := ParseSeverity(string(text))
	*s = v
	return nil
}

// Categories the engine itself produces.
const (
	CategoryParseError = "parse_error"
)

// Finding is a normalized security observation. Sources holds the ids of the
// units which corroborate it.
type Finding struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Target      string    `json:"target"`
	Category    string    `json:"category"`
	Title       string    `json:"title,omitempty"`
	Severity    Severity  `json:"severity"`
	Confidence  float64   `json:"confidence"`
	// BaseConfidence is the highest confidence of a single source, zero
	// means Confidence.
	BaseConfidence float64 `json:"-"`
	Evidence    string    `json:"evidence"`
	Fingerprint string    `json:"fingerprint"`
	Sources     []string  `json:"sources"`
	Tools       []string  `json:"tools"`
	Created     time.Time `json:"created,omitzero"`
}

// Clone returns a deep copy of the finding.
func (f Finding) Clone() Finding {
	f.Sources = slices.Clone(f.Sources)
	f.Tools = slices.Clone(f.Tools)
	return f
}
