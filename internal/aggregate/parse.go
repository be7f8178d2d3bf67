package aggregate

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Input is the successful output of a unit handed to a parser.
type Input struct {
	Target model.Target
	Tool   string
	Raw    []byte
	Time   time.Time // unit completion, the reference for time based checks
}

// Candidate is a parsed observation before dedup keys are assigned.
type Candidate struct {
	Category   string
	Title      string
	Severity   model.Severity
	Confidence float64
	Evidence   string
	// Key replaces the evidence as fingerprint input when the parser knows
	// a stable identity of the observation.
	Key string
}

// Parser turns a raw tool output into candidates. Errors must wrap
// model.ErrParse.
type Parser func(in Input) ([]Candidate, error)

var parsers = map[string]Parser{
	"findings-json": parseFindingsJSON,
	"lines":         parseLines,
	"nikto":         parseNikto,
	"nmap":          parseNmap,
	"tls":           parseTLS,
	"gitleaks":      parseGitleaks,
}

// Parsers returns the sorted names of known output formats.
func Parsers() []string {
	return slices.Sorted(maps.Keys(parsers))
}

// Known reports whether output is a known output format.
func Known(output string) bool {
	_, ok := parsers[output]
	return ok
}

func parseErr(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), model.ErrParse)
}

// Parse returns the findings of a unit output in the order the parser
// reported them. A parser failure never drops the output silently: it
// yields a single info finding of category parse_error.
func Parse(unit model.ScanUnit, output string, raw []byte) []model.Finding {
	in := Input{
		Target: unit.Target,
		Tool:   unit.Tool,
		Raw:    raw,
		Time:   unit.Finished,
	}

	var cands []Candidate
	var err error
	if p, ok := parsers[output]; ok {
		cands, err = p(in)
	} else {
		err = parseErr("unknown output format %q", output)
	}
	if err != nil {
		if !errors.Is(err, model.ErrParse) {
			err = fmt.Errorf("%w: %w", model.ErrParse, err)
		}
		cands = []Candidate{{
			Category: model.CategoryParseError,
			Title:    "Tool output could not be parsed",
			Severity: model.SeverityInfo,
			Evidence: fmt.Sprintf("tool %s: %v", unit.Tool, err),
			Key:      "parse_error:" + unit.Tool,
		}}
	}

	ret := make([]model.Finding, 0, len(cands))
	for _, c := range cands {
		ret = append(ret, finding(unit, c))
	}
	return ret
}

func finding(unit model.ScanUnit, c Candidate) model.Finding {
	key := c.Key
	if key == "" {
		key = c.Evidence
	}
	fp := Fingerprint(key)
	conf := c.Confidence
	if conf <= 0 {
		conf = DefaultConfidence
	}
	return model.Finding{
		ID:          FindingID(unit.Target.Value, c.Category, fp),
		JobID:       unit.JobID,
		Target:      unit.Target.Value,
		Category:    c.Category,
		Title:       c.Title,
		Severity:    c.Severity,
		Confidence:  min(conf, MaxConfidence),
		Evidence:    c.Evidence,
		Fingerprint: fp,
		Sources:     []string{unit.ID},
		Tools:       []string{unit.Tool},
		Created:     unit.Finished,
	}
}
