// Package aggregate normalizes raw tool outputs into findings, deduplicates
// and merges them and computes risk scores.
//
// A finding is identified by (target, category, evidence fingerprint).
// Findings with the same identity reported by different units are merged:
// the severity is the maximum, the confidence grows with every
// corroborating source and the contributing tools are recorded. Scores are
// recomputed from the finding set, never updated incrementally.
package aggregate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// Appender stores findings of a job, merging those with equal ids.
type Appender interface {
	AppendFinding(jobID string, f model.Finding) error
}

// Aggregator streams findings of succeeded units into the ledger.
type Aggregator struct {
	ledger  Appender
	metrics *metrics.Metrics
}

func New(ledger Appender) *Aggregator {
	return &Aggregator{ledger: ledger}
}

// WithMetrics counts parsed findings.
func (a *Aggregator) WithMetrics(m *metrics.Metrics) *Aggregator {
	a.metrics = m
	return a
}

// Consume parses the output of a succeeded unit and appends its findings.
func (a *Aggregator) Consume(ctx context.Context, unit model.ScanUnit, output string, raw []byte) error {
	findings := Parse(unit, output, raw)
	var errs []error
	for _, f := range findings {
		if f.Category == model.CategoryParseError {
			slog.WarnContext(ctx, "unparsable tool output", "output", output, "evidence", f.Evidence)
		}
		a.metrics.Finding(unit.Tool, f.Severity)
		if err := a.ledger.AppendFinding(unit.JobID, f); err != nil {
			errs = append(errs, err)
		}
	}
	slog.DebugContext(ctx, "output aggregated", "output", output, "findings", len(findings))
	return errors.Join(errs...)
}
