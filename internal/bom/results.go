package bom

import (
	"cmp"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	cdx "github.com/CycloneDX/cyclonedx-go"
)

var severities = map[model.Severity]cdx.Severity{
	model.SeverityInfo:     cdx.SeverityInfo,
	model.SeverityLow:      cdx.SeverityLow,
	model.SeverityMedium:   cdx.SeverityMedium,
	model.SeverityHigh:     cdx.SeverityHigh,
	model.SeverityCritical: cdx.SeverityCritical,
}

// TargetRef is the bom-ref of the component representing a target.
func TargetRef(target string) string {
	return "target:" + target
}

// FromSnapshot exports a job as a BOM: a component per target and a
// vulnerability per finding affecting it.
func FromSnapshot(snap model.JobSnapshot) *Builder {
	b := NewBuilder()
	job := snap.Job
	setProp(&b.properties, PropJobID, job.ID)
	setProp(&b.properties, PropJobName, job.Name)
	setProp(&b.properties, PropJobStatus, string(job.Status))
	setProp(&b.properties, PropJobReason, job.Reason)
	setProp(&b.properties, PropRiskScore, formatFloat(snap.RiskScore))
	counts := snap.UnitCounts()
	for _, st := range slices.Sorted(maps.Keys(counts)) {
		setProp(&b.properties, PropUnitsByStatus+string(st), strconv.Itoa(counts[st]))
	}

	scores := make(map[string]float64, len(snap.TargetScores))
	for _, ts := range snap.TargetScores {
		scores[ts.Target] = ts.Score
	}
	seen := make(map[string]struct{})
	for _, u := range snap.Units {
		if _, ok := seen[u.Target.Value]; ok {
			continue
		}
		seen[u.Target.Value] = struct{}{}
		b.AppendComponents(component(u.Target, scores[u.Target.Value]))
	}

	for _, f := range snap.Findings {
		b.AppendVulnerabilities(vulnerability(f))
	}
	return b
}

func component(t model.Target, score float64) cdx.Component {
	typ := cdx.ComponentTypeDevice
	if t.Kind == model.TargetURL {
		typ = cdx.ComponentTypeApplication
	}
	props := []cdx.Property{}
	setProp(&props, PropTargetKind, string(t.Kind))
	setProp(&props, PropRiskScore, formatFloat(score))
	return cdx.Component{
		BOMRef:     TargetRef(t.Value),
		Type:       typ,
		Name:       t.Value,
		Properties: &props,
	}
}

func vulnerability(f model.Finding) cdx.Vulnerability {
	props := []cdx.Property{}
	setProp(&props, PropCategory, f.Category)
	setProp(&props, PropConfidence, formatFloat(f.Confidence))
	setProp(&props, PropFingerprint, f.Fingerprint)
	setProp(&props, PropTools, strings.Join(f.Tools, ","))
	setProp(&props, PropSources, strings.Join(f.Sources, ","))

	v := cdx.Vulnerability{
		BOMRef:      "finding:" + f.ID,
		ID:          f.ID,
		Source:      &cdx.Source{Name: "warden"},
		Description: cmp.Or(f.Title, f.Category),
		Detail:      f.Evidence,
		Ratings: &[]cdx.VulnerabilityRating{{
			Severity: severities[f.Severity],
			Method:   cdx.ScoringMethodOther,
		}},
		Affects:    &[]cdx.Affects{{Ref: TargetRef(f.Target)}},
		Properties: &props,
	}
	if !f.Created.IsZero() {
		v.Created = f.Created.UTC().Format(time.RFC3339)
	}
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
