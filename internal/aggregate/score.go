package aggregate

import (
	"math"
	"slices"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// scale is the raw score at which a target reaches 63% of the maximum.
const scale = 10.0

var weights = map[model.Severity]float64{
	model.SeverityInfo:     0,
	model.SeverityLow:      1,
	model.SeverityMedium:   4,
	model.SeverityHigh:     7,
	model.SeverityCritical: 10,
}

// Weight returns the score weight of a severity.
func Weight(s model.Severity) float64 {
	return weights[s]
}

// TargetScore maps the findings of a single target to [0, 100]. It never
// decreases when a finding is added or its severity or confidence grows.
func TargetScore(findings []model.Finding) float64 {
	var raw float64
	for _, f := range findings {
		raw += Weight(f.Severity) * f.Confidence
	}
	return round(100 * (1 - math.Exp(-raw/scale)))
}

// Scores computes per target scores, ordered by target, and the job score,
// which is the score of the riskiest target. It is a pure function.
func Scores(findings []model.Finding) ([]model.TargetScore, float64) {
	byTarget := make(map[string][]model.Finding)
	for _, f := range findings {
		byTarget[f.Target] = append(byTarget[f.Target], f)
	}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	slices.Sort(targets)

	var job float64
	ret := make([]model.TargetScore, 0, len(targets))
	for _, t := range targets {
		s := TargetScore(byTarget[t])
		job = max(job, s)
		ret = append(ret, model.TargetScore{Target: t, Score: s})
	}
	return ret, job
}

func round(f float64) float64 {
	return math.Round(f*100) / 100
}
