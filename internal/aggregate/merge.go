package aggregate

import (
	"cmp"
	"slices"

	"github.com/CZERTAINLY/Warden/internal/model"
)

const (
	// DefaultConfidence is used when a parser does not state any.
	DefaultConfidence = 0.5
	// Increment is added to the confidence for every corroborating source.
	Increment = 0.2
	// MaxConfidence caps the merged confidence.
	MaxConfidence = 1.0
)

// Merge folds b into a. Both must share the dedup key. The severity is the
// maximum; the confidence is the highest base confidence of the two plus
// Increment for every source beyond the first. The result does not depend
// on the order and merging the same finding twice changes nothing.
func Merge(a, b model.Finding) model.Finding {
	ret := a.Clone()
	ret.Severity = max(a.Severity, b.Severity)
	ret.Sources = union(a.Sources, b.Sources)
	ret.BaseConfidence = max(base(a), base(b))
	extra := max(len(ret.Sources)-1, 0)
	ret.Confidence = min(ret.BaseConfidence+Increment*float64(extra), MaxConfidence)

	ret.Tools = union(a.Tools, b.Tools)
	if ret.Title == "" {
		ret.Title = b.Title
	}
	if !b.Created.IsZero() && (ret.Created.IsZero() || b.Created.Before(ret.Created)) {
		ret.Created = b.Created
	}
	return ret
}

func base(f model.Finding) float64 {
	if f.BaseConfidence > 0 {
		return f.BaseConfidence
	}
	return f.Confidence
}

func union(a, b []string) []string {
	ret := append(slices.Clone(a), b...)
	slices.Sort(ret)
	return slices.Compact(ret)
}

// Normalize merges findings sharing an id and returns them ordered by
// target, severity (descending) and id. Normalize(Normalize(x)) == Normalize(x).
func Normalize(findings []model.Finding) []model.Finding {
	idx := make(map[string]int, len(findings))
	var ret []model.Finding
	for _, f := range findings {
		if i, ok := idx[f.ID]; ok {
			ret[i] = Merge(ret[i], f)
			continue
		}
		idx[f.ID] = len(ret)
		ret = append(ret, f.Clone())
	}
	slices.SortFunc(ret, compare)
	return ret
}

func compare(a, b model.Finding) int {
	return cmp.Or(
		cmp.Compare(a.Target, b.Target),
		cmp.Compare(b.Severity, a.Severity),
		cmp.Compare(a.ID, b.ID),
	)
}
