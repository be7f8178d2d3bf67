package model

import (
	"slices"
	"time"
)

// ToolDescriptor is the read-only capability metadata of a tool adapter,
// loaded once at startup.
type ToolDescriptor struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	Targets        []TargetKind  `json:"targets"`
	Output         string        `json:"output"` // parser name for the raw output
	DefaultTimeout time.Duration `json:"default_timeout"`
	Binary         string        `json:"binary,omitempty"`
	Available      bool          `json:"available"`
	Version        string        `json:"version,omitempty"`
}

// Supports reports whether the tool accepts targets of the given kind. An
// empty list means every kind is accepted.
func (d ToolDescriptor) Supports(kind TargetKind) bool {
	if len(d.Targets) == 0 {
		return true
	}
	return slices.Contains(d.Targets, kind)
}
