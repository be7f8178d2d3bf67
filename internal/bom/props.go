package bom

import (
	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Property names of the CZERTAINLY taxonomy used in exported results.
const (
	PropJobID         = "czertainly:warden:job:id"
	PropJobName       = "czertainly:warden:job:name"
	PropJobStatus     = "czertainly:warden:job:status"
	PropJobReason     = "czertainly:warden:job:reason"
	PropRiskScore     = "czertainly:warden:risk_score"
	PropTargetKind    = "czertainly:warden:target:kind"
	PropCategory      = "czertainly:warden:finding:category"
	PropConfidence    = "czertainly:warden:finding:confidence"
	PropFingerprint   = "czertainly:warden:finding:fingerprint"
	PropTools         = "czertainly:warden:finding:tools"
	PropSources       = "czertainly:warden:finding:sources"
	PropUnitsByStatus = "czertainly:warden:units:" // followed by the unit status
)

// setProp sets (or upserts) a property, empty values are skipped.
func setProp(props *[]cdx.Property, name, value string) {
	if value == "" {
		return
	}
	for i := range *props {
		if (*props)[i].Name == name {
			(*props)[i].Value = value
			return
		}
	}
	*props = append(*props, cdx.Property{Name: name, Value: value})
}

// Prop returns the value of a property or an empty string.
func Prop(props *[]cdx.Property, name string) string {
	if props == nil {
		return ""
	}
	for _, p := range *props {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}
