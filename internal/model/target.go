package model

// TargetKind classifies an atomic target after resolution.
type TargetKind string

const (
	TargetIP       TargetKind = "ip"
	TargetHostname TargetKind = "hostname"
	TargetURL      TargetKind = "url"
)

// Target is a single, normalized scan target.
type Target struct {
	Value string     `json:"value"`
	Kind  TargetKind `json:"kind"`
}

func (t Target) String() string {
	return t.Value
}

// TargetSpec is the raw target specification of a request. Each entry may be
// an address, a CIDR, an address range, a hostname, a URL or a comma separated
// list of those.
type TargetSpec struct {
	Targets []string `json:"targets"`
	Exclude []string `json:"exclude,omitempty"`
}
