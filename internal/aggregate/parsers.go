package aggregate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
)

type jsonFinding struct {
	Category    string  `json:"category"`
	Title       string  `json:"title"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Evidence    string  `json:"evidence"`
	Fingerprint string  `json:"fingerprint"`
}

// parseFindingsJSON reads the generic format, either a list of findings or
// an object with a findings list.
func parseFindingsJSON(in Input) ([]Candidate, error) {
	raw := bytes.TrimSpace(in.Raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var list []jsonFinding
	if raw[0] == '{' {
		var doc struct {
			Findings []jsonFinding `json:"findings"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, parseErr("findings-json: %v", err)
		}
		list = doc.Findings
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, parseErr("findings-json: %v", err)
	}

	ret := make([]Candidate, 0, len(list))
	for i, f := range list {
		if f.Category == "" || f.Evidence == "" {
			return nil, parseErr("findings-json: entry %d: category and evidence are required", i)
		}
		sev, _ := model.ParseSeverity(f.Severity)
		ret = append(ret, Candidate{
			Category:   f.Category,
			Title:      f.Title,
			Severity:   sev,
			Confidence: min(max(f.Confidence, 0), MaxConfidence),
			Evidence:   f.Evidence,
			Key:        f.Fingerprint,
		})
	}
	return ret, nil
}

// parseLines reports every non-empty line as an informational observation.
func parseLines(in Input) ([]Candidate, error) {
	var ret []Candidate
	s := bufio.NewScanner(bytes.NewReader(in.Raw))
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		ret = append(ret, Candidate{
			Category: "observation",
			Severity: model.SeverityInfo,
			Evidence: line,
		})
	}
	if err := s.Err(); err != nil {
		return nil, parseErr("lines: %v", err)
	}
	return ret, nil
}

var niktoHeaders = []string{
	"Target IP:", "Target Hostname:", "Target Port:", "Start Time:", "End Time:",
	"SSL Info:", "Subject:", "Ciphers:", "Issuer:",
}

// parseNikto reads the text report of nikto, one finding per "+ " line.
func parseNikto(in Input) ([]Candidate, error) {
	var ret []Candidate
	s := bufio.NewScanner(bytes.NewReader(in.Raw))
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		line, ok := strings.CutPrefix(strings.TrimSpace(s.Text()), "+ ")
		if !ok || isNiktoHeader(line) {
			continue
		}
		c := Candidate{Evidence: line}
		switch {
		case strings.HasPrefix(line, "Server:"):
			c.Category, c.Severity = "server_banner", model.SeverityInfo
		case strings.Contains(line, "CVE-"):
			c.Category, c.Severity = "known_vulnerability", model.SeverityHigh
		case strings.Contains(line, "OSVDB-"):
			c.Category, c.Severity = "web_vulnerability", model.SeverityMedium
		default:
			c.Category, c.Severity = "web_finding", model.SeverityLow
		}
		ret = append(ret, c)
	}
	if err := s.Err(); err != nil {
		return nil, parseErr("nikto: %v", err)
	}
	return ret, nil
}

func isNiktoHeader(line string) bool {
	for _, h := range niktoHeaders {
		if strings.HasPrefix(line, h) {
			return true
		}
	}
	return strings.Contains(line, "host(s) tested") || strings.Contains(line, "requests:")
}

// protocolSeverity rates a protocol version in the ssl@3.0 / tls@1.2 notation.
func protocolSeverity(version string) (model.Severity, bool) {
	switch version {
	case "ssl@2.0", "ssl@3.0":
		return model.SeverityHigh, true
	case "tls@1.0", "tls@1.1":
		return model.SeverityMedium, true
	}
	return model.SeverityInfo, false
}

func weakProtocol(port int, version string) (Candidate, bool) {
	sev, weak := protocolSeverity(version)
	if !weak {
		return Candidate{}, false
	}
	return Candidate{
		Category: "weak_tls_protocol",
		Title:    "Deprecated TLS protocol version enabled",
		Severity: sev,
		Evidence: fmt.Sprintf("port %d accepts %s", port, version),
		Key:      fmt.Sprintf("tls-version:%d:%s", port, version),
	}, true
}
