package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/gitleaks"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/nmap"
	"github.com/CZERTAINLY/Warden/internal/tlsprobe"
)

// expiringWithin marks certificates close to their end of validity.
const expiringWithin = 30 * 24 * time.Hour

func parseNmap(in Input) ([]Candidate, error) {
	var out nmap.Output
	if err := json.Unmarshal(in.Raw, &out); err != nil {
		return nil, parseErr("nmap: %v", err)
	}
	var ret []Candidate
	for _, h := range out.Hosts {
		for _, p := range h.Ports {
			if p.State != "open" {
				continue
			}
			ret = append(ret, Candidate{
				Category: "open_port",
				Title:    fmt.Sprintf("Open port %s/%d", p.Protocol, p.ID),
				Severity: model.SeverityInfo,
				Evidence: strings.Join(nonEmpty(fmt.Sprintf("%s/%d", p.Protocol, p.ID), p.Service, p.Product, p.Version), " "),
				Key:      fmt.Sprintf("port:%s/%d", p.Protocol, p.ID),
			})
			for _, s := range p.Scripts {
				for _, proto := range s.Protocols {
					if c, ok := weakProtocol(int(p.ID), proto.Version); ok {
						ret = append(ret, c)
					}
					for _, cipher := range proto.Ciphers {
						if c, ok := weakCipher(int(p.ID), cipher); ok {
							ret = append(ret, c)
						}
					}
				}
			}
		}
	}
	return ret, nil
}

// weakCipher rates an offered suite by its nmap grade and by its parts,
// the worse of both wins.
func weakCipher(port int, c nmap.Cipher) (Candidate, bool) {
	var sev model.Severity
	var ok bool
	reason := "grade " + c.Strength
	switch c.Strength {
	case "C":
		sev, ok = model.SeverityMedium, true
	case "D", "E", "F":
		sev, ok = model.SeverityHigh, true
	}
	if cs, err := ParseCipherSuite(c.Name); err == nil {
		if s, r, weak := cs.Weakness(); weak && (!ok || s > sev) {
			sev, reason, ok = s, r, true
		}
	}
	if !ok {
		return Candidate{}, false
	}
	return cipherCandidate(port, c.Name, sev, "offers", reason), true
}

func cipherCandidate(port int, name string, sev model.Severity, verb, reason string) Candidate {
	return Candidate{
		Category: "weak_cipher",
		Title:    "Weak cipher suite enabled",
		Severity: sev,
		Evidence: fmt.Sprintf("port %d %s %s (%s)", port, verb, name, reason),
		Key:      fmt.Sprintf("cipher:%d:%s", port, name),
	}
}

func parseTLS(in Input) ([]Candidate, error) {
	var eps []tlsprobe.Endpoint
	if err := json.Unmarshal(in.Raw, &eps); err != nil {
		return nil, parseErr("tls: %v", err)
	}
	var ret []Candidate
	for _, ep := range eps {
		if ep.Error != "" {
			continue
		}
		for _, v := range ep.Legacy {
			if c, ok := weakProtocol(ep.Port, tlsVersion(v)); ok {
				ret = append(ret, c)
			}
		}
		if cs, err := ParseCipherSuite(ep.Cipher); err == nil {
			if sev, reason, weak := cs.Weakness(); weak {
				ret = append(ret, cipherCandidate(ep.Port, ep.Cipher, sev, "negotiated", reason))
			}
		}
		if ep.Subject == "" {
			continue
		}
		cert := fmt.Sprintf("port %d certificate %s issued by %s", ep.Port, ep.Subject, ep.Issuer)
		key := func(kind string) string {
			return fmt.Sprintf("%s:%d:%s", kind, ep.Port, ep.Subject)
		}
		if !in.Time.IsZero() {
			switch {
			case in.Time.After(ep.NotAfter):
				ret = append(ret, Candidate{
					Category: "expired_certificate",
					Title:    "Certificate expired",
					Severity: model.SeverityHigh,
					Evidence: cert + " expired " + ep.NotAfter.Format(time.RFC3339),
					Key:      key("cert-expired"),
				})
			case in.Time.Before(ep.NotBefore):
				ret = append(ret, Candidate{
					Category: "invalid_certificate",
					Title:    "Certificate not yet valid",
					Severity: model.SeverityMedium,
					Evidence: cert + " valid from " + ep.NotBefore.Format(time.RFC3339),
					Key:      key("cert-not-yet-valid"),
				})
			case ep.NotAfter.Sub(in.Time) < expiringWithin:
				ret = append(ret, Candidate{
					Category: "certificate_expiring",
					Title:    "Certificate expires soon",
					Severity: model.SeverityLow,
					Evidence: cert + " expires " + ep.NotAfter.Format(time.RFC3339),
					Key:      key("cert-expiring"),
				})
			}
		}
		switch {
		case ep.SelfSigned:
			ret = append(ret, Candidate{
				Category: "self_signed_certificate",
				Title:    "Self-signed certificate",
				Severity: model.SeverityMedium,
				Evidence: cert,
				Key:      key("cert-self-signed"),
			})
		case !ep.Verified:
			ret = append(ret, Candidate{
				Category: "untrusted_certificate",
				Title:    "Certificate chain not trusted",
				Severity: model.SeverityMedium,
				Evidence: cert + ": " + ep.VerifyErr,
				Key:      key("cert-untrusted"),
			})
		}
	}
	return ret, nil
}

// tlsVersion converts "TLS 1.0" to "tls@1.0".
func tlsVersion(name string) string {
	return strings.Replace(strings.ToLower(name), " ", "@", 1)
}

func parseGitleaks(in Input) ([]Candidate, error) {
	var leaks []gitleaks.Leak
	if err := json.Unmarshal(in.Raw, &leaks); err != nil {
		return nil, parseErr("gitleaks: %v", err)
	}
	ret := make([]Candidate, 0, len(leaks))
	for _, l := range leaks {
		ret = append(ret, Candidate{
			Category: "secret_exposure",
			Title:    l.Description,
			Severity: model.SeverityHigh,
			Evidence: fmt.Sprintf("%s at %s line %d: %s", l.RuleID, l.URL, l.StartLine, l.Match),
			Key:      fmt.Sprintf("secret:%s:%s:%d", l.RuleID, l.URL, l.StartLine),
		})
	}
	return ret, nil
}

func nonEmpty(s ...string) []string {
	ret := s[:0]
	for _, x := range s {
		if x != "" {
			ret = append(ret, x)
		}
	}
	return ret
}
