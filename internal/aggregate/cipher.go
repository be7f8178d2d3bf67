package aggregate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// CipherSuite is an IANA cipher suite name split into its parts.
//
// TLS 1.2 and earlier: TLS_<KEX[_AUTH]>[_EXPORT]_WITH_<CIPHER>[_<KEYLEN>][_<MODE>]_<HASH>
// TLS 1.3: TLS_<CIPHER>_<KEYLEN>_<MODE>_<HASH>
type CipherSuite struct {
	Protocol string
	KexAuth  string // empty in TLS 1.3
	Cipher   string
	KeyLen   int
	Mode     string
	Hash     string
}

var hashes = map[string]struct{}{
	"MD5": {}, "SHA": {}, "SHA256": {}, "SHA384": {},
}

func ParseCipherSuite(name string) (CipherSuite, error) {
	var zero CipherSuite

	// fallback names
	switch name {
	case "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305":
		name = "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"
	case "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305":
		name = "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256"
	}

	proto, rest, ok := strings.Cut(name, "_")
	if !ok || (proto != "TLS" && proto != "SSL") {
		return zero, fmt.Errorf("unsupported cipher suite prefix in %q", name)
	}
	cs := CipherSuite{Protocol: proto}
	if kex, bulk, ok := strings.Cut(rest, "_WITH_"); ok {
		if kex == "" {
			return zero, fmt.Errorf("missing key exchange in %q", name)
		}
		cs.KexAuth, rest = kex, bulk
	}

	toks := strings.Split(rest, "_")
	if len(toks) == 0 || toks[0] == "" {
		return zero, fmt.Errorf("missing cipher in %q", name)
	}
	if _, ok := hashes[toks[len(toks)-1]]; ok && len(toks) > 1 {
		cs.Hash = toks[len(toks)-1]
		toks = toks[:len(toks)-1]
	}
	cs.Cipher, toks = toks[0], toks[1:]
	if len(toks) > 0 {
		if n, err := strconv.Atoi(toks[0]); err == nil {
			cs.KeyLen, toks = n, toks[1:]
		}
	}
	cs.Mode = strings.Join(toks, "_")
	if cs.KexAuth == "" && cs.Hash == "" {
		return zero, fmt.Errorf("unsupported cipher suite %q", name)
	}
	return cs, nil
}

// Weakness rates the suite. ok is false for suites without known issues.
func (c CipherSuite) Weakness() (sev model.Severity, reason string, ok bool) {
	switch {
	case c.Cipher == "NULL":
		return model.SeverityHigh, "no encryption", true
	case strings.Contains(c.KexAuth, "anon"):
		return model.SeverityHigh, "anonymous key exchange", true
	case strings.Contains(c.KexAuth, "EXPORT"):
		return model.SeverityHigh, "export grade", true
	case c.Cipher == "RC4", c.Cipher == "RC2", c.Cipher == "DES", c.Cipher == "DES40":
		return model.SeverityHigh, "broken cipher " + c.Cipher, true
	case c.Cipher == "3DES", c.Cipher == "IDEA":
		return model.SeverityMedium, "64-bit block cipher " + c.Cipher, true
	case c.Hash == "MD5":
		return model.SeverityMedium, "MD5 message authentication", true
	case c.KexAuth == "RSA", strings.HasPrefix(c.KexAuth, "DH_"), strings.HasPrefix(c.KexAuth, "ECDH_"):
		return model.SeverityLow, "no forward secrecy", true
	}
	return model.SeverityInfo, "", false
}
