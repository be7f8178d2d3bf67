// Package resolve expands a target specification into the ordered list of
// (target, tool) pairs a job consists of.
package resolve

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// MaxTargets is the upper bound of targets a single specification may expand to.
const MaxTargets = 1 << 16

// Pair is one (target, tool) combination, the seed of a ScanUnit.
type Pair struct {
	Target model.Target
	Tool   string
}

// Resolve expands spec and combines every resulting target with every tool.
// The output is target-major in first-seen order and tool order as given.
// It is a pure function: the same input always yields the same output.
func Resolve(spec model.TargetSpec, tools []string) ([]Pair, error) {
	tools = dedupTools(tools)
	if len(tools) == 0 {
		return nil, fmt.Errorf("no tools: %w", model.ErrInvalidSpecification)
	}
	targets, err := Targets(spec)
	if err != nil {
		return nil, err
	}
	ret := make([]Pair, 0, len(targets)*len(tools))
	for _, t := range targets {
		for _, tool := range tools {
			ret = append(ret, Pair{Target: t, Tool: tool})
		}
	}
	return ret, nil
}

// Targets returns deduplicated targets of spec with exclusions applied.
func Targets(spec model.TargetSpec) ([]model.Target, error) {
	excl, err := newExcluder(spec.Exclude)
	if err != nil {
		return nil, err
	}

	var errs []error
	seen := make(map[string]struct{})
	var ret []model.Target
	add := func(t model.Target) error {
		if excl.match(t) {
			return nil
		}
		if _, ok := seen[t.Value]; ok {
			return nil
		}
		if len(ret) >= MaxTargets {
			return fmt.Errorf("more than %d targets: %w", MaxTargets, model.ErrInvalidSpecification)
		}
		seen[t.Value] = struct{}{}
		ret = append(ret, t)
		return nil
	}

	for _, e := range entries(spec.Targets) {
		it, err := parse(e, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := it.each(add); err != nil {
			return nil, err
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("specification resolves to zero targets: %w", model.ErrInvalidSpecification)
	}
	return ret, nil
}

func entries(raw []string) []string {
	var ret []string
	for _, r := range raw {
		ret = append(ret, strings.FieldsFunc(r, func(c rune) bool {
			return c == ',' || unicode.IsSpace(c)
		})...)
	}
	return ret
}

func dedupTools(tools []string) []string {
	seen := make(map[string]struct{}, len(tools))
	ret := make([]string, 0, len(tools))
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		ret = append(ret, t)
	}
	return ret
}

// item is a single parsed entry of a specification.
type item struct {
	kind   model.TargetKind
	value  string // hostname or url
	first  netip.Addr
	last   netip.Addr // inclusive
	prefix netip.Prefix
}

func invalid(entry, format string, args ...any) error {
	return fmt.Errorf("%q: %s: %w", entry, fmt.Sprintf(format, args...), model.ErrInvalidSpecification)
}

// parse reads one entry. With bounded set, prefixes and ranges larger than
// MaxTargets are rejected.
func parse(entry string, bounded bool) (item, error) {
	switch {
	case strings.Contains(entry, "://"):
		u, err := normalizeURL(entry)
		if err != nil {
			return item{}, err
		}
		return item{kind: model.TargetURL, value: u}, nil
	case strings.Contains(entry, "/"):
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return item{}, invalid(entry, "bad CIDR")
		}
		p = p.Masked()
		if bounded && p.Addr().BitLen()-p.Bits() > 16 {
			return item{}, invalid(entry, "prefix expands to more than %d targets", MaxTargets)
		}
		return item{kind: model.TargetIP, prefix: p}, nil
	case strings.Contains(entry, "-") && startsWithAddr(entry):
		first, last, err := parseRange(entry, bounded)
		if err != nil {
			return item{}, err
		}
		return item{kind: model.TargetIP, first: first, last: last}, nil
	}

	if a, err := netip.ParseAddr(entry); err == nil {
		return item{kind: model.TargetIP, first: a.Unmap(), last: a.Unmap()}, nil
	}
	h, err := normalizeHost(entry)
	if err != nil {
		return item{}, err
	}
	return item{kind: model.TargetHostname, value: h}, nil
}

func (i item) each(yield func(model.Target) error) error {
	switch {
	case i.kind != model.TargetIP:
		return yield(model.Target{Value: i.value, Kind: i.kind})
	case i.prefix.IsValid():
		for a := i.prefix.Addr(); a.IsValid() && i.prefix.Contains(a); a = a.Next() {
			if err := yield(model.Target{Value: a.String(), Kind: model.TargetIP}); err != nil {
				return err
			}
		}
	default:
		for a := i.first; a.IsValid() && a.Compare(i.last) <= 0; a = a.Next() {
			if err := yield(model.Target{Value: a.String(), Kind: model.TargetIP}); err != nil {
				return err
			}
		}
	}
	return nil
}

func startsWithAddr(entry string) bool {
	before, _, _ := strings.Cut(entry, "-")
	_, err := netip.ParseAddr(before)
	return err == nil
}

// parseRange accepts 10.0.0.1-10.0.0.9 and the IPv4 shorthand 10.0.0.1-9.
func parseRange(entry string, bounded bool) (netip.Addr, netip.Addr, error) {
	var zero netip.Addr
	lo, hi, _ := strings.Cut(entry, "-")
	first, err := netip.ParseAddr(lo)
	if err != nil {
		return zero, zero, invalid(entry, "bad range start")
	}
	first = first.Unmap()

	var last netip.Addr
	if n, err := strconv.Atoi(hi); err == nil && first.Is4() {
		if n < 0 || n > 255 {
			return zero, zero, invalid(entry, "bad range end")
		}
		b := first.As4()
		b[3] = byte(n)
		last = netip.AddrFrom4(b)
	} else {
		last, err = netip.ParseAddr(hi)
		if err != nil {
			return zero, zero, invalid(entry, "bad range end")
		}
		last = last.Unmap()
	}

	if first.BitLen() != last.BitLen() {
		return zero, zero, invalid(entry, "mixed address families")
	}
	if first.Compare(last) > 0 {
		return zero, zero, invalid(entry, "range start after end")
	}
	if !bounded {
		return first, last, nil
	}
	n := 1
	for a := first; a != last; a = a.Next() {
		if n > MaxTargets {
			return zero, zero, invalid(entry, "range expands to more than %d targets", MaxTargets)
		}
		n++
	}
	return first, last, nil
}

func normalizeURL(entry string) (string, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return "", invalid(entry, "bad URL")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalid(entry, "unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", invalid(entry, "missing host")
	}
	if _, err := netip.ParseAddr(host); err != nil {
		if _, err := normalizeHost(host); err != nil {
			return "", err
		}
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// normalizeHost validates an RFC 1123 hostname and returns it lower-cased
// without the trailing dot.
func normalizeHost(entry string) (string, error) {
	h := strings.TrimSuffix(strings.ToLower(entry), ".")
	if h == "" || len(h) > 253 {
		return "", invalid(entry, "bad hostname")
	}
	labels := strings.Split(h, ".")
	for _, l := range labels {
		if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
			return "", invalid(entry, "bad hostname label %q", l)
		}
		for _, c := range l {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return "", invalid(entry, "bad hostname label %q", l)
			}
		}
	}
	// 10.0.0.300 is neither an address nor a hostname
	if !slices.ContainsFunc([]rune(labels[len(labels)-1]), func(c rune) bool { return c < '0' || c > '9' }) {
		return "", invalid(entry, "numeric top level label")
	}
	return h, nil
}
