package resolve

import (
	"errors"
	"net/netip"
	"net/url"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
)

type addrRange struct {
	first, last netip.Addr
}

type excluder struct {
	prefixes []netip.Prefix
	ranges   []addrRange
	names    map[string]struct{}
}

func newExcluder(raw []string) (excluder, error) {
	ex := excluder{names: make(map[string]struct{})}
	var errs []error
	for _, e := range entries(raw) {
		it, err := parse(e, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case it.kind != model.TargetIP:
			ex.names[it.value] = struct{}{}
		case it.prefix.IsValid():
			ex.prefixes = append(ex.prefixes, it.prefix)
		default:
			ex.ranges = append(ex.ranges, addrRange{first: it.first, last: it.last})
		}
	}
	return ex, errors.Join(errs...)
}

func (ex excluder) match(t model.Target) bool {
	if _, ok := ex.names[t.Value]; ok {
		return true
	}
	switch t.Kind {
	case model.TargetIP:
		a, err := netip.ParseAddr(t.Value)
		return err == nil && ex.matchAddr(a)
	case model.TargetURL:
		u, err := url.Parse(t.Value)
		if err != nil {
			return false
		}
		host := strings.ToLower(u.Hostname())
		if _, ok := ex.names[host]; ok {
			return true
		}
		a, err := netip.ParseAddr(host)
		return err == nil && ex.matchAddr(a.Unmap())
	}
	return false
}

func (ex excluder) matchAddr(a netip.Addr) bool {
	for _, p := range ex.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	for _, r := range ex.ranges {
		if a.BitLen() == r.first.BitLen() && a.Compare(r.first) >= 0 && a.Compare(r.last) <= 0 {
			return true
		}
	}
	return false
}
